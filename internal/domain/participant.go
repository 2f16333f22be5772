package domain

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSpeaker  Role = "speaker"
	RoleAudience Role = "audience"
)

// CanSpeak reports whether the role may send audio.
func (r Role) CanSpeak() bool { return r == RoleAdmin || r == RoleSpeaker }

// Participant is one roster entry.
type Participant struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"avatar,omitempty"`
	Role        Role   `json:"role"`
	Muted       bool   `json:"muted"`
	Speaking    bool   `json:"speaking"`
}

// ParticipantUpdate is a field-wise patch. Nil fields are left untouched.
type ParticipantUpdate struct {
	ID          UserID
	DisplayName *string
	AvatarURL   *string
	Role        *Role
	Muted       *bool
	Speaking    *bool
}

// UpdateFrom builds a patch that sets every field of p.
func UpdateFrom(p Participant) ParticipantUpdate {
	return ParticipantUpdate{
		ID:          p.ID,
		DisplayName: &p.DisplayName,
		AvatarURL:   &p.AvatarURL,
		Role:        &p.Role,
		Muted:       &p.Muted,
		Speaking:    &p.Speaking,
	}
}

// Presence builds a patch carrying only presentation fields.
func Presence(u User) ParticipantUpdate {
	return ParticipantUpdate{ID: u.ID, DisplayName: &u.Username, AvatarURL: &u.AvatarURL}
}

// Apply merges the patch into p.
func (u ParticipantUpdate) Apply(p *Participant) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.Muted != nil {
		p.Muted = *u.Muted
	}
	if u.Speaking != nil {
		p.Speaking = *u.Speaking
	}
}

func (u ParticipantUpdate) WithRole(r Role) ParticipantUpdate {
	u.Role = &r
	return u
}

func (u ParticipantUpdate) WithMuted(m bool) ParticipantUpdate {
	u.Muted = &m
	return u
}

func (u ParticipantUpdate) WithSpeaking(s bool) ParticipantUpdate {
	u.Speaking = &s
	return u
}
