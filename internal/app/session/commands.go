package session

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dkeye/VoiceRoom/internal/app"
	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/google/uuid"
)

const MaxMessageLength = 2000

// actor is the local user as seen by one command.
type actor struct {
	rn   *run
	user domain.User
	role domain.Role
}

func (c *Controller) actor() (actor, error) {
	c.mu.Lock()
	rn, state, user := c.run, c.state, c.local
	c.mu.Unlock()
	if rn == nil || state != StateActive {
		return actor{}, ErrNotActive
	}
	p, _ := c.roster.Get(user.ID)
	return actor{rn: rn, user: user, role: p.Role}, nil
}

// authorize returns proceed=false with a nil error for commands the policy
// ignores.
func (c *Controller) authorize(a actor, cmd core.Event, self bool) (proceed bool, err error) {
	switch d := c.policy.Authorize(a.role, cmd, self); d {
	case app.Allow:
		return true, nil
	case app.Ignore:
		c.log.Debug().Str("command", string(cmd)).Str("role", string(a.role)).Msg("command ignored")
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s as %s", ErrNotAllowed, cmd, a.role)
	}
}

func (c *Controller) send(rn *run, ev core.Event, payload any) error {
	if err := rn.signal.Emit(ev, payload); err != nil {
		return &core.SignalingDeliveryError{Err: err}
	}
	return nil
}

// rollbackIf wraps fn so it only runs while rn is still current.
func (c *Controller) rollbackIf(rn *run, cmd core.Event, fn func()) func() {
	return func() {
		if !c.isCurrent(rn) {
			return
		}
		fn()
		c.notices.add(NoticeRolledBack, fmt.Sprintf("%s was not confirmed by the room", cmd))
	}
}

func (c *Controller) Mute() error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventMute, true); !ok {
		return err
	}
	if !c.setLocalMuted(a.rn, true) {
		return nil
	}
	// muting is never rolled back
	cid := c.ledger.Begin(core.EventMute, a.user.ID, nil)
	return c.send(a.rn, core.EventMute, core.UserEvent{RoomID: a.rn.roomID, UserID: a.user.ID, CorrelationID: cid})
}

func (c *Controller) Unmute() error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventUnmute, true); !ok {
		return err
	}
	if c.deps.Media == nil || !c.deps.Media.Captured() {
		return ErrNoLocalAudio
	}
	if !c.setLocalMuted(a.rn, false) {
		return nil
	}
	cid := c.ledger.Begin(core.EventUnmute, a.user.ID, c.rollbackIf(a.rn, core.EventUnmute, func() {
		c.setLocalMuted(a.rn, true)
	}))
	return c.send(a.rn, core.EventUnmute, core.UserEvent{RoomID: a.rn.roomID, UserID: a.user.ID, CorrelationID: cid})
}

// RaiseHand asks the admins for the speaker role. A pending request is not
// raised again.
func (c *Controller) RaiseHand() error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventRaiseHand, true); !ok {
		return err
	}
	if c.hands.Pending(a.user.ID) {
		return nil
	}
	if !c.limiter.Allow(a.user.ID, core.EventRaiseHand) {
		return ErrRateLimited
	}
	c.hands.Raise(domain.HandRaiseRequest{
		UserID:      a.user.ID,
		DisplayName: a.user.Username,
		RaisedAt:    time.Now(),
	})
	cid := c.ledger.Begin(core.EventRaiseHand, a.user.ID, c.rollbackIf(a.rn, core.EventRaiseHand, func() {
		c.hands.Resolve(a.user.ID)
	}))
	return c.send(a.rn, core.EventRaiseHand, core.UserEvent{
		RoomID:        a.rn.roomID,
		UserID:        a.user.ID,
		DisplayName:   a.user.Username,
		CorrelationID: cid,
	})
}

// ApproveSpeak promotes userID to speaker. The role flips locally at once.
func (c *Controller) ApproveSpeak(peerID string, userID domain.UserID) error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventApproveSpeak, userID == a.user.ID); !ok {
		return err
	}
	prev, ok := c.roster.Get(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	req, hadHand := c.hands.Resolve(userID)
	if prev.Role != domain.RoleAdmin {
		c.roster.SetRole(userID, domain.RoleSpeaker)
	}
	cid := c.ledger.Begin(core.EventApproveSpeak, userID, c.rollbackIf(a.rn, core.EventApproveSpeak, func() {
		c.roster.SetRole(userID, prev.Role)
		if hadHand {
			c.hands.Raise(req)
		}
	}))
	return c.send(a.rn, core.EventApproveSpeak, core.UserEvent{
		RoomID:        a.rn.roomID,
		UserID:        userID,
		PeerID:        peerID,
		CorrelationID: cid,
	})
}

// RejectSpeak declines a pending hand. Without a pending hand it does nothing.
func (c *Controller) RejectSpeak(peerID string, userID domain.UserID) error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventRejectSpeak, userID == a.user.ID); !ok {
		return err
	}
	req, hadHand := c.hands.Resolve(userID)
	if !hadHand {
		return nil
	}
	cid := c.ledger.Begin(core.EventRejectSpeak, userID, c.rollbackIf(a.rn, core.EventRejectSpeak, func() {
		c.hands.Raise(req)
	}))
	return c.send(a.rn, core.EventRejectSpeak, core.UserEvent{
		RoomID:        a.rn.roomID,
		UserID:        userID,
		PeerID:        peerID,
		CorrelationID: cid,
	})
}

// ReturnToAudience demotes userID. Speakers may demote themselves.
func (c *Controller) ReturnToAudience(userID domain.UserID) error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	self := userID == a.user.ID
	if ok, err := c.authorize(a, core.EventReturnAudience, self); !ok {
		return err
	}
	prev, ok := c.roster.Get(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if prev.Role == domain.RoleAudience {
		return nil
	}
	c.roster.SetRole(userID, domain.RoleAudience)
	if self {
		c.syncLocal(a.rn)
	}
	cid := c.ledger.Begin(core.EventReturnAudience, userID, c.rollbackIf(a.rn, core.EventReturnAudience, func() {
		c.roster.SetRole(userID, prev.Role)
		if self {
			c.syncLocal(a.rn)
		}
	}))
	return c.send(a.rn, core.EventReturnAudience, core.UserEvent{
		RoomID:        a.rn.roomID,
		UserID:        userID,
		CorrelationID: cid,
	})
}

// EndRoom asks the server to close the room for everyone. The session ends
// when the room-ended event arrives.
func (c *Controller) EndRoom() error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventEndRoom, false); !ok {
		return err
	}
	return c.send(a.rn, core.EventEndRoom, core.RoomRef{RoomID: a.rn.roomID})
}

// BlockUser removes userID from the room. The entry disappears locally at once.
func (c *Controller) BlockUser(userID domain.UserID) error {
	a, err := c.actor()
	if err != nil {
		return err
	}
	if ok, err := c.authorize(a, core.EventBlockUser, userID == a.user.ID); !ok {
		return err
	}
	prev, ok := c.roster.Get(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	c.roster.Remove(userID)
	req, hadHand := c.hands.Resolve(userID)
	cid := c.ledger.Begin(core.EventBlockUser, userID, c.rollbackIf(a.rn, core.EventBlockUser, func() {
		c.roster.Upsert(domain.UpdateFrom(prev))
		if hadHand {
			c.hands.Raise(req)
		}
	}))
	return c.send(a.rn, core.EventBlockUser, core.UserEvent{
		RoomID:        a.rn.roomID,
		UserID:        userID,
		CorrelationID: cid,
	})
}

// SendMessage posts text to the room chat. The message is logged locally
// before the echo arrives; the echo is deduplicated by id.
func (c *Controller) SendMessage(text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return domain.ChatMessage{}, ErrMessageTooLong
	}
	a, err := c.actor()
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if ok, err := c.authorize(a, core.EventMessage, true); !ok {
		return domain.ChatMessage{}, err
	}
	if !c.limiter.Allow(a.user.ID, core.EventMessage) {
		return domain.ChatMessage{}, ErrRateLimited
	}
	msg := domain.ChatMessage{
		ID:     uuid.NewString(),
		RoomID: a.rn.roomID,
		User:   a.user,
		Text:   text,
		SentAt: time.Now(),
	}
	c.chat.Append(msg)
	return msg, c.send(a.rn, core.EventMessage, core.Message{
		ID:     msg.ID,
		RoomID: msg.RoomID,
		User:   msg.User,
		Text:   msg.Text,
	})
}
