package core

import (
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Event is a signaling event name as sent on the wire.
type Event string

const (
	EventJoin               Event = "join"
	EventRoomClients        Event = "room-clients"
	EventAddPeer            Event = "add-peer"
	EventRemovePeer         Event = "remove-peer"
	EventRelaySDP           Event = "relay-sdp"
	EventSessionDescription Event = "session-description"
	EventRelayICE           Event = "relay-ice"
	EventICECandidate       Event = "ice-candidate"
	EventMute               Event = "mute"
	EventUnmute             Event = "unmute"
	EventMuteInfo           Event = "mute-info"
	EventTalk               Event = "talk"
	EventRaiseHand          Event = "raise-hand"
	EventRejectSpeak        Event = "reject-speak"
	EventApproveSpeak       Event = "approve-speak"
	EventReturnAudience     Event = "return-audience"
	EventMessage            Event = "message"
	EventEndRoom            Event = "end-room"
	EventBlockUser          Event = "block-user"
	EventBlocked            Event = "blocked"
	EventLeave              Event = "leave"
	EventError              Event = "error"
	EventRoomEnded          Event = "room-ended"
)

// JoinOut announces the local user.
type JoinOut struct {
	RoomID domain.RoomID `json:"roomId"`
	User   domain.User   `json:"user"`
}

// JoinIn announces a remote member.
type JoinIn struct {
	User    domain.User `json:"user"`
	IsAdmin bool        `json:"isAdmin"`
}

type RoomClients struct {
	RoomID  domain.RoomID        `json:"roomId"`
	Clients []domain.Participant `json:"clients"`
}

type AddPeer struct {
	PeerID         string        `json:"peerId"`
	UserID         domain.UserID `json:"userId"`
	ShouldInitiate bool          `json:"shouldInitiate"`
	User           *domain.User  `json:"user,omitempty"`
}

type RemovePeer struct {
	PeerID string        `json:"peerId"`
	UserID domain.UserID `json:"userId"`
}

type SessionDescription struct {
	PeerID      string                    `json:"peerId"`
	Description webrtc.SessionDescription `json:"sessionDescription"`
}

type ICECandidate struct {
	PeerID    string                  `json:"peerId"`
	Candidate webrtc.ICECandidateInit `json:"icecandidate"`
}

// UserEvent carries the mute, role-transition and moderation payloads.
type UserEvent struct {
	RoomID        domain.RoomID `json:"roomId"`
	UserID        domain.UserID `json:"userId"`
	PeerID        string        `json:"peerId,omitempty"`
	DisplayName   string        `json:"displayName,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
}

type MuteInfo struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
	IsMute bool          `json:"isMute"`
}

type Talk struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
	IsTalk bool          `json:"isTalk"`
}

type Message struct {
	ID     string        `json:"id,omitempty"`
	RoomID domain.RoomID `json:"roomId"`
	User   domain.User   `json:"user"`
	Text   string        `json:"text"`
}

// RoomRef is the payload of room-wide commands such as leave and end-room.
type RoomRef struct {
	RoomID domain.RoomID `json:"roomId"`
}

type ErrorEvent struct {
	Message string `json:"message,omitempty"`
}
