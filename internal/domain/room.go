package domain

import "time"

type RoomID string

// ChatMessage is one entry of the room text chat.
type ChatMessage struct {
	ID     string    `json:"id"`
	RoomID RoomID    `json:"roomId"`
	User   User      `json:"user"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// HandRaiseRequest is an audience member asking to speak.
type HandRaiseRequest struct {
	UserID      UserID    `json:"userId"`
	PeerID      string    `json:"peerId,omitempty"`
	DisplayName string    `json:"displayName"`
	RaisedAt    time.Time `json:"raisedAt"`
}
