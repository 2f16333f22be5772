package session

import (
	"sync"
	"time"
)

type NoticeKind string

const (
	NoticeCapture      NoticeKind = "capture"
	NoticeTerminated   NoticeKind = "terminated"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeRolledBack   NoticeKind = "rolled_back"
)

// Notice is a user-facing notification.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

const maxNotices = 50

type noticeBoard struct {
	mu   sync.Mutex
	list []Notice
}

func (b *noticeBoard) add(kind NoticeKind, msg string) Notice {
	n := Notice{Kind: kind, Message: msg, At: time.Now()}
	b.mu.Lock()
	if len(b.list) == maxNotices {
		b.list = append(b.list[:0], b.list[1:]...)
	}
	b.list = append(b.list, n)
	b.mu.Unlock()
	return n
}

func (b *noticeBoard) snapshot() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notice, len(b.list))
	copy(out, b.list)
	return out
}
