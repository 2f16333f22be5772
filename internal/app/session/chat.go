package session

import (
	"sync"

	"github.com/dkeye/VoiceRoom/internal/domain"
)

const DefaultChatCapacity = 500

// ChatLog is a bounded message log. Messages are unique by id so an echo of
// an optimistically appended message is not stored twice.
type ChatLog struct {
	mu   sync.RWMutex
	max  int
	msgs []domain.ChatMessage
	ids  map[string]struct{}
}

func NewChatLog(capacity int) *ChatLog {
	if capacity <= 0 {
		capacity = DefaultChatCapacity
	}
	return &ChatLog{max: capacity, ids: make(map[string]struct{})}
}

// Append stores m and reports false for a duplicate id. The oldest message
// is dropped when the log is full.
func (l *ChatLog) Append(m domain.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.ID != "" {
		if _, dup := l.ids[m.ID]; dup {
			return false
		}
		l.ids[m.ID] = struct{}{}
	}
	if len(l.msgs) == l.max {
		delete(l.ids, l.msgs[0].ID)
		l.msgs = append(l.msgs[:0], l.msgs[1:]...)
	}
	l.msgs = append(l.msgs, m)
	return true
}

func (l *ChatLog) Snapshot() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *ChatLog) Clear() {
	l.mu.Lock()
	l.msgs = nil
	clear(l.ids)
	l.mu.Unlock()
}
