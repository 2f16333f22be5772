package session

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultSpeculativeWindow = 5 * time.Second

type specKey struct {
	kind core.Event
	user domain.UserID
}

type speculation struct {
	id       string
	key      specKey
	rollback func()
	timer    *time.Timer
}

// Ledger tracks optimistic local mutations until the matching authoritative
// event settles them. An unsettled mutation is rolled back when its window
// expires.
type Ledger struct {
	mu     sync.Mutex
	window time.Duration
	byID   map[string]*speculation
	byKey  map[specKey]*speculation
}

func NewLedger(window time.Duration) *Ledger {
	if window <= 0 {
		window = DefaultSpeculativeWindow
	}
	return &Ledger{
		window: window,
		byID:   make(map[string]*speculation),
		byKey:  make(map[specKey]*speculation),
	}
}

// Begin records a mutation of kind for user and returns its correlation id.
// A pending mutation with the same kind and user is superseded without
// rollback. rollback may be nil.
func (l *Ledger) Begin(kind core.Event, user domain.UserID, rollback func()) string {
	s := &speculation{
		id:       uuid.NewString(),
		key:      specKey{kind, user},
		rollback: rollback,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if old := l.byKey[s.key]; old != nil {
		old.timer.Stop()
		delete(l.byID, old.id)
	}
	l.byID[s.id] = s
	l.byKey[s.key] = s
	s.timer = time.AfterFunc(l.window, func() { l.expire(s) })
	return s.id
}

// Confirm settles the mutation with the given correlation id, or failing
// that the one pending for kind and user.
func (l *Ledger) Confirm(id string, kind core.Event, user domain.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.byID[id]
	if s == nil {
		s = l.byKey[specKey{kind, user}]
	}
	if s == nil {
		return false
	}
	s.timer.Stop()
	l.drop(s)
	return true
}

func (l *Ledger) expire(s *speculation) {
	l.mu.Lock()
	if l.byID[s.id] != s {
		l.mu.Unlock()
		return
	}
	l.drop(s)
	l.mu.Unlock()

	log.Warn().
		Str("module", "session").
		Str("kind", string(s.key.kind)).
		Str("user_id", string(s.key.user)).
		Str("correlation_id", s.id).
		Msg("speculative update not confirmed, rolling back")
	if s.rollback != nil {
		s.rollback()
	}
}

func (l *Ledger) drop(s *speculation) {
	delete(l.byID, s.id)
	if l.byKey[s.key] == s {
		delete(l.byKey, s.key)
	}
}

func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// Reset forgets every pending mutation without rolling it back.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.byID {
		s.timer.Stop()
	}
	clear(l.byID)
	clear(l.byKey)
}
