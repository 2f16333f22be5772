// Package roster keeps the locally reconciled view of room participants.
package roster

import (
	"slices"
	"sync"

	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Store is a threadsafe, insertion-ordered participant set keyed by user id.
// Every mutation is applied under one lock acquisition.
type Store struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]*domain.Participant
	order  []domain.UserID

	subsMu sync.Mutex
	subs   map[int]func([]domain.Participant)
	nextID int
}

func NewStore() *Store {
	return &Store{
		byUser: make(map[domain.UserID]*domain.Participant),
		subs:   make(map[int]func([]domain.Participant)),
	}
}

// Upsert inserts or merges field-wise. New entries default to the audience role.
func (s *Store) Upsert(u domain.ParticipantUpdate) domain.Participant {
	if u.ID == "" {
		return domain.Participant{}
	}
	s.mu.Lock()
	p, ok := s.byUser[u.ID]
	if !ok {
		p = &domain.Participant{ID: u.ID, Role: domain.RoleAudience}
		s.byUser[u.ID] = p
		s.order = append(s.order, u.ID)
	}
	u.Apply(p)
	out := *p
	s.mu.Unlock()

	if !ok {
		log.Debug().Str("module", "roster").Str("user_id", string(u.ID)).Msg("participant added")
	}
	s.notify()
	return out
}

func (s *Store) Remove(id domain.UserID) bool {
	s.mu.Lock()
	if _, ok := s.byUser[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byUser, id)
	s.order = slices.DeleteFunc(s.order, func(x domain.UserID) bool { return x == id })
	s.mu.Unlock()

	log.Debug().Str("module", "roster").Str("user_id", string(id)).Msg("participant removed")
	s.notify()
	return true
}

// ReplaceAll discards the current roster in favour of a full snapshot.
// Duplicate ids in the snapshot collapse into the last occurrence.
func (s *Store) ReplaceAll(list []domain.Participant) {
	s.mu.Lock()
	s.byUser = make(map[domain.UserID]*domain.Participant, len(list))
	s.order = s.order[:0]
	for _, p := range list {
		if p.ID == "" {
			continue
		}
		if p.Role == "" {
			p.Role = domain.RoleAudience
		}
		if _, dup := s.byUser[p.ID]; !dup {
			s.order = append(s.order, p.ID)
		}
		cp := p
		s.byUser[p.ID] = &cp
	}
	n := len(s.order)
	s.mu.Unlock()

	log.Debug().Str("module", "roster").Int("count", n).Msg("roster replaced")
	s.notify()
}

// SetRole, SetMuted and SetSpeaking only touch existing entries.
func (s *Store) SetRole(id domain.UserID, r domain.Role) bool {
	return s.mutate(id, func(p *domain.Participant) { p.Role = r })
}

func (s *Store) SetMuted(id domain.UserID, muted bool) bool {
	return s.mutate(id, func(p *domain.Participant) { p.Muted = muted })
}

func (s *Store) SetSpeaking(id domain.UserID, speaking bool) bool {
	return s.mutate(id, func(p *domain.Participant) { p.Speaking = speaking })
}

func (s *Store) mutate(id domain.UserID, fn func(*domain.Participant)) bool {
	s.mu.Lock()
	p, ok := s.byUser[id]
	if ok {
		fn(p)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *Store) Get(id domain.UserID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byUser[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns a copy in join order.
func (s *Store) Snapshot() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byUser[id])
	}
	return out
}

// Subscribe registers fn for change notifications. The returned func
// removes exactly this registration.
func (s *Store) Subscribe(fn func([]domain.Participant)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	if len(s.subs) == 0 {
		s.subsMu.Unlock()
		return
	}
	fns := make([]func([]domain.Participant), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
