// Package sink binds remote audio streams to the output that plays or stores
// them, without polling for the output to exist.
package sink

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// Sink consumes the RTP of one remote participant.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Factory builds the sink for a participant once it is known.
type Factory func(userID domain.UserID) (Sink, error)

type waiter struct {
	fn func(Sink)
}

// Registry keeps at most one sink per user and runs callbacks waiting for it.
type Registry struct {
	mu      sync.Mutex
	sinks   map[domain.UserID]Sink
	waiters map[domain.UserID][]*waiter
}

func NewRegistry() *Registry {
	return &Registry{
		sinks:   make(map[domain.UserID]Sink),
		waiters: make(map[domain.UserID][]*waiter),
	}
}

// WhenReady runs fn with the user's sink, now if it exists or as soon as it
// is provided. cancel drops fn if it has not run yet.
func (r *Registry) WhenReady(userID domain.UserID, fn func(Sink)) (cancel func()) {
	r.mu.Lock()
	if s, ok := r.sinks[userID]; ok {
		r.mu.Unlock()
		fn(s)
		return func() {}
	}
	w := &waiter{fn: fn}
	r.waiters[userID] = append(r.waiters[userID], w)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.waiters[userID]
		for i, x := range list {
			if x == w {
				r.waiters[userID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(r.waiters[userID]) == 0 {
			delete(r.waiters, userID)
		}
	}
}

// Provide registers the sink for userID, closing one it replaces, and runs
// the callbacks waiting for it in registration order.
func (r *Registry) Provide(userID domain.UserID, s Sink) {
	r.mu.Lock()
	old := r.sinks[userID]
	r.sinks[userID] = s
	waiting := r.waiters[userID]
	delete(r.waiters, userID)
	r.mu.Unlock()

	if old != nil && old != s {
		closeSink(userID, old)
	}
	for _, w := range waiting {
		w.fn(s)
	}
}

func (r *Registry) Get(userID domain.UserID) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[userID]
	return s, ok
}

// Release closes the user's sink and forgets anything waiting for it.
func (r *Registry) Release(userID domain.UserID) {
	r.mu.Lock()
	s := r.sinks[userID]
	delete(r.sinks, userID)
	delete(r.waiters, userID)
	r.mu.Unlock()

	if s != nil {
		closeSink(userID, s)
	}
}

// Reset releases every sink.
func (r *Registry) Reset() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[domain.UserID]Sink)
	clear(r.waiters)
	r.mu.Unlock()

	for id, s := range sinks {
		closeSink(id, s)
	}
}

// Users lists the users that currently have a sink.
func (r *Registry) Users() []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UserID, 0, len(r.sinks))
	for id := range r.sinks {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

func closeSink(userID domain.UserID, s Sink) {
	if err := s.Close(); err != nil {
		log.Error().Err(err).Str("module", "sink").Str("user_id", string(userID)).Msg("close error")
	}
}

// Pump copies RTP from track into s until the track ends or ctx is done.
func Pump(ctx context.Context, track core.RemoteTrack, s Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.WriteRTP(pkt); err != nil {
			return err
		}
	}
}
