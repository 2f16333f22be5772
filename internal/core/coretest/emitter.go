package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/VoiceRoom/internal/core"
)

// Emitted is one recorded outbound event.
type Emitted struct {
	Event   core.Event
	Payload json.RawMessage
}

// Recorder is a core.Emitter that keeps every event it is asked to send.
type Recorder struct {
	mu     sync.Mutex
	events []Emitted
	Err    error
}

func (r *Recorder) Emit(event core.Event, payload any) error {
	if r.Err != nil {
		return r.Err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, Emitted{Event: event, Payload: b})
	r.mu.Unlock()
	return nil
}

// Of returns the payloads recorded for event, in order.
func (r *Recorder) Of(event core.Event) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
