package core

import (
	"context"
	"encoding/json"
)

// Handler receives the raw payload of one signaling event.
// Handlers run on the connection's dispatch goroutine and must not block.
type Handler func(payload json.RawMessage)

// Subscription is the handle returned by On; Unsubscribe releases exactly
// that registration and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Emitter sends named events over the signaling channel.
type Emitter interface {
	Emit(event Event, payload any) error
}

// SignalingClient abstracts the bidirectional event channel.
// Owned by the session controller; the controller must Disconnect() it.
type SignalingClient interface {
	Emitter
	Connect(ctx context.Context) error
	On(event Event, h Handler) Subscription
	Disconnect() error
	// Done is closed when the channel fails or is disconnected.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a clean Disconnect.
	Err() error
}
