package peers

import (
	"context"
	"sync/atomic"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// record is one remote peer. Everything except the atomics is touched only
// from the record's own queue goroutine.
type record struct {
	peerID string
	userID domain.UserID
	conn   core.PeerConnection
	queue  *taskQueue
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	// remoteOffers counts offers received; a deferred offer is stale once
	// a newer one has arrived.
	remoteOffers atomic.Uint64

	// initiator wins offer collisions; the other side rolls back.
	initiator  bool
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	offerAgain bool
}

func newRecord(parent zerolog.Logger, peerID string, userID domain.UserID, conn core.PeerConnection) *record {
	ctx, cancel := context.WithCancel(context.Background())
	r := &record{
		peerID: peerID,
		userID: userID,
		conn:   conn,
		queue:  newTaskQueue(),
		log:    parent.With().Str("peer_id", peerID).Str("user_id", string(userID)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	r.setState(core.StateNew)
	return r
}

func (r *record) State() core.NegotiationState {
	return core.NegotiationState(r.state.Load())
}

func (r *record) setState(s core.NegotiationState) {
	r.state.Store(int32(s))
}

func (r *record) closed() bool { return r.ctx.Err() != nil }

// enqueue schedules fn on the record's queue; it is dropped once the record
// is closed.
func (r *record) enqueue(fn func()) {
	r.queue.push(func() {
		if r.closed() {
			return
		}
		fn()
	})
}

func (r *record) close() {
	r.cancel()
	r.setState(core.StateClosed)
	if err := r.conn.Close(); err != nil {
		r.log.Error().Err(err).Msg("close error")
		return
	}
	r.log.Info().Msg("closed")
}
