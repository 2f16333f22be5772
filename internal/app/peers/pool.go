// Package peers keeps one negotiated connection per remote participant and
// drives its offer/answer/candidate exchange.
package peers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultGlareRetry = 250 * time.Millisecond

// Attacher puts the local tracks on a connection. changed reports a new
// sender, which needs a fresh offer.
type Attacher interface {
	AttachTo(conn core.PeerConnection) (changed bool, err error)
}

// Info identifies a tracked peer.
type Info struct {
	PeerID string
	UserID domain.UserID
	State  core.NegotiationState
}

// TrackFunc receives remote tracks. ctx is cancelled when the peer is removed.
type TrackFunc func(ctx context.Context, peer Info, track core.RemoteTrack)

type Config struct {
	Factory core.ConnectionFactory
	Signal  core.Emitter
	Media   Attacher

	// CanSend gates track attachment on the local role.
	CanSend    func() bool
	OnTrack    TrackFunc
	GlareRetry time.Duration
}

// Pool is the peer-id keyed table of connection records. The table lock is
// held only for lookup, insert and delete; negotiation runs on per-record
// queues so peers never wait on each other.
type Pool struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	records map[string]*record
}

func NewPool(cfg Config) *Pool {
	if cfg.GlareRetry <= 0 {
		cfg.GlareRetry = DefaultGlareRetry
	}
	return &Pool{
		cfg:     cfg,
		log:     log.With().Str("module", "peers").Logger(),
		records: make(map[string]*record),
	}
}

func (p *Pool) lookup(peerID string) *record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[peerID]
}

// AddPeer starts tracking a remote peer. It returns false when the peer is
// already tracked or no connection could be opened.
func (p *Pool) AddPeer(ev core.AddPeer) bool {
	if ev.PeerID == "" {
		return false
	}
	if p.lookup(ev.PeerID) != nil {
		p.log.Debug().Str("peer_id", ev.PeerID).Msg("duplicate add-peer ignored")
		return false
	}

	conn, err := p.cfg.Factory(ev.PeerID)
	if err != nil {
		p.log.Error().Err(&core.NegotiationError{PeerID: ev.PeerID, Op: "create", Err: err}).Msg("connection not created")
		return false
	}

	r := newRecord(p.log, ev.PeerID, ev.UserID, conn)
	r.initiator = ev.ShouldInitiate

	p.mu.Lock()
	if _, ok := p.records[ev.PeerID]; ok {
		p.mu.Unlock()
		_ = conn.Close()
		return false
	}
	p.records[ev.PeerID] = r
	p.mu.Unlock()

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if r.closed() {
			return
		}
		if err := p.cfg.Signal.Emit(core.EventRelayICE, core.ICECandidate{PeerID: r.peerID, Candidate: c}); err != nil {
			r.log.Error().Err(err).Msg("relay candidate")
		}
	})
	conn.OnTrack(func(_ context.Context, t core.RemoteTrack) {
		if r.closed() || p.cfg.OnTrack == nil {
			return
		}
		r.log.Info().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
		p.cfg.OnTrack(r.ctx, r.info(), t)
	})

	go r.queue.run(r.ctx)

	r.enqueue(func() {
		p.attach(r)
		if ev.ShouldInitiate {
			p.offer(r)
		}
	})
	r.log.Info().Bool("initiate", ev.ShouldInitiate).Msg("peer added")
	return true
}

// RemoteDescription schedules a remote offer or answer for peerID.
func (p *Pool) RemoteDescription(peerID string, desc webrtc.SessionDescription) bool {
	r := p.lookup(peerID)
	if r == nil {
		p.log.Debug().Str("peer_id", peerID).Str("type", desc.Type.String()).Msg("description for unknown peer")
		return false
	}
	var gen uint64
	if desc.Type == webrtc.SDPTypeOffer {
		gen = r.remoteOffers.Add(1)
	}
	r.enqueue(func() { p.applyRemote(r, desc, gen) })
	return true
}

// RemoteCandidate applies a candidate, or queues it until a remote
// description exists.
func (p *Pool) RemoteCandidate(peerID string, c webrtc.ICECandidateInit) bool {
	r := p.lookup(peerID)
	if r == nil {
		p.log.Debug().Str("peer_id", peerID).Msg("candidate for unknown peer")
		return false
	}
	r.enqueue(func() {
		if !r.remoteSet {
			r.pending = append(r.pending, c)
			return
		}
		if err := r.conn.AddICECandidate(c); err != nil {
			p.fail(r, "candidate", err)
		}
	})
	return true
}

// RemovePeer closes and forgets peerID. A second call returns false.
func (p *Pool) RemovePeer(peerID string) bool {
	p.mu.Lock()
	r, ok := p.records[peerID]
	delete(p.records, peerID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	r.close()
	return true
}

// Renegotiate re-attaches the local tracks everywhere and starts a new
// offer on every connection whose sender set grew.
func (p *Pool) Renegotiate() {
	for _, r := range p.snapshot() {
		r.enqueue(func() {
			if p.attach(r) {
				p.offer(r)
			}
		})
	}
}

// CloseAll closes every connection in parallel and empties the table.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := make([]*record, 0, len(p.records))
	for _, r := range p.records {
		all = append(all, r)
	}
	clear(p.records)
	p.mu.Unlock()

	var wg conc.WaitGroup
	for _, r := range all {
		wg.Go(r.close)
	}
	wg.Wait()
	if len(all) > 0 {
		p.log.Info().Int("peers", len(all)).Msg("all connections closed")
	}
}

func (p *Pool) State(peerID string) (core.NegotiationState, bool) {
	r := p.lookup(peerID)
	if r == nil {
		return core.StateClosed, false
	}
	return r.State(), true
}

// Peers lists tracked peers ordered by peer id.
func (p *Pool) Peers() []Info {
	recs := p.snapshot()
	out := make([]Info, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *Pool) snapshot() []*record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	return out
}

func (r *record) info() Info {
	return Info{PeerID: r.peerID, UserID: r.userID, State: r.State()}
}

// The methods below run on the record's queue.

func (p *Pool) attach(r *record) bool {
	if p.cfg.Media == nil || (p.cfg.CanSend != nil && !p.cfg.CanSend()) {
		return false
	}
	changed, err := p.cfg.Media.AttachTo(r.conn)
	if err != nil {
		p.fail(r, "attach", err)
	}
	return changed
}

func (p *Pool) offer(r *record) {
	if s := r.State(); s == core.StateHaveLocalOffer || s == core.StateHaveRemoteOffer {
		// mid-exchange; offer again once stable
		r.offerAgain = true
		return
	}
	desc, err := r.conn.CreateOffer()
	if err != nil {
		p.fail(r, "offer", err)
		return
	}
	r.setState(core.StateHaveLocalOffer)
	p.relay(r, desc)
}

// applyRemote applies desc. A remote offer that collides with an
// outstanding local offer is deferred on the initiating side and retried
// until the local offer is answered; the other side rolls its own offer back,
// answers, and offers again.
func (p *Pool) applyRemote(r *record, desc webrtc.SessionDescription, gen uint64) {
	if desc.Type == webrtc.SDPTypeOffer && r.State() == core.StateHaveLocalOffer {
		if r.initiator {
			r.log.Debug().Dur("retry", p.cfg.GlareRetry).Msg("remote offer while local offer outstanding")
			p.retry(r, desc, gen)
			return
		}
		if err := r.conn.Rollback(); err != nil {
			r.log.Warn().Err(err).Dur("retry", p.cfg.GlareRetry).Msg("rollback failed, remote offer deferred")
			p.retry(r, desc, gen)
			return
		}
		r.log.Debug().Msg("local offer rolled back for remote offer")
		r.setState(core.StateStable)
		r.offerAgain = true
	}

	if err := r.conn.SetRemoteDescription(desc); err != nil {
		p.fail(r, "remote-"+desc.Type.String(), err)
		return
	}
	r.remoteSet = true

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		r.setState(core.StateHaveRemoteOffer)
		p.drain(r)
		answer, err := r.conn.CreateAnswer()
		if err != nil {
			p.fail(r, "answer", err)
			return
		}
		r.setState(core.StateStable)
		p.relay(r, answer)
	default:
		r.setState(core.StateStable)
		p.drain(r)
	}

	if r.offerAgain {
		r.offerAgain = false
		p.offer(r)
	}
}

func (p *Pool) retry(r *record, desc webrtc.SessionDescription, gen uint64) {
	time.AfterFunc(p.cfg.GlareRetry, func() {
		r.enqueue(func() {
			if r.remoteOffers.Load() != gen {
				r.log.Debug().Msg("deferred remote offer superseded")
				return
			}
			p.applyRemote(r, desc, gen)
		})
	})
}

func (p *Pool) drain(r *record) {
	pending := r.pending
	r.pending = nil
	for _, c := range pending {
		if err := r.conn.AddICECandidate(c); err != nil {
			p.fail(r, "candidate", err)
		}
	}
	if len(pending) > 0 {
		r.log.Debug().Int("candidates", len(pending)).Msg("pending candidates applied")
	}
}

func (p *Pool) relay(r *record, desc webrtc.SessionDescription) {
	if err := p.cfg.Signal.Emit(core.EventRelaySDP, core.SessionDescription{PeerID: r.peerID, Description: desc}); err != nil {
		r.log.Error().Err(err).Str("type", desc.Type.String()).Msg("relay description")
		return
	}
	r.log.Debug().Str("type", desc.Type.String()).Msg("description relayed")
}

// fail logs a negotiation step failure. Failures after close are expected
// and dropped.
func (p *Pool) fail(r *record, op string, err error) {
	if r.closed() {
		return
	}
	r.log.Error().
		Err(&core.NegotiationError{PeerID: r.peerID, Op: op, Err: err}).
		Str("state", r.State().String()).
		Msg("negotiation step failed")
}
