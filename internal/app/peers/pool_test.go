package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/core/coretest"
	"github.com/pion/webrtc/v4"
)

type trackAttacher struct {
	track webrtc.TrackLocal
}

func (a *trackAttacher) AttachTo(conn core.PeerConnection) (bool, error) {
	for _, s := range conn.Senders() {
		if s.Track() == a.track {
			return false, nil
		}
	}
	if _, err := conn.AddTrack(a.track); err != nil {
		return false, err
	}
	return true, nil
}

type fixture struct {
	pool    *Pool
	factory *coretest.Factory
	signal  *coretest.Recorder
	canSend atomic.Bool
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "local")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	f := &fixture{factory: coretest.NewFactory(), signal: &coretest.Recorder{}}
	cfg := Config{
		Factory:    f.factory.New,
		Signal:     f.signal,
		Media:      &trackAttacher{track: track},
		CanSend:    f.canSend.Load,
		GlareRetry: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.pool = NewPool(cfg)
	t.Cleanup(f.pool.CloseAll)
	return f
}

func (f *fixture) descriptions(t *testing.T) []core.SessionDescription {
	t.Helper()
	var out []core.SessionDescription
	for _, raw := range f.signal.Of(core.EventRelaySDP) {
		var d core.SessionDescription
		if err := json.Unmarshal(raw, &d); err != nil {
			t.Fatalf("decode relay-sdp: %v", err)
		}
		out = append(out, d)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) waitState(t *testing.T, peerID string, want core.NegotiationState) {
	t.Helper()
	eventually(t, fmt.Sprintf("%s to reach %s", peerID, want), func() bool {
		s, ok := f.pool.State(peerID)
		return ok && s == want
	})
}

var remoteOffer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
var remoteAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}

func TestAddAndRemovePeerAreIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ev := core.AddPeer{PeerID: "p1", UserID: "u1"}
	if !f.pool.AddPeer(ev) {
		t.Fatalf("first add should track the peer")
	}
	if f.pool.AddPeer(ev) {
		t.Fatalf("second add should be ignored")
	}
	if f.pool.Len() != 1 || f.factory.Created("p1") != 1 {
		t.Fatalf("expected one connection, got len=%d created=%d", f.pool.Len(), f.factory.Created("p1"))
	}

	if !f.pool.RemovePeer("p1") {
		t.Fatalf("first remove should report removal")
	}
	if f.pool.RemovePeer("p1") {
		t.Fatalf("second remove should be a no-op")
	}
	if !f.factory.Conn("p1").Closed() {
		t.Fatalf("connection was not closed")
	}
	if _, ok := f.pool.State("p1"); ok {
		t.Fatalf("removed peer still reports state")
	}
}

func TestAddPeerFactoryFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.factory.Err = errors.New("no ice agent")

	if f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"}) {
		t.Fatalf("add should fail when no connection can be opened")
	}
	if f.pool.Len() != 0 {
		t.Fatalf("failed add left a record behind")
	}
}

func TestInitiatorRelaysOffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1", ShouldInitiate: true})
	f.waitState(t, "p1", core.StateHaveLocalOffer)

	descs := f.descriptions(t)
	if len(descs) != 1 || descs[0].PeerID != "p1" || descs[0].Description.Type != webrtc.SDPTypeOffer {
		t.Fatalf("expected one offer relayed to p1, got %+v", descs)
	}

	f.pool.RemoteDescription("p1", remoteAnswer)
	f.waitState(t, "p1", core.StateStable)
}

func TestRemoteOfferIsAnswered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"})
	f.pool.RemoteDescription("p1", remoteOffer)
	f.waitState(t, "p1", core.StateStable)

	eventually(t, "answer relayed", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 1 })
	descs := f.descriptions(t)
	if descs[0].Description.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected answer, got %s", descs[0].Description.Type)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"})

	const n = 5
	for i := 0; i < n; i++ {
		f.pool.RemoteCandidate("p1", webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)})
	}
	time.Sleep(30 * time.Millisecond)
	conn := f.factory.Conn("p1")
	if got := len(conn.Candidates()); got != 0 {
		t.Fatalf("candidates applied before remote description: %d", got)
	}

	f.pool.RemoteDescription("p1", remoteOffer)
	eventually(t, "candidates applied", func() bool { return len(conn.Candidates()) == n })
	for i, c := range conn.Candidates() {
		if want := fmt.Sprintf("cand-%d", i); c.Candidate != want {
			t.Fatalf("candidate %d out of order: got %s want %s", i, c.Candidate, want)
		}
	}

	f.pool.RemoteCandidate("p1", webrtc.ICECandidateInit{Candidate: "late"})
	eventually(t, "late candidate applied", func() bool { return len(conn.Candidates()) == n+1 })
}

func TestGlareRetryAppliesOfferOnceStable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1", ShouldInitiate: true})
	f.waitState(t, "p1", core.StateHaveLocalOffer)

	f.pool.RemoteDescription("p1", remoteOffer)
	time.Sleep(60 * time.Millisecond)
	if s, _ := f.pool.State("p1"); s != core.StateHaveLocalOffer {
		t.Fatalf("remote offer must wait while a local offer is outstanding, state %s", s)
	}
	if got := len(f.signal.Of(core.EventRelaySDP)); got != 1 {
		t.Fatalf("no answer expected during glare, relayed %d", got)
	}
	if n := f.factory.Conn("p1").Rollbacks(); n != 0 {
		t.Fatalf("initiator rolled back %d times", n)
	}

	f.pool.RemoteDescription("p1", remoteAnswer)
	eventually(t, "glared offer answered", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 2 })
	f.waitState(t, "p1", core.StateStable)

	descs := f.descriptions(t)
	if descs[1].Description.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected the retried offer to be answered, got %s", descs[1].Description.Type)
	}
}

func TestDeferredOfferSupersededByNewerOffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1", ShouldInitiate: true})
	f.waitState(t, "p1", core.StateHaveLocalOffer)

	f.pool.RemoteDescription("p1", remoteOffer)
	time.Sleep(25 * time.Millisecond)
	f.pool.RemoteDescription("p1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer-2"})
	time.Sleep(25 * time.Millisecond)
	f.pool.RemoteDescription("p1", remoteAnswer)

	eventually(t, "newer offer answered", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 2 })
	time.Sleep(60 * time.Millisecond)
	if got := len(f.signal.Of(core.EventRelaySDP)); got != 2 {
		t.Fatalf("stale offer applied after a newer one, relayed %d", got)
	}
	if sdp := f.factory.Conn("p1").RemoteSDP(); sdp != "remote-offer-2" {
		t.Fatalf("expected the newer offer applied, got %q", sdp)
	}
	f.waitState(t, "p1", core.StateStable)
}

// listenerWithOffer brings a non-initiating peer to stable and then gives
// it a renegotiation offer of its own.
func listenerWithOffer(t *testing.T, f *fixture) *coretest.Conn {
	t.Helper()
	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"})
	f.pool.RemoteDescription("p1", remoteOffer)
	f.waitState(t, "p1", core.StateStable)

	f.canSend.Store(true)
	f.pool.Renegotiate()
	f.waitState(t, "p1", core.StateHaveLocalOffer)
	eventually(t, "renegotiation offer", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 2 })
	return f.factory.Conn("p1")
}

func TestNonInitiatorRollsBackOnGlare(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := listenerWithOffer(t, f)

	f.pool.RemoteDescription("p1", remoteOffer)
	eventually(t, "answer and fresh offer", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 4 })
	if n := conn.Rollbacks(); n != 1 {
		t.Fatalf("expected one rollback, got %d", n)
	}
	descs := f.descriptions(t)
	if descs[2].Description.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("colliding offer not answered: %s", descs[2].Description.Type)
	}
	if d := descs[3].Description; d.Type != webrtc.SDPTypeOffer || d.SDP != "offer-2 senders=1" {
		t.Fatalf("rolled back offer not sent again: %+v", d)
	}
	f.waitState(t, "p1", core.StateHaveLocalOffer)

	f.pool.RemoteDescription("p1", remoteAnswer)
	f.waitState(t, "p1", core.StateStable)
}

func TestGlareRetryWhenRollbackFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := listenerWithOffer(t, f)
	conn.FailRollback(errors.New("rollback unsupported"))

	f.pool.RemoteDescription("p1", remoteOffer)
	time.Sleep(40 * time.Millisecond)
	if got := len(f.signal.Of(core.EventRelaySDP)); got != 2 {
		t.Fatalf("no answer expected during glare, relayed %d", got)
	}

	f.pool.RemoteDescription("p1", remoteAnswer)
	eventually(t, "deferred offer answered", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 3 })
	f.waitState(t, "p1", core.StateStable)
	if d := f.descriptions(t)[2].Description; d.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected the deferred offer to be answered, got %s", d.Type)
	}
}

func TestGlareRetryStopsWhenPeerRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1", ShouldInitiate: true})
	f.waitState(t, "p1", core.StateHaveLocalOffer)
	f.pool.RemoteDescription("p1", remoteOffer)
	time.Sleep(25 * time.Millisecond)

	f.pool.RemovePeer("p1")
	time.Sleep(50 * time.Millisecond)
	if got := len(f.signal.Of(core.EventRelaySDP)); got != 1 {
		t.Fatalf("closed peer kept negotiating, relayed %d", got)
	}
	if f.pool.RemoteDescription("p1", remoteAnswer) {
		t.Fatalf("description for a removed peer must be dropped")
	}
}

func TestFailureStaysWithOnePeer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "bad", UserID: "u1"})
	f.pool.AddPeer(core.AddPeer{PeerID: "good", UserID: "u2"})

	// an answer without an outstanding offer is refused by the connection
	f.pool.RemoteDescription("bad", remoteAnswer)
	f.pool.RemoteDescription("good", remoteOffer)

	f.waitState(t, "good", core.StateStable)
	time.Sleep(20 * time.Millisecond)
	if s, ok := f.pool.State("bad"); !ok || s != core.StateNew {
		t.Fatalf("failed peer should keep its last good state, got %s", s)
	}
}

func TestLocalCandidatesRelayed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"})

	conn := f.factory.Conn("p1")
	conn.GatherCandidate(webrtc.ICECandidateInit{Candidate: "host-1"})

	relayed := f.signal.Of(core.EventRelayICE)
	if len(relayed) != 1 {
		t.Fatalf("expected one relayed candidate, got %d", len(relayed))
	}
	var ev core.ICECandidate
	if err := json.Unmarshal(relayed[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.PeerID != "p1" || ev.Candidate.Candidate != "host-1" {
		t.Fatalf("unexpected payload %+v", ev)
	}

	f.pool.RemovePeer("p1")
	conn.GatherCandidate(webrtc.ICECandidateInit{Candidate: "host-2"})
	if len(f.signal.Of(core.EventRelayICE)) != 1 {
		t.Fatalf("candidate relayed after the peer was removed")
	}
}

func TestRemoteTrackForwarded(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []Info
	var trackCtx context.Context
	f := newFixture(t, func(c *Config) {
		c.OnTrack = func(ctx context.Context, peer Info, _ core.RemoteTrack) {
			mu.Lock()
			got = append(got, peer)
			trackCtx = ctx
			mu.Unlock()
		}
	})
	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"})
	conn := f.factory.Conn("p1")

	conn.DeliverTrack(&coretest.RemoteTrack{TrackID: "a1", Stream: "s1"})
	mu.Lock()
	if len(got) != 1 || got[0].PeerID != "p1" || got[0].UserID != "u1" {
		t.Fatalf("unexpected track owner %+v", got)
	}
	ctx := trackCtx
	mu.Unlock()

	f.pool.RemovePeer("p1")
	if ctx.Err() == nil {
		t.Fatalf("track context should end with the peer")
	}
	conn.DeliverTrack(&coretest.RemoteTrack{TrackID: "a2", Stream: "s1"})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("track delivered after removal")
	}
}

func TestAudienceDoesNotAttachTracks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1", ShouldInitiate: true})
	f.waitState(t, "p1", core.StateHaveLocalOffer)
	if n := f.factory.Conn("p1").SenderCount(); n != 0 {
		t.Fatalf("audience attached %d senders", n)
	}
}

func TestRenegotiateAfterPromotion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1"})
	f.pool.RemoteDescription("p1", remoteOffer)
	f.waitState(t, "p1", core.StateStable)
	eventually(t, "initial answer", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 1 })

	f.canSend.Store(true)
	f.pool.Renegotiate()
	eventually(t, "renegotiation offer", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 2 })
	f.waitState(t, "p1", core.StateHaveLocalOffer)

	offer := f.descriptions(t)[1].Description
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP != "offer-1 senders=1" {
		t.Fatalf("unexpected renegotiation offer %+v", offer)
	}
	if f.factory.Created("p1") != 1 {
		t.Fatalf("renegotiation must reuse the connection")
	}

	f.pool.RemoteDescription("p1", remoteAnswer)
	f.waitState(t, "p1", core.StateStable)

	f.pool.Renegotiate()
	time.Sleep(30 * time.Millisecond)
	if got := len(f.signal.Of(core.EventRelaySDP)); got != 2 {
		t.Fatalf("unchanged sender set must not renegotiate, relayed %d", got)
	}
}

func TestRenegotiateWaitsForStable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.pool.AddPeer(core.AddPeer{PeerID: "p1", UserID: "u1", ShouldInitiate: true})
	f.waitState(t, "p1", core.StateHaveLocalOffer)

	f.canSend.Store(true)
	f.pool.Renegotiate()
	time.Sleep(30 * time.Millisecond)
	if got := len(f.signal.Of(core.EventRelaySDP)); got != 1 {
		t.Fatalf("offer sent mid-exchange, relayed %d", got)
	}

	f.pool.RemoteDescription("p1", remoteAnswer)
	eventually(t, "deferred offer", func() bool { return len(f.signal.Of(core.EventRelaySDP)) == 2 })
	if sdp := f.descriptions(t)[1].Description.SDP; sdp != "offer-2 senders=1" {
		t.Fatalf("unexpected deferred offer %q", sdp)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ids := []string{"p1", "p2", "p3"}
	for _, id := range ids {
		f.pool.AddPeer(core.AddPeer{PeerID: id, UserID: "u1"})
	}
	if peers := f.pool.Peers(); len(peers) != 3 || peers[0].PeerID != "p1" {
		t.Fatalf("unexpected peers %+v", peers)
	}

	f.pool.CloseAll()
	if f.pool.Len() != 0 {
		t.Fatalf("pool not emptied")
	}
	for _, id := range ids {
		if !f.factory.Conn(id).Closed() {
			t.Fatalf("%s left open", id)
		}
	}
}
