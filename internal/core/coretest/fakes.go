// Package coretest provides in-memory implementations of the core
// collaborator contracts for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrWrongState   = errors.New("invalid signaling state")
	ErrNoRemoteDesc = errors.New("remote description not set")
	ErrClosed       = errors.New("connection closed")
)

// Sender is a fake outbound sender.
type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// Conn is a fake PeerConnection that enforces the signaling state rules real
// stacks enforce: a remote offer is refused while a local offer is
// outstanding and candidates are refused before a remote description.
type Conn struct {
	PeerID string

	mu         sync.Mutex
	state      core.NegotiationState
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    []*Sender
	offers     int
	rollbacks  int
	closed     bool

	rollbackErr error
	closeDelay  time.Duration

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(context.Context, core.RemoteTrack)
}

func NewConn(peerID string) *Conn { return &Conn{PeerID: peerID, state: core.StateNew} }

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.state == core.StateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	c.offers++
	c.state = core.StateHaveLocalOffer
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%d senders=%d", c.offers, len(c.senders)),
	}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.state != core.StateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	c.state = core.StateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.state == core.StateHaveLocalOffer {
			return ErrWrongState
		}
		c.state = core.StateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != core.StateHaveLocalOffer {
			return ErrWrongState
		}
		c.state = core.StateStable
	default:
		return fmt.Errorf("unsupported description type %s", d.Type)
	}
	c.remote = &d
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.rollbackErr != nil {
		return c.rollbackErr
	}
	if c.state != core.StateHaveLocalOffer {
		return ErrWrongState
	}
	c.rollbacks++
	c.state = core.StateStable
	return nil
}

// FailRollback makes every later Rollback return err.
func (c *Conn) FailRollback(err error) {
	c.mu.Lock()
	c.rollbackErr = err
	c.mu.Unlock()
}

func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.remote == nil {
		return ErrNoRemoteDesc
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) Senders() []core.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	delay := c.closeDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	c.mu.Lock()
	c.closed = true
	c.state = core.StateClosed
	c.mu.Unlock()
	return nil
}

// GatherCandidate simulates the discovery of a local candidate.
func (c *Conn) GatherCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

// DeliverTrack simulates the arrival of a remote track.
func (c *Conn) DeliverTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(context.Background(), t)
	}
}

func (c *Conn) State() core.NegotiationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// RemoteSDP returns the SDP of the last applied remote description.
func (c *Conn) RemoteSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ""
	}
	return c.remote.SDP
}

func (c *Conn) SenderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.senders)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Factory hands out fake connections and remembers every one it created.
type Factory struct {
	mu         sync.Mutex
	conns      map[string][]*Conn
	closeDelay time.Duration
	Err        error
}

func NewFactory() *Factory { return &Factory{conns: make(map[string][]*Conn)} }

func (f *Factory) New(peerID string) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn(peerID)
	c.closeDelay = f.closeDelay
	f.conns[peerID] = append(f.conns[peerID], c)
	return c, nil
}

// SlowClose makes every connection, existing or future, take d to close.
func (f *Factory) SlowClose(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeDelay = d
	for _, list := range f.conns {
		for _, c := range list {
			c.mu.Lock()
			c.closeDelay = d
			c.mu.Unlock()
		}
	}
}

// Conn returns the latest connection created for peerID.
func (f *Factory) Conn(peerID string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[peerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Created counts connections ever created for peerID.
func (f *Factory) Created(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peerID])
}

// RemoteTrack is a fake inbound track that ends immediately.
type RemoteTrack struct {
	TrackID string
	Stream  string
}

func (t *RemoteTrack) ID() string                { return t.TrackID }
func (t *RemoteTrack) StreamID() string          { return t.Stream }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}
