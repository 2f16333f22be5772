// Package media owns the local audio capture and its attachment to peer connections.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultCaptureTimeout = 10 * time.Second

// Constraints describes what the session asks the capture device for.
type Constraints struct {
	Audio    bool
	DeviceID string
}

// Capture is a live capture session producing local tracks.
type Capture interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	// AudioLevel returns the latest outbound level in [0,1].
	AudioLevel() float64
	Stop() error
}

// Source opens capture sessions; it stands in for the microphone.
type Source interface {
	Open(ctx context.Context, c Constraints) (Capture, error)
}

// TrackSet is the set of local tracks currently captured.
type TrackSet []webrtc.TrackLocal

// Manager is the LocalMediaState owner. Safe for concurrent use.
type Manager struct {
	src     Source
	timeout time.Duration

	mu      sync.RWMutex
	capture Capture
	tracks  TrackSet
	enabled map[webrtc.RTPCodecType]bool
}

func NewManager(src Source, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	return &Manager{
		src:     src,
		timeout: timeout,
		enabled: make(map[webrtc.RTPCodecType]bool),
	}
}

type openResult struct {
	capture Capture
	err     error
}

// Capture acquires the local source. Failures are always *core.CaptureError.
// A previous capture is stopped first.
func (m *Manager) Capture(ctx context.Context, c Constraints) (TrackSet, error) {
	if m.src == nil {
		return nil, &core.CaptureError{Reason: core.CaptureNoDevice, Err: core.ErrNoDevice}
	}
	m.Stop()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan openResult, 1)
	go func() {
		capture, err := m.src.Open(ctx, c)
		done <- openResult{capture, err}
	}()

	var res openResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// a late success still owns a device; release it
		go func() {
			if late := <-done; late.capture != nil {
				_ = late.capture.Stop()
			}
		}()
		res.err = ctx.Err()
	}
	if res.err != nil {
		return nil, classify(res.err)
	}

	tracks := TrackSet(res.capture.Tracks())
	m.mu.Lock()
	m.capture = res.capture
	m.tracks = tracks
	for _, t := range tracks {
		// captured tracks start disabled; the session decides when to open the mic
		m.enabled[t.Kind()] = false
		res.capture.SetEnabled(t.Kind(), false)
	}
	m.mu.Unlock()

	log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("capture started")
	return tracks, nil
}

func classify(err error) error {
	var ce *core.CaptureError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, context.DeadlineExceeded):
		return &core.CaptureError{Reason: core.CaptureTimeout, Err: core.ErrCaptureTimeout}
	case errors.Is(err, core.ErrPermissionDenied):
		return &core.CaptureError{Reason: core.CapturePermission, Err: err}
	default:
		return &core.CaptureError{Reason: core.CaptureNoDevice, Err: err}
	}
}

// SetEnabled toggles a track kind without reacquiring media.
func (m *Manager) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	m.mu.Lock()
	m.enabled[kind] = enabled
	capture := m.capture
	m.mu.Unlock()
	if capture != nil {
		capture.SetEnabled(kind, enabled)
	}
}

func (m *Manager) Enabled(kind webrtc.RTPCodecType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capture != nil && m.enabled[kind]
}

func (m *Manager) Captured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capture != nil
}

func (m *Manager) Tracks() TrackSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(TrackSet, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// AudioLevel reports the outbound audio level; ok is false while nothing is
// captured or the audio track is disabled.
func (m *Manager) AudioLevel() (level float64, ok bool) {
	m.mu.RLock()
	capture := m.capture
	on := m.enabled[webrtc.RTPCodecTypeAudio]
	m.mu.RUnlock()
	if capture == nil || !on {
		return 0, false
	}
	return capture.AudioLevel(), true
}

// AttachTo adds every current track to conn's outbound set. A sender already
// carrying the track is left alone; a sender of the same kind carrying
// another track gets the new one swapped in. changed reports whether a new
// sender was added, which requires renegotiation.
func (m *Manager) AttachTo(conn core.PeerConnection) (changed bool, err error) {
	tracks := m.Tracks()
	if len(tracks) == 0 {
		return false, nil
	}
	senders := conn.Senders()

	for _, t := range tracks {
		var reuse core.Sender
		attached := false
		for _, s := range senders {
			st := s.Track()
			if st == t {
				attached = true
				break
			}
			if reuse == nil && (st == nil || st.Kind() == t.Kind()) {
				reuse = s
			}
		}
		switch {
		case attached:
		case reuse != nil:
			if err := reuse.ReplaceTrack(t); err != nil {
				return changed, fmt.Errorf("replace %s track: %w", t.Kind(), err)
			}
		default:
			if _, err := conn.AddTrack(t); err != nil {
				return changed, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			changed = true
		}
	}
	return changed, nil
}

// Stop releases the capture. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	capture := m.capture
	m.capture = nil
	m.tracks = nil
	clear(m.enabled)
	m.mu.Unlock()

	if capture == nil {
		return
	}
	if err := capture.Stop(); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("capture stop")
		return
	}
	log.Info().Str("module", "media").Msg("capture stopped")
}
