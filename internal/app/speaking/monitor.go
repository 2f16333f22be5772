// Package speaking turns the local outbound audio level into edge-triggered
// speaking transitions.
package speaking

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval  = 250 * time.Millisecond
	DefaultThreshold = 0.05
)

// LevelSource reports the current outbound level in [0,1]; ok is false when
// nothing is being sent.
type LevelSource interface {
	AudioLevel() (level float64, ok bool)
}

// Gate reports whether speaking may be broadcast at all: the local user is
// not in the audience and not muted.
type Gate func() bool

type Config struct {
	Interval  time.Duration
	Threshold float64
}

type Monitor struct {
	src      LevelSource
	gate     Gate
	onChange func(speaking bool)
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	speaking bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewMonitor(src LevelSource, gate Gate, onChange func(speaking bool), cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Monitor{
		src:      src,
		gate:     gate,
		onChange: onChange,
		cfg:      cfg,
		log:      log.With().Str("module", "speaking").Logger(),
	}
}

// Start begins sampling. A running monitor is restarted.
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sample()
			}
		}
	}()
	m.log.Debug().Dur("interval", m.cfg.Interval).Float64("threshold", m.cfg.Threshold).Msg("started")
}

// Stop halts sampling and waits for the loop to exit. The speaking flag is
// reset without a callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.speaking = false
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sample evaluates the level once and reports a transition if there is one.
func (m *Monitor) Sample() {
	active := false
	if m.gate == nil || m.gate() {
		if level, ok := m.src.AudioLevel(); ok && level >= m.cfg.Threshold {
			active = true
		}
	}

	m.mu.Lock()
	if m.speaking == active {
		m.mu.Unlock()
		return
	}
	m.speaking = active
	m.mu.Unlock()

	m.log.Debug().Bool("speaking", active).Msg("transition")
	if m.onChange != nil {
		m.onChange(active)
	}
}

func (m *Monitor) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}
