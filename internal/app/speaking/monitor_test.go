package speaking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type levelSource struct {
	mu    sync.Mutex
	level float64
	ok    bool
}

func (s *levelSource) AudioLevel() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.ok
}

func (s *levelSource) set(level float64) {
	s.mu.Lock()
	s.level, s.ok = level, true
	s.mu.Unlock()
}

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) record(v bool) {
	tr.mu.Lock()
	tr.got = append(tr.got, v)
	tr.mu.Unlock()
}

func (tr *transitions) list() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.got...)
}

func TestMonitorEdgeTriggered(t *testing.T) {
	t.Parallel()

	src := &levelSource{}
	tr := &transitions{}
	m := NewMonitor(src, nil, tr.record, Config{Threshold: 0.1})

	src.set(0.5)
	m.Sample()
	m.Sample()
	src.set(0.01)
	m.Sample()
	m.Sample()
	src.set(0.3)
	m.Sample()

	got := tr.list()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMonitorMutedNeverEmitsTalk(t *testing.T) {
	t.Parallel()

	src := &levelSource{}
	src.set(0.9)
	tr := &transitions{}
	muted := func() bool { return false }
	m := NewMonitor(src, muted, tr.record, Config{})

	for i := 0; i < 5; i++ {
		m.Sample()
	}
	if got := tr.list(); len(got) != 0 {
		t.Fatalf("muted monitor emitted %v", got)
	}
}

func TestMonitorClearsWhenGateCloses(t *testing.T) {
	t.Parallel()

	src := &levelSource{}
	src.set(0.9)
	var open atomic.Bool
	open.Store(true)
	tr := &transitions{}
	m := NewMonitor(src, open.Load, tr.record, Config{})

	m.Sample()
	open.Store(false)
	m.Sample()
	m.Sample()

	got := tr.list()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("expected [true false], got %v", got)
	}
	if m.Speaking() {
		t.Fatalf("monitor still speaking with the gate closed")
	}
}

func TestMonitorIgnoresUnavailableLevel(t *testing.T) {
	t.Parallel()

	tr := &transitions{}
	m := NewMonitor(&levelSource{level: 0.9}, nil, tr.record, Config{})
	m.Sample()
	if got := tr.list(); len(got) != 0 {
		t.Fatalf("no level should mean silence, got %v", got)
	}
}

func TestMonitorTicks(t *testing.T) {
	t.Parallel()

	src := &levelSource{}
	src.set(0.9)
	tr := &transitions{}
	m := NewMonitor(src, nil, tr.record, Config{Interval: 5 * time.Millisecond})
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for len(tr.list()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker never sampled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	n := len(tr.list())
	src.set(0)
	time.Sleep(20 * time.Millisecond)
	if len(tr.list()) != n {
		t.Fatalf("stopped monitor kept sampling")
	}
}
