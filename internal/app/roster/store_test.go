package roster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/VoiceRoom/internal/domain"
)

func TestStoreUpsertMergesFieldWise(t *testing.T) {
	t.Parallel()

	s := NewStore()
	name := "Bob"
	s.Upsert(domain.ParticipantUpdate{ID: "b", DisplayName: &name}.WithRole(domain.RoleSpeaker))
	s.Upsert(domain.ParticipantUpdate{ID: "b"}.WithSpeaking(true))
	s.Upsert(domain.ParticipantUpdate{ID: "b"}.WithMuted(true))

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one entry, got %d", len(snap))
	}
	got := snap[0]
	want := domain.Participant{ID: "b", DisplayName: "Bob", Role: domain.RoleSpeaker, Muted: true, Speaking: true}
	if got != want {
		t.Fatalf("unexpected merge result: %+v", got)
	}
}

func TestStoreUpsertNeverDuplicates(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ids := []domain.UserID{"a", "b", "a", "c", "b", "a"}
	for i, id := range ids {
		s.Upsert(domain.ParticipantUpdate{ID: id}.WithMuted(i%2 == 0))
	}

	seen := map[domain.UserID]bool{}
	for _, p := range s.Snapshot() {
		if seen[p.ID] {
			t.Fatalf("duplicate entry for %s", p.ID)
		}
		seen[p.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(seen))
	}
	order := s.Snapshot()
	if order[0].ID != "a" || order[1].ID != "b" || order[2].ID != "c" {
		t.Fatalf("join order not preserved: %+v", order)
	}
}

func TestStoreConcurrentUpserts(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.UserID(fmt.Sprintf("u%d", i%5))
			s.Upsert(domain.ParticipantUpdate{ID: id}.WithSpeaking(true))
			s.SetMuted(id, true)
		}(i)
	}
	wg.Wait()

	if s.Len() != 5 {
		t.Fatalf("expected 5 participants, got %d", s.Len())
	}
	for _, p := range s.Snapshot() {
		if !p.Speaking || !p.Muted {
			t.Fatalf("lost field update on %s: %+v", p.ID, p)
		}
	}
}

func TestStoreReplaceAllDropsDrift(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Upsert(domain.ParticipantUpdate{ID: "stale"})
	s.Upsert(domain.ParticipantUpdate{ID: "a"}.WithRole(domain.RoleSpeaker))

	s.ReplaceAll([]domain.Participant{
		{ID: "a", Role: domain.RoleAdmin},
		{ID: "b"},
	})

	if _, ok := s.Get("stale"); ok {
		t.Fatalf("stale participant survived a full snapshot")
	}
	a, _ := s.Get("a")
	if a.Role != domain.RoleAdmin {
		t.Fatalf("snapshot did not replace role: %s", a.Role)
	}
	b, _ := s.Get("b")
	if b.Role != domain.RoleAudience {
		t.Fatalf("expected default audience role, got %q", b.Role)
	}
}

func TestStoreTargetedSettersIgnoreUnknown(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if s.SetRole("ghost", domain.RoleSpeaker) {
		t.Fatalf("SetRole created an entry")
	}
	if s.Remove("ghost") {
		t.Fatalf("Remove reported success for unknown id")
	}
	if s.Len() != 0 {
		t.Fatalf("roster should stay empty")
	}
}

func TestStoreSubscribeCancel(t *testing.T) {
	t.Parallel()

	s := NewStore()
	calls := 0
	cancel := s.Subscribe(func([]domain.Participant) { calls++ })
	s.Upsert(domain.ParticipantUpdate{ID: "a"})
	cancel()
	s.Upsert(domain.ParticipantUpdate{ID: "b"})

	if calls != 1 {
		t.Fatalf("expected one notification, got %d", calls)
	}
}
