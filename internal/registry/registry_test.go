package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestResolve_CreatesOnFirstReference(t *testing.T) {
	r := New()
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	e, err := r.Resolve("acct-001", seen)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.ID != "acct-001" {
		t.Errorf("ID = %q", e.ID)
	}
	if !e.FirstSeen.Equal(seen) || !e.LastSeen.Equal(seen) {
		t.Errorf("timestamps = %v / %v, want %v", e.FirstSeen, e.LastSeen, seen)
	}

	// Creation must be visible to subsequent reads immediately.
	if _, err := r.Get("acct-001"); err != nil {
		t.Fatalf("Get after Resolve: %v", err)
	}
}

func TestResolve_IdempotentUpsert(t *testing.T) {
	r := New()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if _, err := r.Resolve("acct-001", t2); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	e, err := r.Resolve("acct-001", t1)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	// Out-of-order reference widens first-seen, keeps last-seen.
	if !e.FirstSeen.Equal(t1) {
		t.Errorf("FirstSeen = %v, want %v", e.FirstSeen, t1)
	}
	if !e.LastSeen.Equal(t2) {
		t.Errorf("LastSeen = %v, want %v", e.LastSeen, t2)
	}
}

func TestResolve_EmptyID(t *testing.T) {
	r := New()
	if _, err := r.Resolve("  ", time.Now()); !errors.Is(err, ErrInvalidEntityID) {
		t.Errorf("err = %v, want ErrInvalidEntityID", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	r := New()
	if _, err := r.Get("ghost"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("err = %v, want ErrEntityNotFound", err)
	}
}

func TestAnnotate_SetUnion(t *testing.T) {
	r := New()
	_, _ = r.Resolve("acct-001", time.Now())

	if _, err := r.Annotate("acct-001", "shell-company", "offshore"); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	e, err := r.Annotate("acct-001", "offshore", "pep")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}

	want := []string{"offshore", "pep", "shell-company"}
	if len(e.Tags) != len(want) {
		t.Fatalf("Tags = %v, want %v", e.Tags, want)
	}
	for i := range want {
		if e.Tags[i] != want[i] {
			t.Errorf("Tags[%d] = %q, want %q", i, e.Tags[i], want[i])
		}
	}
}

func TestAnnotate_NotFound(t *testing.T) {
	r := New()
	if _, err := r.Annotate("ghost", "tag"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("err = %v, want ErrEntityNotFound", err)
	}
}

func TestAttachEvidence_OpaqueLabels(t *testing.T) {
	r := New()
	_, _ = r.Resolve("acct-001", time.Now())

	if _, err := r.AttachEvidence("acct-001", "journal:batch-7"); err != nil {
		t.Fatalf("AttachEvidence: %v", err)
	}
	e, err := r.AttachEvidence("acct-001", "journal:batch-7")
	if err != nil {
		t.Fatalf("AttachEvidence: %v", err)
	}
	if len(e.Evidence) != 1 || e.Evidence[0] != "journal:batch-7" {
		t.Errorf("Evidence = %v", e.Evidence)
	}
}

func TestAll_SortedCopies(t *testing.T) {
	r := New()
	now := time.Now()
	for _, id := range []string{"b", "c", "a"} {
		_, _ = r.Resolve(id, now)
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Errorf("order = %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	// Mutating the returned copy must not leak into the registry.
	all[0].Tags = append(all[0].Tags, "mutated")
	e, _ := r.Get("a")
	if len(e.Tags) != 0 {
		t.Errorf("registry entity mutated through copy: %v", e.Tags)
	}
}

func TestResolve_ConcurrentSameID(t *testing.T) {
	r := New()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve("acct-race", now); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}
