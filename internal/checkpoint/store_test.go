package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/rootwatch/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "checkpoint.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := Snapshot{
		TraceID:       "t-one",
		Status:        model.StatusPartiallyElevated,
		Phase:         "escalating",
		Queue:         []string{"b", "a"},
		Removed:       []string{"c"},
		ExcludedTiers: []int{2},
		TierDenials:   map[int]int{2: 2},
		Backoffs:      map[string]time.Time{"a": until},
		BackoffCounts: map[string]int{"a": 1},
		Attempts:      7,
		Cycles:        9,
		Stall:         1,
		AuditCursor:   31,
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	out, err := s.Load(ctx, "t-one")
	if err != nil {
		t.Fatal(err)
	}
	if out.Attempts != 7 || out.Cycles != 9 || out.Stall != 1 || out.AuditCursor != 31 {
		t.Errorf("counters lost: %+v", out)
	}
	if len(out.Queue) != 2 || out.Queue[0] != "b" {
		t.Errorf("queue order lost: %v", out.Queue)
	}
	if !out.Backoffs["a"].Equal(until) || out.TierDenials[2] != 2 {
		t.Errorf("maps lost: %+v", out)
	}
	if out.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Save(ctx, Snapshot{TraceID: "t-one", Attempts: 1})
	s.Save(ctx, Snapshot{TraceID: "t-one", Attempts: 2})

	out, err := s.Load(ctx, "t-one")
	if err != nil {
		t.Fatal(err)
	}
	if out.Attempts != 2 {
		t.Errorf("expected overwrite, got attempts=%d", out.Attempts)
	}
}

func TestLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	s.Save(ctx, Snapshot{TraceID: "t-old"})
	s.Save(ctx, Snapshot{TraceID: "t-new"})

	out, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.TraceID != "t-new" {
		t.Errorf("expected t-new, got %s", out.TraceID)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(context.Background(), "t-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from empty store, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Save(ctx, Snapshot{TraceID: "t-one"})
	if err := s.Delete(ctx, "t-one"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "t-one"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted, got %v", err)
	}
}

func TestResumable(t *testing.T) {
	if !(Snapshot{}).Resumable() {
		t.Error("unterminated snapshot should be resumable")
	}
	if (Snapshot{Termination: model.ReasonFatal}).Resumable() {
		t.Error("fatal snapshot must never resume")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s1.Save(context.Background(), Snapshot{TraceID: "t-keep", Cycles: 4})
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	out, err := s2.Load(context.Background(), "t-keep")
	if err != nil || out.Cycles != 4 {
		t.Fatalf("data not persisted: %+v %v", out, err)
	}
}
