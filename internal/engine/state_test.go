package engine

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ppiankov/rootwatch/internal/checkpoint"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/strategy"
)

func compiled(t *testing.T, specs ...strategy.Spec) []*strategy.Strategy {
	t.Helper()
	for i := range specs {
		if specs[i].Action == "" {
			specs[i].Action = specs[i].ID
		}
	}
	list, err := strategy.CompileAll(specs)
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func TestPromoteNextTier(t *testing.T) {
	st := NewState("t-1", compiled(t,
		strategy.Spec{ID: "a", RiskTier: 1},
		strategy.Spec{ID: "b", RiskTier: 1},
		strategy.Spec{ID: "c", RiskTier: 3},
		strategy.Spec{ID: "d", RiskTier: 2},
		strategy.Spec{ID: "e", RiskTier: 2},
	))

	if got := st.promoteNextTier(1); got != 2 {
		t.Fatalf("expected tier 2 promoted, got %d", got)
	}
	if got := st.Queue(); !slices.Equal(got, []string{"d", "e", "a", "b", "c"}) {
		t.Errorf("queue = %v", got)
	}

	st.excludeTier(2)
	if got := st.promoteNextTier(1); got != 3 {
		t.Errorf("excluded tier must be skipped, got %d", got)
	}
	if got := st.promoteNextTier(3); got != 0 {
		t.Errorf("nothing above tier 3, got %d", got)
	}
}

func TestSelectNextSkipsAndWaits(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	st := NewState("t-1", compiled(t,
		strategy.Spec{ID: "gone", RiskTier: 1},
		strategy.Spec{ID: "late", RiskTier: 1},
		strategy.Spec{ID: "soon", RiskTier: 2},
		strategy.Spec{ID: "risky", RiskTier: 5},
	))
	st.remove("gone")
	st.setBackoff("late", now.Add(time.Minute))
	st.setBackoff("soon", now.Add(10*time.Second))

	sel, err := st.selectNext(now, 4)
	if err != nil {
		t.Fatal(err)
	}
	if sel.strategy != nil {
		t.Fatalf("expected nothing eligible, got %s", sel.strategy.ID)
	}
	if !sel.wait.Equal(now.Add(10 * time.Second)) {
		t.Errorf("wait = %v, want earliest backoff", sel.wait)
	}

	sel, _ = st.selectNext(now.Add(10*time.Second), 4)
	if sel.strategy == nil || sel.strategy.ID != "soon" {
		t.Errorf("expected soon once its backoff expired, got %+v", sel)
	}

	sel, _ = st.selectNext(now, 5)
	if sel.strategy == nil || sel.strategy.ID != "risky" {
		t.Errorf("expected risky with a higher tier cap, got %+v", sel)
	}
}

func TestSelectNextGatesOnProbeSignal(t *testing.T) {
	st := NewState("t-1", compiled(t,
		strategy.Spec{ID: "needs-permissive", RiskTier: 1, Precondition: `probes["selinux-permissive"] == "partially_elevated"`},
		strategy.Spec{ID: "fallback", RiskTier: 2},
	))
	weights := map[string]float64{"selinux-permissive": 0.5, "su-binary": 0.5}

	st.observe(probe.Aggregate([]model.ProbeResult{
		{ProbeID: "selinux-permissive", Signal: model.StatusNotElevated, Weight: 0.5},
		{ProbeID: "su-binary", Signal: model.StatusNotElevated, Weight: 0.5},
	}, weights, time.Now()))
	sel, err := st.selectNext(time.Now(), strategy.MaxTier)
	if err != nil {
		t.Fatal(err)
	}
	if sel.strategy == nil || sel.strategy.ID != "fallback" {
		t.Fatalf("enforcing device should skip the gated strategy, got %+v", sel)
	}

	st.observe(probe.Aggregate([]model.ProbeResult{
		{ProbeID: "selinux-permissive", Signal: model.StatusPartiallyElevated, Weight: 0.5},
		{ProbeID: "su-binary", Signal: model.StatusNotElevated, Weight: 0.5},
	}, weights, time.Now()))
	sel, err = st.selectNext(time.Now(), strategy.MaxTier)
	if err != nil {
		t.Fatal(err)
	}
	if sel.strategy == nil || sel.strategy.ID != "needs-permissive" {
		t.Fatalf("permissive device should select the gated strategy, got %+v", sel)
	}
}

func TestSelectNextPreconditionError(t *testing.T) {
	st := NewState("t-1", compiled(t,
		strategy.Spec{ID: "bad", RiskTier: 1, Precondition: `[1, 2][attempts + 5] == 1`},
		strategy.Spec{ID: "good", RiskTier: 2},
	))
	sel, err := st.selectNext(time.Now(), strategy.MaxTier)
	if err == nil {
		t.Error("expected the evaluation error to be reported")
	}
	if sel.strategy == nil || sel.strategy.ID != "good" {
		t.Fatal("a failing precondition must not block later strategies")
	}
}

func TestObserveIgnoresUnknown(t *testing.T) {
	st := NewState("t-1", nil)
	st.observe(model.Detection{Status: model.StatusPartiallyElevated, Confidence: 0.7})
	st.observe(model.Detection{Status: model.StatusUnknown})
	if st.Status() != model.StatusPartiallyElevated || st.Confidence() != 0.7 {
		t.Errorf("unknown detection overwrote state: %s %.2f", st.Status(), st.Confidence())
	}
}

func TestTerminateOnce(t *testing.T) {
	st := NewState("t-1", nil)
	if !st.terminate(model.ReasonMaxAttemptsExceeded, model.DetailStallLimit) {
		t.Fatal("first terminate should succeed")
	}
	if st.terminate(model.ReasonSuccess, "") {
		t.Error("second terminate must be refused")
	}
	if st.Termination() != model.ReasonMaxAttemptsExceeded || st.TerminationDetail() != model.DetailStallLimit {
		t.Errorf("termination changed to %s/%s", st.Termination(), st.TerminationDetail())
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	list := compiled(t,
		strategy.Spec{ID: "a", RiskTier: 1},
		strategy.Spec{ID: "b", RiskTier: 2},
		strategy.Spec{ID: "c", RiskTier: 3},
	)
	st := NewState("t-1", list)
	st.observe(model.Detection{Status: model.StatusPartiallyElevated, Confidence: 0.6})
	st.promoteNextTier(1)
	st.remove("c")
	st.recordDenial(1)
	until := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	st.nextBackoff("a")
	st.setBackoff("a", until)
	st.nextAttempt()
	st.beginCycle()
	st.advanceCursor(7)

	snap := st.Snapshot()
	if !snap.Resumable() {
		t.Fatal("live state should be resumable")
	}

	// A strategy added between runs is appended to the restored queue.
	extended := append(list, compiled(t, strategy.Spec{ID: "d", RiskTier: 1})...)
	got, err := RestoreState(snap, extended)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status() != model.StatusUnknown {
		t.Errorf("restored status must be unknown, got %s", got.Status())
	}
	if q := got.Queue(); !slices.Equal(q, []string{"b", "a", "d"}) {
		t.Errorf("queue = %v", q)
	}
	if u, ok := got.BackoffUntil("a"); !ok || !u.Equal(until) {
		t.Errorf("backoff lost: %v %v", u, ok)
	}
	if got.Attempts() != 1 || got.Cycles() != 1 || got.auditCursor() != 7 {
		t.Errorf("counters lost: attempts=%d cycles=%d cursor=%d", got.Attempts(), got.Cycles(), got.auditCursor())
	}
	if n := got.recordDenial(1); n != 2 {
		t.Errorf("tier denials lost, next count %d", n)
	}
}

func TestRestoreRejectsTerminated(t *testing.T) {
	_, err := RestoreState(checkpoint.Snapshot{TraceID: "t-1", Termination: model.ReasonSuccess}, nil)
	if !errors.Is(err, ErrNotResumable) {
		t.Fatalf("expected ErrNotResumable, got %v", err)
	}
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		status model.RootStatus
		want   Phase
	}{
		{model.StatusNotElevated, PhaseNotElevated},
		{model.StatusPartiallyElevated, PhasePartiallyElevated},
		{model.StatusFullyElevated, PhaseFullyElevated},
		{model.StatusUnknown, PhaseIdle},
		{model.StatusError, PhaseIdle},
	}
	for _, tt := range tests {
		if got := phaseFor(tt.status); got != tt.want {
			t.Errorf("phaseFor(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
	if !PhaseFailed.Terminal() || PhaseEscalating.Terminal() {
		t.Error("Terminal mismatch")
	}
}
