package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/rootwatch/internal/checkpoint"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/strategy"
)

// Phase is the orchestrator's position in the escalation state machine.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseProbing           Phase = "probing"
	PhaseNotElevated       Phase = "not_elevated"
	PhasePartiallyElevated Phase = "partially_elevated"
	PhaseFullyElevated     Phase = "fully_elevated"
	PhaseEscalating        Phase = "escalating"
	PhaseVerifying         Phase = "verifying"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether no further cycle can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseFullyElevated || p == PhaseFailed
}

func phaseFor(s model.RootStatus) Phase {
	switch s {
	case model.StatusNotElevated:
		return PhaseNotElevated
	case model.StatusPartiallyElevated:
		return PhasePartiallyElevated
	case model.StatusFullyElevated:
		return PhaseFullyElevated
	default:
		return PhaseIdle
	}
}

// ErrNotResumable is returned when restoring a snapshot of a finished run.
var ErrNotResumable = errors.New("engine: snapshot is not resumable")

// State is the single mutable aggregate of a run. Every read and write goes
// through its methods, which hold the state lock.
type State struct {
	mu sync.Mutex

	traceID    string
	status     model.RootStatus
	confidence float64
	phase      Phase
	signals    map[string]model.RootStatus

	strategies map[string]*strategy.Strategy
	queue      []string
	removed    map[string]bool
	excluded   map[int]bool
	denials    map[int]int
	backoffs   map[string]time.Time
	backoffN   map[string]int

	attempts int
	cycles   int
	stall    int
	restarts int
	cursor   uint64

	termination model.TerminationReason
	detail      string
}

// NewState creates a fresh state with list as the initial queue order.
func NewState(traceID string, list []*strategy.Strategy) *State {
	st := &State{
		traceID:    traceID,
		status:     model.StatusUnknown,
		phase:      PhaseIdle,
		strategies: make(map[string]*strategy.Strategy, len(list)),
		queue:      make([]string, 0, len(list)),
		removed:    make(map[string]bool),
		excluded:   make(map[int]bool),
		denials:    make(map[int]int),
		backoffs:   make(map[string]time.Time),
		backoffN:   make(map[string]int),
	}
	for _, s := range list {
		if _, dup := st.strategies[s.ID]; dup {
			continue
		}
		st.strategies[s.ID] = s
		st.queue = append(st.queue, s.ID)
	}
	return st
}

// RestoreState rebuilds a state from snap. Strategies that no longer exist
// are dropped; new ones are appended to the queue. Status always restarts
// at Unknown so the detector runs before anything executes.
func RestoreState(snap checkpoint.Snapshot, list []*strategy.Strategy) (*State, error) {
	if !snap.Resumable() {
		return nil, fmt.Errorf("%w: %s ended with %s", ErrNotResumable, snap.TraceID, snap.Termination)
	}
	st := NewState(snap.TraceID, nil)
	byID := make(map[string]*strategy.Strategy, len(list))
	for _, s := range list {
		byID[s.ID] = s
		st.strategies[s.ID] = s
	}
	for _, id := range snap.Queue {
		if _, ok := byID[id]; ok {
			st.queue = append(st.queue, id)
			delete(byID, id)
		}
	}
	for _, s := range list {
		if _, ok := byID[s.ID]; ok {
			st.queue = append(st.queue, s.ID)
		}
	}
	for _, id := range snap.Removed {
		st.removed[id] = true
	}
	for _, t := range snap.ExcludedTiers {
		st.excluded[t] = true
	}
	for t, n := range snap.TierDenials {
		st.denials[t] = n
	}
	for id, until := range snap.Backoffs {
		st.backoffs[id] = until
	}
	for id, n := range snap.BackoffCounts {
		st.backoffN[id] = n
	}
	st.attempts = snap.Attempts
	st.cycles = snap.Cycles
	st.stall = snap.Stall
	st.restarts = snap.Restarts
	st.cursor = snap.AuditCursor
	return st, nil
}

// Snapshot captures the resumable part of the state.
func (s *State) Snapshot() checkpoint.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := checkpoint.Snapshot{
		TraceID:       s.traceID,
		Status:        s.status,
		Phase:         string(s.phase),
		Queue:         append([]string(nil), s.queue...),
		TierDenials:   make(map[int]int, len(s.denials)),
		Backoffs:      make(map[string]time.Time, len(s.backoffs)),
		BackoffCounts: make(map[string]int, len(s.backoffN)),
		Attempts:      s.attempts,
		Cycles:        s.cycles,
		Stall:         s.stall,
		Restarts:      s.restarts,
		AuditCursor:   s.cursor,
		Termination:   s.termination,
		Detail:        s.detail,
	}
	for id := range s.removed {
		snap.Removed = append(snap.Removed, id)
	}
	sort.Strings(snap.Removed)
	for t := range s.excluded {
		snap.ExcludedTiers = append(snap.ExcludedTiers, t)
	}
	sort.Ints(snap.ExcludedTiers)
	for t, n := range s.denials {
		snap.TierDenials[t] = n
	}
	for id, until := range s.backoffs {
		snap.Backoffs[id] = until
	}
	for id, n := range s.backoffN {
		snap.BackoffCounts[id] = n
	}
	return snap
}

func (s *State) TraceID() string { return s.traceID }

func (s *State) Status() model.RootStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) Confidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confidence
}

func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *State) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *State) Stall() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stall
}

func (s *State) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *State) Termination() model.TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termination
}

// TerminationDetail names the limit behind the termination reason, e.g.
// which budget ran out.
func (s *State) TerminationDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detail
}

// Terminated reports whether the run has ended.
func (s *State) Terminated() bool {
	return s.Termination() != model.ReasonNone
}

// Queue returns the current queue order, removed strategies excluded.
func (s *State) Queue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queue))
	for _, id := range s.queue {
		if !s.removed[id] {
			out = append(out, id)
		}
	}
	return out
}

// Excluded reports whether tier is excluded for the session.
func (s *State) Excluded(tier int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excluded[tier]
}

// BackoffUntil returns the backoff deadline of a strategy, if any.
func (s *State) BackoffUntil(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.backoffs[id]
	return t, ok
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// observe records a votable detection. Unknown and Error leave the status
// untouched.
func (s *State) observe(d model.Detection) {
	if !d.Status.Votable() {
		return
	}
	signals := make(map[string]model.RootStatus, len(d.Results))
	for _, r := range d.Results {
		signals[r.ProbeID] = r.Signal
	}
	s.mu.Lock()
	s.status = d.Status
	s.confidence = d.Confidence
	s.signals = signals
	s.mu.Unlock()
}

func (s *State) beginCycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.phase = PhaseProbing
	return s.cycles
}

func (s *State) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *State) resetForRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	s.status = model.StatusUnknown
	s.confidence = 0
	s.phase = PhaseIdle
}

// selection is the outcome of picking the next strategy.
type selection struct {
	strategy *strategy.Strategy
	// wait is the earliest time a backed-off strategy becomes eligible.
	// It is zero when a strategy was selected or nothing can ever run.
	wait time.Time
}

// selectNext returns the first queued strategy whose precondition matches,
// whose tier is allowed and which is not backing off at now.
func (s *State) selectNext(now time.Time, maxTier int) (selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	facts := strategy.Facts{Status: s.status, Confidence: s.confidence, Attempts: s.attempts, Probes: s.signals}
	var sel selection
	var evalErr error
	for _, id := range s.queue {
		st := s.strategies[id]
		if st == nil || s.removed[id] || s.excluded[st.RiskTier] || st.RiskTier > maxTier {
			continue
		}
		ok, err := st.Matches(facts)
		if err != nil {
			evalErr = errors.Join(evalErr, err)
			continue
		}
		if !ok {
			continue
		}
		if until, backing := s.backoffs[id]; backing && now.Before(until) {
			if sel.wait.IsZero() || until.Before(sel.wait) {
				sel.wait = until
			}
			continue
		}
		return selection{strategy: st}, evalErr
	}
	return sel, evalErr
}

// Bot mutations below. Only the adaptation bot calls them.

func (s *State) terminate(r model.TerminationReason, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termination != model.ReasonNone {
		return false
	}
	s.termination = r
	s.detail = detail
	return true
}

func (s *State) auditCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *State) advanceCursor(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursor {
		s.cursor = seq
	}
}

func (s *State) bumpStall() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall++
	return s.stall
}

func (s *State) resetStall() {
	s.mu.Lock()
	s.stall = 0
	s.mu.Unlock()
}

func (s *State) recordDenial(tier int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denials[tier]++
	return s.denials[tier]
}

func (s *State) excludeTier(tier int) {
	s.mu.Lock()
	s.excluded[tier] = true
	s.mu.Unlock()
}

func (s *State) remove(id string) {
	s.mu.Lock()
	s.removed[id] = true
	s.mu.Unlock()
}

func (s *State) nextBackoff(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffN[id]++
	return s.backoffN[id]
}

func (s *State) setBackoff(id string, until time.Time) {
	s.mu.Lock()
	s.backoffs[id] = until
	s.mu.Unlock()
}

// promoteNextTier moves every strategy of the lowest remaining tier above
// tier to the front of the queue, keeping relative order on both sides.
// It returns the promoted tier, or 0 when no higher tier remains.
func (s *State) promoteNextTier(tier int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 0
	for _, id := range s.queue {
		st := s.strategies[id]
		if st == nil || s.removed[id] || s.excluded[st.RiskTier] || st.RiskTier <= tier {
			continue
		}
		if next == 0 || st.RiskTier < next {
			next = st.RiskTier
		}
	}
	if next == 0 {
		return 0
	}

	front := make([]string, 0, len(s.queue))
	rest := make([]string, 0, len(s.queue))
	for _, id := range s.queue {
		if st := s.strategies[id]; st != nil && st.RiskTier == next && !s.removed[id] {
			front = append(front, id)
		} else {
			rest = append(rest, id)
		}
	}
	s.queue = append(front, rest...)
	return next
}
