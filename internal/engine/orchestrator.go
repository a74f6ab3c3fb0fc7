package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/strategy"
	"github.com/ppiankov/rootwatch/internal/sysexec"
	"github.com/ppiankov/rootwatch/internal/tracer"
)

// ErrTerminated is returned by RunCycle once the state has terminated.
var ErrTerminated = errors.New("engine: run already terminated")

// Detector produces a fresh detection on every call.
type Detector interface {
	Detect(ctx context.Context) model.Detection
}

// ActionLookup resolves an action ref to an executable action.
type ActionLookup interface {
	Lookup(ref string) (sysexec.Action, error)
}

// CycleResult describes what one RunCycle did.
type CycleResult struct {
	Phase     Phase
	Detection model.Detection
	Attempt   *model.AttemptRecord

	// Reprobe is set when the detection was Unknown. Delay is how long to
	// wait before the next cycle.
	Reprobe bool
	Delay   time.Duration

	// Wait is the earliest time a backed-off strategy becomes eligible,
	// set when nothing is eligible now but something will be.
	Wait time.Time
}

// OrchestratorConfig holds the orchestrator's limits.
type OrchestratorConfig struct {
	MaxRiskTier     int
	StrategyTimeout time.Duration
	ReprobeDelay    time.Duration
}

// Orchestrator runs the probe, select, execute and verify cycle. It executes
// at most one action at a time.
type Orchestrator struct {
	cfg      OrchestratorConfig
	detector Detector
	actions  ActionLookup
	runner   sysexec.Runner
	log      *audit.Log
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, det Detector, actions ActionLookup, runner sysexec.Runner, log *audit.Log, logger *slog.Logger) *Orchestrator {
	if cfg.MaxRiskTier <= 0 {
		cfg.MaxRiskTier = strategy.MaxTier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		detector: det,
		actions:  actions,
		runner:   runner,
		log:      log,
		now:      time.Now,
		logger:   logger.With("component", "orchestrator"),
	}
}

// RunCycle performs one cycle: detect, then select and execute one strategy
// and verify its effect. A returned error means the audit log could not be
// written and the run must stop.
func (o *Orchestrator) RunCycle(ctx context.Context, st *State) (CycleResult, error) {
	if st.Terminated() {
		return CycleResult{Phase: st.Phase()}, ErrTerminated
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	cycle := st.beginCycle()
	det := o.detector.Detect(ctx)
	if _, err := o.log.Append(audit.KindDetection, det.Summarize("probe")); err != nil {
		return CycleResult{Phase: st.Phase()}, err
	}

	if !det.Status.Votable() {
		st.setPhase(PhaseIdle)
		o.logger.Info("status unknown, reprobing", "cycle", cycle, "error_weight", det.ErrorWeight)
		return CycleResult{Phase: PhaseIdle, Detection: det, Reprobe: true, Delay: o.cfg.ReprobeDelay}, nil
	}
	st.observe(det)
	phase := phaseFor(det.Status)
	st.setPhase(phase)
	if phase == PhaseFullyElevated {
		return CycleResult{Phase: phase, Detection: det}, nil
	}

	sel, err := st.selectNext(o.now(), o.cfg.MaxRiskTier)
	if err != nil {
		o.logger.Warn("precondition evaluation failed", "error", err)
	}
	if sel.strategy == nil {
		if !sel.wait.IsZero() {
			return CycleResult{Phase: phase, Detection: det, Wait: sel.wait}, nil
		}
		st.setPhase(PhaseFailed)
		o.logger.Info("no eligible strategy remains", "cycle", cycle)
		return CycleResult{Phase: PhaseFailed, Detection: det}, nil
	}

	st.setPhase(PhaseEscalating)
	rec, verify := o.execute(ctx, st, sel.strategy, det)

	res := CycleResult{Phase: PhaseEscalating, Detection: det, Attempt: &rec}
	if verify {
		st.setPhase(PhaseVerifying)
		after := o.detector.Detect(ctx)
		if _, err := o.log.Append(audit.KindDetection, after.Summarize("verify")); err != nil {
			return res, err
		}
		st.observe(after)
		o.judge(&rec, sel.strategy, det.Status, after)
		res.Detection = after
		if st.Status() == model.StatusFullyElevated {
			res.Phase = PhaseFullyElevated
		}
	}
	st.setPhase(res.Phase)

	if _, err := o.log.Append(audit.KindAttempt, rec); err != nil {
		return res, err
	}
	o.logger.Info("attempt recorded",
		"strategy", rec.StrategyID, "tier", rec.RiskTier, "outcome", rec.Outcome,
		"signal", rec.Signal, "status", rec.ResultingStatus)
	return res, nil
}

// execute runs the strategy's action with local retries and returns the
// partially filled record and whether verification should run.
func (o *Orchestrator) execute(ctx context.Context, st *State, s *strategy.Strategy, det model.Detection) (model.AttemptRecord, bool) {
	rec := model.AttemptRecord{
		ID:              tracer.NewAttemptID(),
		StrategyID:      s.ID,
		ActionRef:       s.ActionRef,
		RiskTier:        s.RiskTier,
		AttemptIndex:    st.nextAttempt(),
		StartedAt:       o.now().UTC(),
		PriorStatus:     det.Status,
		ResultingStatus: det.Status,
		Confidence:      det.Confidence,
	}

	action, err := o.actions.Lookup(s.ActionRef)
	if err != nil {
		o.logger.Error("action lookup failed", "strategy", s.ID, "error", err)
		rec.Outcome = model.OutcomeFail
		rec.Signal = model.SignalEnvironmentMismatch
		rec.ExitCode = 127
		rec.OutputDigest = sysexec.Digest(sysexec.Result{Stderr: []byte(err.Error())})
		return rec, false
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = action.Timeout
	}
	if timeout <= 0 {
		timeout = o.cfg.StrategyTimeout
	}

	var ex sysexec.Execution
	var total time.Duration
	for try := 0; ; try++ {
		ex = sysexec.Execute(ctx, o.runner, action, timeout)
		total += ex.Duration
		rec.LocalRetries = try
		if !ex.Signal.Retryable() || try >= s.MaxLocalRetries || ctx.Err() != nil {
			break
		}
		o.logger.Debug("retrying locally", "strategy", s.ID, "signal", ex.Signal, "try", try+1)
	}
	rec.Duration = total
	rec.ExitCode = ex.ExitCode
	rec.OutputDigest = ex.Digest
	rec.Signal = ex.Signal

	switch {
	case ex.Cancelled:
		rec.Outcome = model.OutcomeFail
		return rec, false
	case ex.Signal == model.SignalFatal:
		rec.Outcome = model.OutcomeFatal
		return rec, false
	case ex.Signal.Retryable():
		rec.Outcome = model.OutcomeTimeout
		return rec, false
	}
	return rec, true
}

// judge decides success from the verification detection. Success needs a
// strict rank improvement and, when declared, a postcondition probe that
// itself reports a rank above the prior status.
func (o *Orchestrator) judge(rec *model.AttemptRecord, s *strategy.Strategy, prior model.RootStatus, after model.Detection) {
	if after.Status.Votable() {
		rec.ResultingStatus = after.Status
		rec.Confidence = after.Confidence
	}

	improved := after.Status.Improves(prior)
	post := true
	if s.Postcondition != "" {
		r, ok := after.Result(s.Postcondition)
		post = ok && r.Signal.Improves(prior)
	}
	rec.PostconditionMet = improved && post

	if rec.PostconditionMet {
		rec.Outcome = model.OutcomeSuccess
		return
	}
	rec.Outcome = model.OutcomeFail
	if rec.Signal == model.SignalNone {
		rec.Signal = model.SignalNoImprovement
	}
}

// String renders the result for logs.
func (r CycleResult) String() string {
	if r.Attempt != nil {
		return fmt.Sprintf("phase=%s attempt=%s outcome=%s", r.Phase, r.Attempt.StrategyID, r.Attempt.Outcome)
	}
	return fmt.Sprintf("phase=%s status=%s", r.Phase, r.Detection.Status)
}
