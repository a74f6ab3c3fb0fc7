// Package engine drives privilege escalation: the orchestrator runs one
// probe, select, execute and verify cycle at a time, and the adaptation bot
// reads each recorded attempt back from the audit log and adapts the queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/checkpoint"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/strategy"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

// ErrRestartBudget is returned when the loop panicked more often than
// MaxRestarts allows.
var ErrRestartBudget = errors.New("engine: restart budget exhausted")

// Checkpointer persists state snapshots.
type Checkpointer interface {
	Save(ctx context.Context, snap checkpoint.Snapshot) error
}

// Config holds every engine limit.
type Config struct {
	MaxAttempts                int
	MaxRestarts                int
	StallLimit                 int
	TierDenialsBeforeExclusion int
	MaxRiskTier                int
	StrategyTimeout            time.Duration
	ReprobeDelay               time.Duration
	Backoff                    BackoffConfig
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:                100,
		MaxRestarts:                3,
		StallLimit:                 3,
		TierDenialsBeforeExclusion: 2,
		MaxRiskTier:                strategy.MaxTier,
		StrategyTimeout:            2 * time.Minute,
		ReprobeDelay:               2 * time.Second,
		Backoff:                    DefaultBackoff(),
	}
}

// Deps are the collaborators of an engine.
type Deps struct {
	Detector   Detector
	Actions    ActionLookup
	Runner     sysexec.Runner
	Log        *audit.Log
	Strategies []*strategy.Strategy

	// Optional.
	Checkpoints Checkpointer
	Resume      *checkpoint.Snapshot
	Logger      *slog.Logger
	Sleep       func(ctx context.Context, d time.Duration) error
	Clock       func() time.Time
}

// Result is what Run reports.
type Result struct {
	FinalStatus model.RootStatus        `json:"final_status"`
	Reason      model.TerminationReason `json:"reason"`
	Detail      string                  `json:"detail,omitempty"`
	Summary     string                  `json:"summary"`
	AuditPath   string                  `json:"audit_path"`
	TraceID     string                  `json:"trace_id"`
	Attempts    int                     `json:"attempts"`
	Cycles      int                     `json:"cycles"`
	Restarts    int                     `json:"restarts"`
}

// Engine is the supervising loop.
type Engine struct {
	cfg    Config
	state  *State
	orch   *Orchestrator
	bot    *Bot
	log    *audit.Log
	store  Checkpointer
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *slog.Logger
	resume bool
}

// New wires an engine. When deps.Resume is set the state is restored from
// it; otherwise a fresh state keyed by the audit log's trace id is created.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Detector == nil || deps.Actions == nil || deps.Runner == nil || deps.Log == nil {
		return nil, errors.New("engine: detector, actions, runner and log are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	// Detectors that can enumerate their probes get every postcondition
	// checked up front.
	if known, ok := deps.Detector.(interface{ Has(id string) bool }); ok {
		for _, s := range deps.Strategies {
			if s.Postcondition != "" && !known.Has(s.Postcondition) {
				return nil, fmt.Errorf("engine: strategy %s: postcondition probe %q is not registered", s.ID, s.Postcondition)
			}
		}
	}

	var st *State
	if deps.Resume != nil {
		if deps.Resume.TraceID != deps.Log.TraceID() {
			return nil, fmt.Errorf("engine: resume trace %s does not match audit trace %s", deps.Resume.TraceID, deps.Log.TraceID())
		}
		var err error
		st, err = RestoreState(*deps.Resume, deps.Strategies)
		if err != nil {
			return nil, err
		}
	} else {
		st = NewState(deps.Log.TraceID(), deps.Strategies)
	}

	orch := NewOrchestrator(OrchestratorConfig{
		MaxRiskTier:     cfg.MaxRiskTier,
		StrategyTimeout: cfg.StrategyTimeout,
		ReprobeDelay:    cfg.ReprobeDelay,
	}, deps.Detector, deps.Actions, deps.Runner, deps.Log, logger)
	orch.now = now

	bot := NewBot(BotConfig{
		MaxAttempts:                cfg.MaxAttempts,
		StallLimit:                 cfg.StallLimit,
		TierDenialsBeforeExclusion: cfg.TierDenialsBeforeExclusion,
		Backoff:                    cfg.Backoff,
	}, deps.Log, logger)
	bot.now = now

	return &Engine{
		cfg:    cfg,
		state:  st,
		orch:   orch,
		bot:    bot,
		log:    deps.Log,
		store:  deps.Checkpoints,
		sleep:  sleep,
		now:    now,
		logger: logger.With("component", "engine"),
		resume: deps.Resume != nil,
	}, nil
}

// State exposes the engine state for inspection.
func (e *Engine) State() *State { return e.state }

// Run alternates one orchestrator cycle with one bot tick until the bot
// terminates the run. It always returns a Result with a human-readable
// summary and the audit path. A non-nil error means the run stopped for a
// reason outside the termination rules: an audit write failure or an
// exhausted restart budget.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	event := "start"
	if e.resume {
		event = "resume"
	}
	if _, err := e.log.Append(audit.KindRun, audit.RunMarker{Event: event, Status: e.state.Status()}); err != nil {
		return e.result(), err
	}

	var runErr error
	for !e.state.Terminated() {
		err := e.supervisedStep(ctx)
		if err == nil {
			continue
		}
		var p *panicError
		if errors.As(err, &p) {
			restarts := e.state.Restarts()
			if restarts >= e.cfg.MaxRestarts {
				runErr = fmt.Errorf("%w after %d restarts: %v", ErrRestartBudget, restarts, p.value)
				break
			}
			e.logger.Error("cycle panicked, restarting", "panic", p.value, "restart", restarts+1)
			e.logger.Debug("panic stack", "stack", string(p.stack))
			e.state.resetForRestart()
			e.checkpoint(ctx)
			continue
		}
		runErr = err
		break
	}

	e.checkpoint(context.WithoutCancel(ctx))
	res := e.result()
	if _, err := e.log.Append(audit.KindRun, audit.RunMarker{
		Event:       "finish",
		Status:      res.FinalStatus,
		Termination: res.Reason,
		Summary:     res.Summary,
		Attempts:    res.Attempts,
	}); err != nil && runErr == nil {
		runErr = err
	}
	return res, runErr
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// supervisedStep runs one step and converts a panic into an error so the
// loop can restart with the same state.
func (e *Engine) supervisedStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return e.step(ctx)
}

func (e *Engine) step(ctx context.Context) error {
	var res CycleResult
	if ctx.Err() == nil {
		var err error
		res, err = e.orch.RunCycle(ctx, e.state)
		if err != nil && !errors.Is(err, ErrTerminated) {
			return err
		}
		e.logger.Debug("cycle finished", "cycle", e.state.Cycles(), "result", res.String())
	}

	if _, err := e.bot.Tick(ctx, e.state); err != nil {
		return err
	}
	e.checkpoint(ctx)
	if e.state.Terminated() {
		return nil
	}

	var wait time.Duration
	switch {
	case res.Reprobe:
		wait = res.Delay
	case !res.Wait.IsZero():
		wait = res.Wait.Sub(e.now())
	}
	if wait > 0 {
		// A cancelled sleep is picked up by the next tick.
		_ = e.sleep(ctx, wait)
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, e.state.Snapshot()); err != nil {
		e.logger.Warn("checkpoint failed", "error", err)
	}
}

func (e *Engine) result() Result {
	st := e.state
	reason := st.Termination()
	detail := st.TerminationDetail()
	status := st.Status()
	label, why := reasonLabel(reason), reason.Describe()
	if reason == model.ReasonMaxAttemptsExceeded && detail != model.DetailAttemptBudget && detail != "" {
		label += "/" + detail
		why = model.DescribeDetail(detail)
	}
	return Result{
		FinalStatus: status,
		Reason:      reason,
		Detail:      detail,
		Summary: fmt.Sprintf("%s: %s (final status %s, %d attempts in %d cycles)",
			label, why, status, st.Attempts(), st.Cycles()),
		AuditPath: e.log.Path(),
		TraceID:   st.TraceID(),
		Attempts:  st.Attempts(),
		Cycles:    st.Cycles(),
		Restarts:  st.Restarts(),
	}
}

func reasonLabel(r model.TerminationReason) string {
	if r == model.ReasonNone {
		return "incomplete"
	}
	return string(r)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
