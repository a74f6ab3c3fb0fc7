package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/tracer"
)

// BotConfig holds the adaptation limits.
type BotConfig struct {
	MaxAttempts                int
	StallLimit                 int
	TierDenialsBeforeExclusion int
	Backoff                    BackoffConfig
}

// Bot classifies recorded attempts and adapts the strategy queue. It never
// executes actions; it only mutates queue order, backoffs, exclusions and
// termination.
type Bot struct {
	cfg    BotConfig
	log    *audit.Log
	now    func() time.Time
	logger *slog.Logger
}

// NewBot wires an adaptation bot reading from and writing to log.
func NewBot(cfg BotConfig, log *audit.Log, logger *slog.Logger) *Bot {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 100
	}
	if cfg.StallLimit <= 0 {
		cfg.StallLimit = 3
	}
	if cfg.TierDenialsBeforeExclusion <= 0 {
		cfg.TierDenialsBeforeExclusion = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{cfg: cfg, log: log, now: time.Now, logger: logger.With("component", "bot")}
}

// Tick consumes new attempt records, applies one adaptation per attempt and
// checks the termination rules. It returns the last event written, or nil
// when nothing changed. Once the state has terminated Tick is a no-op.
func (b *Bot) Tick(ctx context.Context, st *State) (*model.AdaptationEvent, error) {
	if st.Terminated() {
		return nil, nil
	}
	if ctx.Err() != nil {
		return b.finish(st, model.ReasonExternalCancel, "context_cancelled")
	}

	recs, err := b.log.Since(st.auditCursor())
	if err != nil {
		return nil, fmt.Errorf("engine: bot: read audit: %w", err)
	}

	var last *model.AdaptationEvent
	for _, rec := range recs {
		if rec.Kind != audit.KindAttempt {
			st.advanceCursor(rec.Seq)
			continue
		}
		attempt, err := rec.Attempt()
		if err != nil {
			return last, fmt.Errorf("engine: bot: %w", err)
		}
		// The cursor moves only once the attempt is fully adapted, so a
		// restart after a failure here sees the attempt again.
		ev, err := b.adapt(st, attempt)
		if err != nil {
			return last, err
		}
		st.advanceCursor(rec.Seq)
		if ev != nil {
			last = ev
		}
		if st.Terminated() {
			return last, nil
		}
	}

	if reason, why := b.shouldTerminate(st); reason != model.ReasonNone {
		return b.finish(st, reason, why)
	}
	return last, nil
}

// Classify maps an attempt to a failure kind. First match wins.
func Classify(a model.AttemptRecord) model.FailureKind {
	switch {
	case a.Outcome == model.OutcomeSuccess:
		return model.FailureNone
	case a.Outcome == model.OutcomeFatal || a.Signal == model.SignalFatal:
		return model.FailureFatal
	case a.Signal == model.SignalPermissionDenied:
		return model.FailurePermissionDenied
	case a.Outcome == model.OutcomeTimeout || a.Signal.Retryable():
		return model.FailureTimeout
	case a.Signal == model.SignalEnvironmentMismatch:
		return model.FailureEnvironmentMismatch
	default:
		return model.FailureUnclassified
	}
}

func (b *Bot) adapt(st *State, a model.AttemptRecord) (*model.AdaptationEvent, error) {
	if a.Signal == model.SignalCancelled {
		// Cancellation is not a failure of the strategy; the next tick
		// terminates the run.
		return nil, nil
	}

	kind := Classify(a)
	ev := model.AdaptationEvent{
		TriggerAttemptID: a.ID,
		StrategyID:       a.StrategyID,
		FailureKind:      kind,
	}

	switch kind {
	case model.FailureNone:
		st.resetStall()
		ev.Mutation = model.MutationNone
		ev.Rationale = "status_improved"

	case model.FailureFatal:
		ev.Mutation = model.MutationHalt
		ev.Rationale = "fatal_signal"
		ev.Termination = model.ReasonFatal
		if err := b.write(st, &ev); err != nil {
			return nil, err
		}
		return b.finish(st, model.ReasonFatal, "fatal_signal")

	case model.FailurePermissionDenied:
		st.resetStall()
		n := st.recordDenial(a.RiskTier)
		if n >= b.cfg.TierDenialsBeforeExclusion {
			st.excludeTier(a.RiskTier)
			ev.Mutation = model.MutationExcludeTier
			ev.ExcludedTier = a.RiskTier
			ev.Rationale = fmt.Sprintf("tier_%d_denied_%d_times", a.RiskTier, n)
		} else if next := st.promoteNextTier(a.RiskTier); next > 0 {
			ev.Mutation = model.MutationReorder
			ev.Rationale = fmt.Sprintf("promote_tier_%d", next)
		} else {
			ev.Mutation = model.MutationNone
			ev.Rationale = "no_higher_tier"
		}

	case model.FailureTimeout:
		st.resetStall()
		n := st.nextBackoff(a.StrategyID)
		delay := DelayForAttempt(n, b.cfg.Backoff, backoffSeed(st.TraceID(), a.StrategyID, n))
		until := b.now().UTC().Add(delay)
		st.setBackoff(a.StrategyID, until)
		ev.Mutation = model.MutationBackoff
		ev.BackoffUntil = &until
		ev.Rationale = fmt.Sprintf("backoff_%d_%s", n, delay.Round(time.Millisecond))

	case model.FailureEnvironmentMismatch:
		st.resetStall()
		st.remove(a.StrategyID)
		ev.Mutation = model.MutationRemove
		ev.Rationale = "environment_mismatch"

	default:
		n := st.bumpStall()
		ev.Mutation = model.MutationObserve
		ev.Rationale = fmt.Sprintf("unclassified_%s_stall_%d", signalTag(a.Signal), n)
	}

	if err := b.write(st, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (b *Bot) shouldTerminate(st *State) (model.TerminationReason, string) {
	switch {
	case st.Status() == model.StatusFullyElevated:
		return model.ReasonSuccess, "status_fully_elevated"
	case st.Attempts() >= b.cfg.MaxAttempts:
		return model.ReasonMaxAttemptsExceeded, model.DetailAttemptBudget
	case st.Cycles() >= b.cfg.MaxAttempts:
		return model.ReasonMaxAttemptsExceeded, model.DetailCycleBudget
	case st.Stall() >= b.cfg.StallLimit:
		return model.ReasonMaxAttemptsExceeded, model.DetailStallLimit
	case st.Phase() == PhaseFailed:
		return model.ReasonMaxAttemptsExceeded, model.DetailQueueEmpty
	}
	return model.ReasonNone, ""
}

// finish terminates the state and writes the single terminate event.
func (b *Bot) finish(st *State, reason model.TerminationReason, why string) (*model.AdaptationEvent, error) {
	if !st.terminate(reason, why) {
		return nil, nil
	}
	ev := model.AdaptationEvent{
		FailureKind: model.FailureNone,
		Mutation:    model.MutationTerminate,
		Rationale:   why,
		Termination: reason,
	}
	if reason == model.ReasonFatal {
		ev.FailureKind = model.FailureFatal
	}
	if err := b.write(st, &ev); err != nil {
		return nil, err
	}
	b.logger.Info("run terminated", "reason", reason, "detail", why, "attempts", ev.Attempts)
	return &ev, nil
}

func (b *Bot) write(st *State, ev *model.AdaptationEvent) error {
	ev.ID = tracer.NewEventID()
	ev.Attempts = st.Attempts()
	_, err := b.log.Append(audit.KindAdaptation, ev)
	return err
}

func signalTag(s model.Signal) string {
	if s == model.SignalNone {
		return "none"
	}
	return string(s)
}
