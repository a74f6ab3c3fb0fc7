package model

import "time"

// Outcome is the result class of one strategy attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomeTimeout Outcome = "timeout"
	OutcomeFatal   Outcome = "fatal"
)

// Signal is the executor's structured hint about why an action failed.
// It is derived from the exit code and output before the output is digested.
type Signal string

const (
	SignalNone                Signal = ""
	SignalTransient           Signal = "transient"
	SignalTimeout             Signal = "timeout"
	SignalPermissionDenied    Signal = "permission_denied"
	SignalEnvironmentMismatch Signal = "environment_mismatch"
	SignalFatal               Signal = "fatal"
	SignalCancelled           Signal = "cancelled"
	SignalNoImprovement       Signal = "no_improvement"
	SignalUnknownExit         Signal = "unknown_exit"
)

// Retryable reports whether a local immediate retry is allowed.
func (s Signal) Retryable() bool {
	return s == SignalTransient || s == SignalTimeout
}

// AttemptRecord is the append-only record of one strategy execution.
type AttemptRecord struct {
	ID               string        `json:"id"`
	StrategyID       string        `json:"strategy_id"`
	ActionRef        string        `json:"action_ref"`
	RiskTier         int           `json:"risk_tier"`
	AttemptIndex     int           `json:"attempt_index"`
	LocalRetries     int           `json:"local_retries"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	Outcome          Outcome       `json:"outcome"`
	Signal           Signal        `json:"signal,omitempty"`
	ExitCode         int           `json:"exit_code"`
	OutputDigest     string        `json:"output_digest"`
	PriorStatus      RootStatus    `json:"prior_status"`
	ResultingStatus  RootStatus    `json:"resulting_status"`
	Confidence       float64       `json:"confidence"`
	PostconditionMet bool          `json:"postcondition_met"`
}

// FailureKind is the adaptation bot's classification of an attempt.
type FailureKind string

const (
	FailureNone                FailureKind = "none"
	FailureFatal               FailureKind = "fatal"
	FailurePermissionDenied    FailureKind = "permission_denied"
	FailureTimeout             FailureKind = "timeout"
	FailureEnvironmentMismatch FailureKind = "environment_mismatch"
	FailureUnclassified        FailureKind = "unclassified"
)

// Mutation is the change the adaptation bot applied to the engine state.
type Mutation string

const (
	MutationHalt        Mutation = "halt"
	MutationReorder     Mutation = "reorder"
	MutationExcludeTier Mutation = "exclude_tier"
	MutationBackoff     Mutation = "backoff"
	MutationRemove      Mutation = "remove"
	MutationObserve     Mutation = "observe"
	MutationNone        Mutation = "none"
	MutationTerminate   Mutation = "terminate"
)

// AdaptationEvent is the append-only record of one adaptation decision.
type AdaptationEvent struct {
	ID               string            `json:"id"`
	TriggerAttemptID string            `json:"trigger_attempt_id,omitempty"`
	StrategyID       string            `json:"strategy_id,omitempty"`
	FailureKind      FailureKind       `json:"failure_kind"`
	Mutation         Mutation          `json:"mutation"`
	Rationale        string            `json:"rationale"`
	BackoffUntil     *time.Time        `json:"backoff_until,omitempty"`
	ExcludedTier     int               `json:"excluded_tier,omitempty"`
	Termination      TerminationReason `json:"termination,omitempty"`
	Attempts         int               `json:"attempts"`
}

// TerminationReason explains why a run stopped.
type TerminationReason string

const (
	ReasonNone                TerminationReason = ""
	ReasonSuccess             TerminationReason = "success"
	ReasonMaxAttemptsExceeded TerminationReason = "max_attempts_exceeded"
	ReasonFatal               TerminationReason = "fatal"
	ReasonExternalCancel      TerminationReason = "external_cancel"
)

// Detail tags carried next to ReasonMaxAttemptsExceeded. Stalling and an
// empty queue both end the budget early; the tag says which limit hit.
const (
	DetailAttemptBudget = "attempt_budget_exhausted"
	DetailCycleBudget   = "cycle_budget_exhausted"
	DetailStallLimit    = "stall_limit_reached"
	DetailQueueEmpty    = "queue_exhausted"
)

// DescribeDetail explains a termination detail tag. Unknown tags are
// returned as-is.
func DescribeDetail(detail string) string {
	switch detail {
	case DetailStallLimit:
		return "consecutive unclassified failures; no adaptation possible"
	case DetailQueueEmpty:
		return "no eligible strategy remains in the queue"
	case DetailCycleBudget:
		return "cycle budget exhausted before full elevation"
	}
	return detail
}

// Describe returns a human-readable sentence for the reason.
func (r TerminationReason) Describe() string {
	switch r {
	case ReasonSuccess:
		return "full elevation reached and verified"
	case ReasonMaxAttemptsExceeded:
		return "attempt budget exhausted before full elevation"
	case ReasonFatal:
		return "an action reported an irrecoverable failure; escalation halted"
	case ReasonExternalCancel:
		return "run cancelled by external stop signal"
	default:
		return "run has not terminated"
	}
}
