package model

import "time"

// RootStatus is the aggregated privilege level of the target system.
// Only the status detector produces values; a new detection yields a new value.
type RootStatus string

const (
	StatusUnknown           RootStatus = "unknown"
	StatusNotElevated       RootStatus = "not_elevated"
	StatusPartiallyElevated RootStatus = "partially_elevated"
	StatusFullyElevated     RootStatus = "fully_elevated"
	StatusError             RootStatus = "error"
)

// statusRank maps votable statuses to a comparable integer for monotonic comparison.
var statusRank = map[RootStatus]int{
	StatusNotElevated:       0,
	StatusPartiallyElevated: 1,
	StatusFullyElevated:     2,
}

// VotableStatuses lists the buckets a probe may vote for, lowest first.
var VotableStatuses = []RootStatus{
	StatusNotElevated,
	StatusPartiallyElevated,
	StatusFullyElevated,
}

// Rank returns 0..2 for votable statuses and -1 for Unknown and Error.
func (s RootStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Votable reports whether s is one of the three privilege buckets.
func (s RootStatus) Votable() bool {
	_, ok := statusRank[s]
	return ok
}

// Improves reports whether s is strictly higher than prev.
// Unknown and Error never improve on anything.
func (s RootStatus) Improves(prev RootStatus) bool {
	if !s.Votable() {
		return false
	}
	return s.Rank() > prev.Rank()
}

// ParseRootStatus maps a wire name to a RootStatus. The second value is false
// for unrecognized names.
func ParseRootStatus(s string) (RootStatus, bool) {
	switch RootStatus(s) {
	case StatusUnknown, StatusNotElevated, StatusPartiallyElevated, StatusFullyElevated, StatusError:
		return RootStatus(s), true
	}
	return StatusUnknown, false
}

// ProbeResult is one probe's contribution to a detection run.
// It is discarded after aggregation; only a DetectionSummary is audited.
type ProbeResult struct {
	ProbeID string        `json:"probe_id"`
	Signal  RootStatus    `json:"signal"`
	Weight  float64       `json:"weight"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// Errored reports whether the probe failed or timed out.
func (r ProbeResult) Errored() bool {
	return r.Signal == StatusError
}

// Abstained reports whether the probe chose not to vote. Abstentions carry
// no weight and do not count as errors.
func (r ProbeResult) Abstained() bool {
	return r.Signal == StatusUnknown
}

// Detection is the immutable output of one detector run.
type Detection struct {
	Status     RootStatus    `json:"status"`
	Confidence float64       `json:"confidence"`
	Results    []ProbeResult `json:"-"`
	At         time.Time     `json:"at"`

	// TotalWeight is the declared weight of every probe; ErrorWeight is the
	// declared weight of the probes that errored.
	TotalWeight float64 `json:"total_weight"`
	ErrorWeight float64 `json:"error_weight"`
}

// Result returns the probe result with the given ID.
func (d Detection) Result(probeID string) (ProbeResult, bool) {
	for _, r := range d.Results {
		if r.ProbeID == probeID {
			return r, true
		}
	}
	return ProbeResult{}, false
}

// DetectionSummary is the compact, auditable form of a Detection.
// All fields are plain values so json.Marshal output is deterministic.
type DetectionSummary struct {
	Phase         string     `json:"phase"`
	Status        RootStatus `json:"status"`
	Confidence    float64    `json:"confidence"`
	Probes        int        `json:"probes"`
	Errors        int        `json:"errors"`
	NotElevated   int        `json:"not_elevated"`
	Partial       int        `json:"partially_elevated"`
	Full          int        `json:"fully_elevated"`
	Abstained     int        `json:"abstained"`
	ErrorWeight   float64    `json:"error_weight"`
	TotalWeight   float64    `json:"total_weight"`
	ErroredProbes []string   `json:"errored_probes,omitempty"`
}

// Summarize builds the auditable summary of d. Phase names the detection's
// purpose in the cycle ("probe" or "verify").
func (d Detection) Summarize(phase string) DetectionSummary {
	sum := DetectionSummary{
		Phase:      phase,
		Status:     d.Status,
		Confidence: d.Confidence,
		Probes:     len(d.Results),

		ErrorWeight: d.ErrorWeight,
		TotalWeight: d.TotalWeight,
	}
	for _, r := range d.Results {
		switch r.Signal {
		case StatusNotElevated:
			sum.NotElevated++
		case StatusPartiallyElevated:
			sum.Partial++
		case StatusFullyElevated:
			sum.Full++
		case StatusUnknown:
			sum.Abstained++
		default:
			sum.Errors++
			sum.ErroredProbes = append(sum.ErroredProbes, r.ProbeID)
		}
	}
	return sum
}
