package audit

import (
	"encoding/json"
	"fmt"

	"github.com/ppiankov/rootwatch/internal/model"
)

// Kind discriminates the payload carried by a Record.
type Kind string

const (
	KindAttempt    Kind = "attempt"
	KindAdaptation Kind = "adaptation"
	KindDetection  Kind = "detection"
	KindRun        Kind = "run"
)

// Record is one line in the hash-chained JSONL audit log.
// All fields are plain values (payload is pre-marshalled) to guarantee
// deterministic json.Marshal output for reproducible hashing.
type Record struct {
	Seq       uint64          `json:"seq"`
	TraceID   string          `json:"trace_id"`
	Timestamp string          `json:"ts"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// RunMarker is the payload of KindRun records written at run start and end.
type RunMarker struct {
	Event       string                  `json:"event"` // "start", "resume", "finish"
	Status      model.RootStatus        `json:"status,omitempty"`
	Termination model.TerminationReason `json:"termination,omitempty"`
	Summary     string                  `json:"summary,omitempty"`
	Attempts    int                     `json:"attempts"`
}

// Attempt decodes the payload of a KindAttempt record.
func (r Record) Attempt() (model.AttemptRecord, error) {
	var a model.AttemptRecord
	if r.Kind != KindAttempt {
		return a, fmt.Errorf("audit: record %d is %s, not attempt", r.Seq, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &a); err != nil {
		return a, fmt.Errorf("audit: decode attempt %d: %w", r.Seq, err)
	}
	return a, nil
}

// Adaptation decodes the payload of a KindAdaptation record.
func (r Record) Adaptation() (model.AdaptationEvent, error) {
	var e model.AdaptationEvent
	if r.Kind != KindAdaptation {
		return e, fmt.Errorf("audit: record %d is %s, not adaptation", r.Seq, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return e, fmt.Errorf("audit: decode adaptation %d: %w", r.Seq, err)
	}
	return e, nil
}

// Detection decodes the payload of a KindDetection record.
func (r Record) Detection() (model.DetectionSummary, error) {
	var d model.DetectionSummary
	if r.Kind != KindDetection {
		return d, fmt.Errorf("audit: record %d is %s, not detection", r.Seq, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &d); err != nil {
		return d, fmt.Errorf("audit: decode detection %d: %w", r.Seq, err)
	}
	return d, nil
}
