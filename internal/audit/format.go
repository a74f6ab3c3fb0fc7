package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/tracer"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Summary holds per-kind counts for a trace.
type Summary struct {
	Total          int    `json:"total"`
	Attempts       int    `json:"attempts"`
	Successes      int    `json:"successes"`
	Failures       int    `json:"failures"`
	Adaptations    int    `json:"adaptations"`
	Detections     int    `json:"detections"`
	MaxTier        int    `json:"max_tier"`
	Termination    string `json:"termination,omitempty"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// Summarize counts records by kind and outcome.
func Summarize(records []Record) Summary {
	var s Summary
	for _, rec := range records {
		s.Total++
		if s.FirstTimestamp == "" {
			s.FirstTimestamp = rec.Timestamp
		}
		s.LastTimestamp = rec.Timestamp

		switch rec.Kind {
		case KindAttempt:
			s.Attempts++
			if a, err := rec.Attempt(); err == nil {
				if a.Outcome == model.OutcomeSuccess {
					s.Successes++
				} else {
					s.Failures++
				}
				if a.RiskTier > s.MaxTier {
					s.MaxTier = a.RiskTier
				}
			}
		case KindAdaptation:
			s.Adaptations++
			if e, err := rec.Adaptation(); err == nil && e.Termination != "" {
				s.Termination = string(e.Termination)
			}
		case KindDetection:
			s.Detections++
		}
	}
	return s
}

// FormatTimeline renders records of one trace as a human-readable timeline.
func FormatTimeline(traceID string, records []Record) string {
	if len(records) == 0 {
		return fmt.Sprintf("Trace: %s | No records found.\n", traceID)
	}

	sum := Summarize(records)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Trace: %s | %s–%s UTC\n", traceID,
		formatDateRange(sum.FirstTimestamp), formatTimeOnly(sum.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, rec := range records {
		b.WriteString(fmt.Sprintf("%-6d %-10s %-11s %s\n",
			rec.Seq, formatTimeOnly(rec.Timestamp), rec.Kind, describe(rec)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("Summary: %d attempts (%d ok, %d failed), %d adaptations, %d detections | Max tier: %d",
		sum.Attempts, sum.Successes, sum.Failures, sum.Adaptations, sum.Detections, sum.MaxTier))
	if sum.Termination != "" {
		b.WriteString(" | Termination: " + sum.Termination)
	}
	b.WriteString("\n")
	return b.String()
}

// FormatJSON renders records as indented JSON.
func FormatJSON(records []Record) (string, error) {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	return string(data), nil
}

func describe(rec Record) string {
	switch rec.Kind {
	case KindAttempt:
		a, err := rec.Attempt()
		if err != nil {
			return "malformed attempt"
		}
		line := fmt.Sprintf("T%d %-24s %-8s %s → %s", a.RiskTier, truncate(a.StrategyID, 24),
			strings.ToUpper(string(a.Outcome)), a.PriorStatus, a.ResultingStatus)
		if a.Signal != "" {
			line += " [" + string(a.Signal) + "]"
		}
		return line
	case KindAdaptation:
		e, err := rec.Adaptation()
		if err != nil {
			return "malformed adaptation"
		}
		line := fmt.Sprintf("%-12s %-20s %s", e.Mutation, e.FailureKind, truncate(e.Rationale, 40))
		if e.StrategyID != "" {
			line += " (" + e.StrategyID + ")"
		}
		return line
	case KindDetection:
		d, err := rec.Detection()
		if err != nil {
			return "malformed detection"
		}
		return fmt.Sprintf("%-7s %s conf=%.2f errors=%d/%d", d.Phase, d.Status, d.Confidence, d.Errors, d.Probes)
	case KindRun:
		var m RunMarker
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return "malformed run marker"
		}
		if m.Termination != "" {
			return fmt.Sprintf("%s %s (%s)", m.Event, m.Status, m.Termination)
		}
		return fmt.Sprintf("%s %s", m.Event, m.Status)
	}
	return string(rec.Payload)
}

func formatDateRange(ts string) string {
	t, err := time.Parse(tracer.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(tracer.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
