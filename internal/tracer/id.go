package tracer

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TimestampFormat is the layout used for all audit and mirror timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// NewTraceID generates a trace ID shared by every record of one run.
func NewTraceID() string {
	return prefixedID("t")
}

// NewAttemptID generates an ID for an AttemptRecord.
func NewAttemptID() string {
	return prefixedID("a")
}

// NewEventID generates an ID for an AdaptationEvent.
func NewEventID() string {
	return prefixedID("e")
}

// FormatTime renders t in TimestampFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// prefixedID returns "<prefix>-<ulid>" in lower case. ULIDs sort by creation
// time, so IDs of one run order the same way as their records.
func prefixedID(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}
