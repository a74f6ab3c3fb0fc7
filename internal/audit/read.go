package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Filter selects records when reading a log. Zero fields match everything.
type Filter struct {
	TraceID  string
	Kind     Kind
	AfterSeq uint64
}

func (f Filter) match(rec Record) bool {
	if f.TraceID != "" && rec.TraceID != f.TraceID {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	return rec.Seq > f.AfterSeq
}

// ReadFile returns every record in path that matches filter, in file order.
// Malformed lines are an error: a log that cannot be parsed cannot be trusted.
func ReadFile(path string, filter Filter) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("audit: parse line %d: %w", line, err)
		}
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return out, nil
}

// TailFile returns the last n records of path matching filter.
func TailFile(path string, n int, filter Filter) ([]Record, error) {
	all, err := ReadFile(path, filter)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// Tail returns the last n records written to this log (any trace).
func (l *Log) Tail(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return TailFile(l.path, n, Filter{})
}

// Since returns the records of this log's trace with seq greater than seq.
func (l *Log) Since(seq uint64) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadFile(l.path, Filter{TraceID: l.traceID, AfterSeq: seq})
}
