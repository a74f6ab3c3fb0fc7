package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/rootwatch/internal/tracer"
)

// GenesisHash is the prev_hash for the first record in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ErrWrite marks a failure to persist a record locally. A run cannot
// continue once this is returned.
var ErrWrite = errors.New("audit: local write failed")

// maxLineSize bounds a single JSONL line when scanning.
const maxLineSize = 1 << 20

// Mirror receives every line after it has been durably written.
// Enqueue must not block the caller.
type Mirror interface {
	Enqueue(rec Record, line []byte)
}

// Option configures a Log.
type Option func(*Log)

// WithTraceID sets the trace identifier stamped on every appended record.
func WithTraceID(id string) Option {
	return func(l *Log) { l.traceID = id }
}

// WithMirror attaches a remote mirror.
func WithMirror(m Mirror) Option {
	return func(l *Log) { l.mirror = m }
}

// WithClock overrides the timestamp source. For testing.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each record's hash covers its prev_hash and its own content, and each
// prev_hash equals the previous record's hash, forming a tamper-evident chain.
type Log struct {
	path     string
	file     *os.File
	traceID  string
	seq      uint64
	prevHash string
	mirror   Mirror
	now      func() time.Time
	broken   error
	mu       sync.Mutex
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail
// so sequence numbers and hashes continue across restarts.
func Open(path string, opts ...Option) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	l := &Log{
		path:     path,
		prevHash: GenesisHash,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.traceID == "" {
		l.traceID = tracer.NewTraceID()
	}

	last, err := lastRecord(path)
	if err != nil {
		return nil, err
	}
	if last != nil {
		l.seq = last.Seq
		l.prevHash = last.Hash
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	l.file = file
	return l, nil
}

// lastRecord returns the final record in path, or nil for a missing or empty file.
func lastRecord(path string) (*Record, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var lastLine []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lastLine = append(lastLine[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	if len(lastLine) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(lastLine, &rec); err != nil {
		return nil, fmt.Errorf("audit: existing log has corrupt tail: %w", err)
	}
	return &rec, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// TraceID returns the trace identifier stamped on appended records.
func (l *Log) TraceID() string { return l.traceID }

// Seq returns the sequence number of the last appended record.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append marshals payload, chains it to the previous record, writes the
// line, and syncs to disk. Errors wrap ErrWrite; once a write has failed,
// every later Append fails too so the chain never silently skips a record.
func (l *Log) Append(kind Kind, payload any) (Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken != nil {
		return Record{}, l.broken
	}

	rec := Record{
		Seq:       l.seq + 1,
		TraceID:   l.traceID,
		Timestamp: tracer.FormatTime(l.now()),
		Kind:      kind,
		Payload:   body,
		PrevHash:  l.prevHash,
	}
	rec.Hash, err = ComputeHash(rec)
	if err != nil {
		return Record{}, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.broken = fmt.Errorf("%w: write: %v", ErrWrite, err)
		return Record{}, l.broken
	}
	if err := l.file.Sync(); err != nil {
		l.broken = fmt.Errorf("%w: sync: %v", ErrWrite, err)
		return Record{}, l.broken
	}

	l.seq = rec.Seq
	l.prevHash = rec.Hash
	if l.mirror != nil {
		l.mirror.Enqueue(rec, line)
	}
	return rec, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ComputeHash returns the chained hash of rec: SHA-256 over the previous
// hash and the record's JSON with the hash field cleared.
func ComputeHash(rec Record) (string, error) {
	rec.Hash = ""
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("audit: marshal for hash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	h.Write([]byte{'\n'})
	h.Write(body)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
