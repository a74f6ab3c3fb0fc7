// Package checkpoint persists engine state in SQLite so a crashed or
// restarted run can resume without replaying its attempts.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/rootwatch/internal/model"
)

// ErrNotFound is returned when no snapshot matches.
var ErrNotFound = errors.New("checkpoint: not found")

// Snapshot is the resumable part of engine state.
type Snapshot struct {
	TraceID       string                  `json:"trace_id"`
	Status        model.RootStatus        `json:"status"`
	Phase         string                  `json:"phase"`
	Queue         []string                `json:"queue"`
	Removed       []string                `json:"removed,omitempty"`
	ExcludedTiers []int                   `json:"excluded_tiers,omitempty"`
	TierDenials   map[int]int             `json:"tier_denials,omitempty"`
	Backoffs      map[string]time.Time    `json:"backoffs,omitempty"`
	BackoffCounts map[string]int          `json:"backoff_counts,omitempty"`
	Attempts      int                     `json:"attempts"`
	Cycles        int                     `json:"cycles"`
	Stall         int                     `json:"stall"`
	Restarts      int                     `json:"restarts"`
	AuditCursor   uint64                  `json:"audit_cursor"`
	Termination   model.TerminationReason `json:"termination,omitempty"`
	Detail        string                  `json:"detail,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// Resumable reports whether a run may continue from s. Fatal runs never
// resume, and neither do runs that already ended for any other reason.
func (s Snapshot) Resumable() bool {
	return s.Termination == model.ReasonNone
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	trace_id   TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_updated_at ON sessions(updated_at);
`

// Store is a SQLite-backed snapshot store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("checkpoint: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	// SQLite allows one writer; serializing through one connection avoids
	// SQLITE_BUSY between the engine and the restart supervisor.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: configure: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts snap under its trace id.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if snap.TraceID == "" {
		return fmt.Errorf("checkpoint: save: empty trace id")
	}
	snap.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: save: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (trace_id, state_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(trace_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		snap.TraceID, string(data), snap.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", snap.TraceID, err)
	}
	return nil
}

// Load returns the snapshot for traceID.
func (s *Store) Load(ctx context.Context, traceID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE trace_id = ?`, traceID)
	return scan(row, traceID)
}

// Latest returns the most recently updated snapshot.
func (s *Store) Latest(ctx context.Context) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions ORDER BY updated_at DESC LIMIT 1`)
	return scan(row, "latest")
}

// Delete removes the snapshot for traceID. Deleting a missing snapshot is
// not an error.
func (s *Store) Delete(ctx context.Context, traceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE trace_id = ?`, traceID); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", traceID, err)
	}
	return nil
}

func scan(row *sql.Row, what string) (Snapshot, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return Snapshot{}, fmt.Errorf("checkpoint: load %s: %w", what, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: decode %s: %w", what, err)
	}
	return snap, nil
}
