// Package persistence is the durable transcript store: one mutable status
// row per session plus an append-only, timestamp-ordered log of records.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned for queries that reference an unknown session id.
var ErrNotFound = errors.New("session not found")

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusBuildingTeam    SessionStatus = "BUILDING_TEAM"
	StatusExecutingTask   SessionStatus = "EXECUTING_TASK"
	StatusWaitingForInput SessionStatus = "WAITING_FOR_INPUT"
	StatusCompleted       SessionStatus = "COMPLETED"
	StatusError           SessionStatus = "ERROR"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ValidTransition reports whether a session may move from one status to
// another. The machine is monotonic except for the EXECUTING_TASK ↔
// WAITING_FOR_INPUT alternation; ERROR is reachable from every
// non-terminal state.
func ValidTransition(from, to SessionStatus) bool {
	if to == StatusError {
		return !from.Terminal()
	}
	switch from {
	case StatusBuildingTeam:
		return to == StatusExecutingTask
	case StatusExecutingTask:
		return to == StatusWaitingForInput || to == StatusCompleted
	case StatusWaitingForInput:
		return to == StatusExecutingTask || to == StatusCompleted
	default:
		return false
	}
}

// RecordKind classifies a transcript record.
type RecordKind string

const (
	KindLog    RecordKind = "log"
	KindStatus RecordKind = "status"
	KindError  RecordKind = "error"
)

// Session is one task submission and its lifecycle state.
type Session struct {
	ID        string        `json:"id"`
	Task      string        `json:"task"`
	Model     string        `json:"model"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// LogRecord is one append-only transcript entry. The JSON shape matches
// bus.Message so viewers can merge backfill and live events.
type LogRecord struct {
	ID        int64      `json:"-"`
	SessionID string     `json:"-"`
	Kind      RecordKind `json:"type"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
}

// Store wraps the SQLite database holding sessions and transcripts.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database location under the user's home dir.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay", "taskrelay.db")
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			task       TEXT NOT NULL,
			model      TEXT NOT NULL,
			status     TEXT NOT NULL CHECK (status IN
				('BUILDING_TEAM','EXECUTING_TASK','WAITING_FOR_INPUT','COMPLETED','ERROR')),
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			kind       TEXT NOT NULL CHECK (kind IN ('log','status','error')),
			content    TEXT NOT NULL,
			ts_ns      INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_logs_order
			ON session_logs(session_id, ts_ns, id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created
			ON sessions(created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
