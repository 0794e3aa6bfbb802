// Package statedb is the durable session store: the sessions table, the
// append-only events ledger, and the single mutation entry point that
// arbitrates between push and poll updates.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// DefaultStalenessWindow protects a push-set state from poll overwrites.
const DefaultStalenessWindow = 10 * time.Second

// ErrNotFound is returned when a session id or locator does not resolve.
var ErrNotFound = errors.New("statedb: not found")

// StateDB wraps the SQLite database. All mutations are serialized by an
// internal write lock and each runs in one transaction together with the
// ledger rows it produces. Reads run concurrently.
type StateDB struct {
	db    *sql.DB
	path  string
	clock clock.Clock
	newID func() string

	staleness time.Duration

	// wmu is the single-writer lock. Readers never take it.
	wmu    sync.Mutex
	closed bool
}

// Option customizes Open.
type Option func(*StateDB)

// WithClock injects the clock used for all timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *StateDB) { s.clock = c }
}

// WithIDGenerator replaces uuid.NewString for session ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *StateDB) { s.newID = fn }
}

// WithStalenessWindow sets how long a push-set state is protected from poll updates.
func WithStalenessWindow(d time.Duration) Option {
	return func(s *StateDB) {
		if d > 0 {
			s.staleness = d
		}
	}
}

// Open creates or opens the database at dbPath with WAL journaling, full
// fsync on commit and a busy timeout, so a crash never leaves a half-applied
// mutation behind.
func Open(dbPath string, opts ...Option) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + dbPath + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}
	if mode != "wal" {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: journal_mode is %q", mode)
	}

	s := &StateDB{
		db:        db,
		path:      dbPath,
		clock:     clock.New(),
		newID:     uuid.NewString,
		staleness: DefaultStalenessWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database. Writes in flight finish
// first; later writes fail.
func (s *StateDB) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB (tests and diagnostics).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *StateDB) Path() string {
	return s.path
}

// StalenessWindow returns the configured push protection window.
func (s *StateDB) StalenessWindow() time.Duration {
	return s.staleness
}

// Now returns the store's notion of the current time.
func (s *StateDB) Now() time.Time {
	return s.now()
}

// Migrate creates tables and indexes if they don't exist.
func (s *StateDB) Migrate() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		// Timestamps are unix milliseconds.
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id               TEXT PRIMARY KEY,
				tmux_session     TEXT NOT NULL,
				window_index     INTEGER NOT NULL,
				pane_index       INTEGER NOT NULL,
				tmux_pane_id     TEXT NOT NULL DEFAULT '',
				working_dir      TEXT NOT NULL DEFAULT '',
				state            TEXT NOT NULL DEFAULT 'idle',
				detection_method TEXT NOT NULL DEFAULT 'poll',
				snippet          TEXT NOT NULL DEFAULT '',
				last_activity    INTEGER NOT NULL,
				created_at       INTEGER NOT NULL,
				updated_at       INTEGER NOT NULL,
				UNIQUE (tmux_session, window_index, pane_index)
			)`},
		{"idx_sessions_state", `CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`},
		{"idx_sessions_working_dir", `CREATE INDEX IF NOT EXISTS idx_sessions_working_dir ON sessions(working_dir, updated_at)`},
		// session_id has no foreign key: ledger rows outlive their session,
		// and orphaned hook events have none.
		{"events", `
			CREATE TABLE IF NOT EXISTS events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT,
				kind       TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload    TEXT,
				timestamp  INTEGER NOT NULL
			)`},
		{"idx_events_session_id", `CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, timestamp)`},
		{"idx_events_timestamp", `CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// SetMeta writes a metadata key.
func (s *StateDB) SetMeta(ctx context.Context, key, value string) error {
	return s.write(ctx, "set meta", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
		return err
	})
}

// GetMeta reads a metadata key; a missing key returns "".
func (s *StateDB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("statedb: get meta: %w", err)
	}
	return value, nil
}

// write runs fn in one transaction under the write lock. A context that is
// already done prevents the write from starting; once started, the
// transaction is committed or rolled back as a whole.
func (s *StateDB) write(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.closed {
		return fmt.Errorf("statedb: %s: %w", op, sql.ErrConnDone)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("statedb: %s: %w", op, err)
	}

	// Cancellation after this point must not abort a write half way.
	wctx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(wctx, nil)
	if err != nil {
		return fmt.Errorf("statedb: begin %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(wctx, tx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("statedb: %s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit %s: %w", op, err)
	}
	return nil
}

// now returns the clock time at the storage precision, so values handed back
// from a mutation compare equal to the same row read later.
func (s *StateDB) now() time.Time {
	return fromMillis(toMillis(s.clock.Now()))
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
