package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

// NewSession describes a session found by discovery.
type NewSession struct {
	Locator    session.Locator
	TmuxPaneID string
	WorkingDir string
	State      session.State
	Snippet    string
}

const sessionColumns = `id, tmux_session, window_index, pane_index, tmux_pane_id, working_dir,
	state, detection_method, snippet, last_activity, created_at, updated_at`

// CreateSession inserts a poll-detected session together with its
// session_discovered event. If the locator is already tracked nothing is
// written and the existing row is returned with created=false, so two
// concurrent scans can never produce two rows for one pane.
func (s *StateDB) CreateSession(ctx context.Context, ns NewSession) (*session.Session, bool, error) {
	if ns.Locator.IsZero() {
		return nil, false, fmt.Errorf("statedb: create session: empty locator")
	}
	if ns.State == "" {
		ns.State = session.StateIdle
	}
	if !ns.State.Valid() {
		return nil, false, fmt.Errorf("statedb: create session: invalid state %q", ns.State)
	}

	var (
		out     *session.Session
		created bool
	)
	err := s.write(ctx, "create session", func(ctx context.Context, tx *sql.Tx) error {
		now := s.now()
		id := s.newID()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tmux_session, window_index, pane_index) DO NOTHING`,
			id, ns.Locator.Session, ns.Locator.Window, ns.Locator.Pane, ns.TmuxPaneID, ns.WorkingDir,
			string(ns.State), string(session.MethodPoll), ns.Snippet,
			toMillis(now), toMillis(now), toMillis(now),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			created = true
			if err := insertEvent(ctx, tx, session.NewEvent(id, session.Discovered(), nil, now)); err != nil {
				return err
			}
		}
		out, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE tmux_session = ? AND window_index = ? AND pane_index = ?`,
			ns.Locator.Session, ns.Locator.Window, ns.Locator.Pane))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetSession loads a session by id.
func (s *StateDB) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, wrapRead("get session", err)
	}
	return sess, nil
}

// GetSessionByLocator loads the session tracked at a pane locator.
func (s *StateDB) GetSessionByLocator(ctx context.Context, loc session.Locator) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tmux_session = ? AND window_index = ? AND pane_index = ?`,
		loc.Session, loc.Window, loc.Pane))
	if err != nil {
		return nil, wrapRead("get session by locator", err)
	}
	return sess, nil
}

// FindByWorkingDir returns the most recently updated session running in dir.
// Several sessions may share a directory; the freshest one wins.
func (s *StateDB) FindByWorkingDir(ctx context.Context, dir string) (*session.Session, error) {
	if dir == "" {
		return nil, ErrNotFound
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE working_dir = ?
		 ORDER BY updated_at DESC, created_at DESC
		 LIMIT 1`, dir))
	if err != nil {
		return nil, wrapRead("find by working dir", err)
	}
	return sess, nil
}

// ListSessions returns every tracked session, newest first.
func (s *StateDB) ListSessions(ctx context.Context) ([]*session.Session, error) {
	return s.querySessions(ctx, "list sessions",
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
}

// ListByState returns sessions currently in state, newest first.
func (s *StateDB) ListByState(ctx context.Context, state session.State) ([]*session.Session, error) {
	return s.querySessions(ctx, "list by state",
		`SELECT `+sessionColumns+` FROM sessions WHERE state = ? ORDER BY created_at DESC, id`,
		string(state))
}

// ListStale returns sessions whose last state update is older than before.
func (s *StateDB) ListStale(ctx context.Context, before time.Time) ([]*session.Session, error) {
	return s.querySessions(ctx, "list stale",
		`SELECT `+sessionColumns+` FROM sessions WHERE updated_at < ? ORDER BY updated_at`,
		toMillis(before))
}

// CountByState returns the number of sessions per state. Every known state
// is present in the result, zero when unused.
func (s *StateDB) CountByState(ctx context.Context) (map[session.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sessions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("statedb: count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[session.State]int, len(session.States))
	for _, st := range session.States {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("statedb: scan count: %w", err)
		}
		counts[session.State(state)] = n
	}
	return counts, rows.Err()
}

// DeleteSession removes a session and records session_removed in the same
// transaction. The session's earlier events stay in the ledger. Returns
// false if the id was already gone.
func (s *StateDB) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.write(ctx, "delete session", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return insertEvent(ctx, tx, session.NewEvent(id, session.Removed(), nil, s.now()))
	})
	return deleted, err
}

func (s *StateDB) querySessions(ctx context.Context, op, query string, args ...any) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: %s: %w", op, err)
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: %s: %w", op, err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: %s: %w", op, err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess                  session.Session
		state, method         string
		lastAct, created, upd int64
	)
	if err := row.Scan(
		&sess.ID, &sess.Locator.Session, &sess.Locator.Window, &sess.Locator.Pane,
		&sess.TmuxPaneID, &sess.WorkingDir, &state, &method, &sess.Snippet,
		&lastAct, &created, &upd,
	); err != nil {
		return nil, err
	}
	sess.State = session.State(state)
	sess.DetectionMethod = session.DetectionMethod(method)
	sess.LastActivity = fromMillis(lastAct)
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(upd)
	return &sess, nil
}

func wrapRead(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("statedb: %s: %w", op, err)
}
