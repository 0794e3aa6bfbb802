package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

const (
	// DefaultEventLimit is used when a caller passes a non-positive limit.
	DefaultEventLimit = 50
	// MaxEventLimit caps any single event query.
	MaxEventLimit = 1000
)

// ClampLimit normalizes a caller-supplied event limit into [1, MaxEventLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	}
	return limit
}

const eventColumns = `id, session_id, event_type, payload, timestamp`

// AppendEvent writes one ledger entry on its own. Used for orphaned hook
// events; entries tied to a mutation are written inside that mutation.
func (s *StateDB) AppendEvent(ctx context.Context, e session.Event) (int64, error) {
	if err := e.Type.Validate(); err != nil {
		return 0, fmt.Errorf("statedb: append event: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	var id int64
	err := s.write(ctx, "append event", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		id, err = insertEventID(ctx, tx, e)
		return err
	})
	return id, err
}

// RecentEvents returns up to limit events, newest first. An empty sessionID
// selects the whole ledger, orphans included. Events of deleted sessions are
// still returned when asked for by id.
func (s *StateDB) RecentEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	limit = ClampLimit(limit)
	if sessionID == "" {
		return s.queryEvents(ctx, "recent events",
			`SELECT `+eventColumns+` FROM events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	}
	return s.queryEvents(ctx, "recent events",
		`SELECT `+eventColumns+` FROM events WHERE session_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, sessionID, limit)
}

// OrphanEvents returns events with no owning session, newest first.
func (s *StateDB) OrphanEvents(ctx context.Context, limit int) ([]session.Event, error) {
	return s.queryEvents(ctx, "orphan events",
		`SELECT `+eventColumns+` FROM events WHERE session_id IS NULL
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, ClampLimit(limit))
}

// EventsAfter returns events with id greater than afterID in insertion order.
// Streaming consumers use it to tail the ledger.
func (s *StateDB) EventsAfter(ctx context.Context, afterID int64, limit int) ([]session.Event, error) {
	return s.queryEvents(ctx, "events after",
		`SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, ClampLimit(limit))
}

// LastEventID returns the highest ledger id, 0 when empty.
func (s *StateDB) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("statedb: last event id: %w", err)
	}
	return id.Int64, nil
}

// PruneEvents deletes ledger entries older than cutoff and reports how many
// were removed. Nothing calls this unless a retention period is configured.
func (s *StateDB) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, "prune events", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *StateDB) queryEvents(ctx context.Context, op, query string, args ...any) ([]session.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: %s: %w", op, err)
	}
	defer rows.Close()

	var result []session.Event
	for rows.Next() {
		var (
			e         session.Event
			sessionID sql.NullString
			typ       string
			payload   sql.NullString
			ts        int64
		)
		if err := rows.Scan(&e.ID, &sessionID, &typ, &payload, &ts); err != nil {
			return nil, fmt.Errorf("statedb: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(typ), &e.Type); err != nil {
			return nil, fmt.Errorf("statedb: decode event %d type: %w", e.ID, err)
		}
		e.SessionID = sessionID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Timestamp = fromMillis(ts)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: %s: %w", op, err)
	}
	return result, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e session.Event) error {
	_, err := insertEventID(ctx, tx, e)
	return err
}

func insertEventID(ctx context.Context, tx *sql.Tx, e session.Event) (int64, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return 0, fmt.Errorf("encode event type: %w", err)
	}
	var sessionID, payload any
	if e.SessionID != "" {
		sessionID = e.SessionID
	}
	if len(e.Payload) > 0 {
		if !json.Valid(e.Payload) {
			return 0, fmt.Errorf("event payload is not valid JSON")
		}
		payload = string(e.Payload)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, kind, event_type, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(e.Type.Kind), string(typ), payload, toMillis(e.Timestamp))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
