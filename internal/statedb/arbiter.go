package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

// Update is one proposed change to a session, tagged with its source.
type Update struct {
	SessionID string
	Method    session.DetectionMethod

	// State is the proposed state. Empty means the signal carried no state
	// and only refreshes the activity timestamp.
	State session.State

	// Snippet, when non-nil, replaces the stored output tail. A changed
	// snippet counts as activity.
	Snippet *string

	// HookType and Payload are recorded as a hook_received event in the
	// same transaction. Push only.
	HookType string
	Payload  json.RawMessage
}

// Result describes what ApplyState did.
type Result struct {
	Session  *session.Session
	Previous session.State
	Changed  bool
	// Skipped is set when a poll update lost to a recent push.
	Skipped bool
}

// ApplyState is the only path that changes a session's state. Push updates
// always apply. A poll update is dropped when the session's state was set by
// push less than the staleness window ago. A change writes state_changed in
// the same transaction; a repeated state writes no transition.
func (s *StateDB) ApplyState(ctx context.Context, u Update) (Result, error) {
	if !u.Method.Valid() {
		return Result{}, fmt.Errorf("statedb: apply state: invalid method %q", u.Method)
	}
	if u.State != "" && !u.State.Valid() {
		return Result{}, fmt.Errorf("statedb: apply state: invalid state %q", u.State)
	}
	if u.HookType != "" && u.Method != session.MethodPush {
		return Result{}, fmt.Errorf("statedb: apply state: hook %q on a %s update", u.HookType, u.Method)
	}

	var res Result
	err := s.write(ctx, "apply state", func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, u.SessionID))
		if err != nil {
			return wrapRead("apply state", err)
		}
		now := s.now()
		res.Previous = cur.State

		if u.Method == session.MethodPoll &&
			cur.DetectionMethod == session.MethodPush &&
			now.Sub(cur.UpdatedAt) < s.staleness {
			res.Skipped = true
			res.Session = cur
			return nil
		}

		if u.HookType != "" {
			ev := session.NewEvent(cur.ID, session.HookReceived(u.HookType), u.Payload, now)
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}

		next := *cur
		if u.Snippet != nil && *u.Snippet != cur.Snippet {
			next.Snippet = *u.Snippet
			next.LastActivity = now
		}

		switch {
		case u.State == "":
			if u.Method == session.MethodPush {
				next.LastActivity = now
			}
		case u.State != cur.State:
			next.State = u.State
			next.DetectionMethod = u.Method
			next.UpdatedAt = now
			next.LastActivity = now
			res.Changed = true
			ev := session.NewEvent(cur.ID, session.StateChanged(cur.State, u.State), nil, now)
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		case u.Method == session.MethodPush:
			// Same state confirmed by push: renew its protection window.
			next.DetectionMethod = session.MethodPush
			next.UpdatedAt = now
			next.LastActivity = now
		}

		if next != *cur {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions
				SET state = ?, detection_method = ?, snippet = ?,
				    last_activity = ?, updated_at = ?
				WHERE id = ?`,
				string(next.State), string(next.DetectionMethod), next.Snippet,
				toMillis(next.LastActivity), toMillis(next.UpdatedAt), cur.ID,
			); err != nil {
				return err
			}
		}
		res.Session = &next
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// UpdateLocation refreshes the pane id and working directory discovery
// observed for a tracked session. It is not a state change.
func (s *StateDB) UpdateLocation(ctx context.Context, id, paneID, workingDir string) error {
	return s.write(ctx, "update location", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET tmux_pane_id = ?, working_dir = ? WHERE id = ?`,
			paneID, workingDir, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
