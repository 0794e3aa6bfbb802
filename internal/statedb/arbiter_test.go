package statedb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

func strPtr(s string) *string { return &s }

func stateEvents(t *testing.T, db *StateDB, id string) []session.EventType {
	t.Helper()
	events, err := db.RecentEvents(context.Background(), id, MaxEventLimit)
	require.NoError(t, err)
	var out []session.EventType
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type.Kind == session.EventStateChanged {
			out = append(out, events[i].Type)
		}
	}
	return out
}

func TestApplyStatePushChangesState(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	mock.Add(time.Second)
	res, err := db.ApplyState(ctx, Update{
		SessionID: s.ID,
		Method:    session.MethodPush,
		State:     session.StateWorking,
		HookType:  session.HookUserPromptSubmit,
		Payload:   json.RawMessage(`{"prompt":"hi"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Skipped)
	assert.Equal(t, session.StateIdle, res.Previous)
	assert.Equal(t, session.StateWorking, res.Session.State)
	assert.Equal(t, session.MethodPush, res.Session.DetectionMethod)

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, *res.Session, *got)
	assert.WithinDuration(t, testTime.Add(time.Second), got.UpdatedAt, 0)
	assert.WithinDuration(t, testTime.Add(time.Second), got.LastActivity, 0)

	events, err := db.RecentEvents(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, session.StateChanged(session.StateIdle, session.StateWorking), events[0].Type)
	assert.Equal(t, session.HookReceived(session.HookUserPromptSubmit), events[1].Type)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(events[1].Payload))
}

func TestApplyStateSameStateWritesNoTransition(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	for range 3 {
		mock.Add(time.Second)
		_, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPush, State: session.StateWorking})
		require.NoError(t, err)
	}
	assert.Len(t, stateEvents(t, db, s.ID), 1)

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, testTime.Add(3*time.Second), got.UpdatedAt, 0, "push confirmation renews updated_at")
}

func TestApplyStatePollSkippedWithinStalenessWindow(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	_, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPush, State: session.StateWorking})
	require.NoError(t, err)

	mock.Add(DefaultStalenessWindow - time.Millisecond)
	res, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateIdle, Snippet: strPtr("x")})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Changed)
	assert.Equal(t, session.StateWorking, res.Session.State)

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateWorking, got.State)
	assert.Empty(t, got.Snippet, "skipped poll writes nothing")

	// Once the window has passed the poll wins.
	mock.Add(time.Millisecond)
	res, err = db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateIdle})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, res.Changed)
	assert.Equal(t, session.MethodPoll, res.Session.DetectionMethod)
}

func TestApplyStatePushOverridesRecentPoll(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	mock.Add(time.Second)
	_, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateWorking})
	require.NoError(t, err)

	mock.Add(time.Millisecond)
	res, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPush, State: session.StateNeedsInput})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, session.StateNeedsInput, res.Session.State)
}

func TestApplyStatePollAfterPollNotGuarded(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	_, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateWorking})
	require.NoError(t, err)
	mock.Add(time.Millisecond)
	res, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateIdle})
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestApplyStateActivityOnly(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	mock.Add(3 * time.Second)
	res, err := db.ApplyState(ctx, Update{
		SessionID: s.ID,
		Method:    session.MethodPush,
		HookType:  session.HookSubagentStop,
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, got.State)
	assert.Equal(t, session.MethodPoll, got.DetectionMethod)
	assert.WithinDuration(t, testTime, got.UpdatedAt, 0)
	assert.WithinDuration(t, testTime.Add(3*time.Second), got.LastActivity, 0)

	events, err := db.RecentEvents(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, session.HookReceived(session.HookSubagentStop), events[0].Type)
}

func TestApplyStateSnippetChangeIsActivity(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	mock.Add(2 * time.Second)
	res, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateIdle, Snippet: strPtr("new output")})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "new output", res.Session.Snippet)
	assert.WithinDuration(t, testTime.Add(2*time.Second), res.Session.LastActivity, 0)
	assert.WithinDuration(t, testTime, res.Session.UpdatedAt, 0)

	// Same snippet again is not activity.
	mock.Add(2 * time.Second)
	res, err = db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateIdle, Snippet: strPtr("new output")})
	require.NoError(t, err)
	assert.WithinDuration(t, testTime.Add(2*time.Second), res.Session.LastActivity, 0)
}

func TestApplyStateTransitionChain(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	seq := []session.State{
		session.StateWorking,
		session.StateWorking,
		session.StateNeedsInput,
		session.StateWorking,
		session.StateIdle,
		session.StateDone,
	}
	for _, st := range seq {
		mock.Add(time.Second)
		_, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPush, State: st})
		require.NoError(t, err)
	}

	got := stateEvents(t, db, s.ID)
	require.Len(t, got, 5)
	prev := session.StateIdle
	for _, e := range got {
		assert.Equal(t, prev, e.From, "each transition starts where the last ended")
		assert.NotEqual(t, e.From, e.To)
		prev = e.To
	}
	assert.Equal(t, session.StateDone, prev)
}

func TestApplyStateErrors(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	s := mustCreate(t, db, "main:0.0", "/repo")

	_, err := db.ApplyState(ctx, Update{SessionID: "missing", Method: session.MethodPush, State: session.StateIdle})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.ApplyState(ctx, Update{SessionID: s.ID, Method: "carrier-pigeon", State: session.StateIdle})
	assert.Error(t, err)

	_, err = db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPush, State: "busy"})
	assert.Error(t, err)

	_, err = db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, HookType: "Stop"})
	assert.Error(t, err)
}

func TestWithStalenessWindow(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDB(t)
	WithStalenessWindow(time.Minute)(db)
	WithStalenessWindow(0)(db)
	assert.Equal(t, time.Minute, db.StalenessWindow())

	s := mustCreate(t, db, "main:0.0", "/repo")
	_, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPush, State: session.StateWorking})
	require.NoError(t, err)

	mock.Add(30 * time.Second)
	res, err := db.ApplyState(ctx, Update{SessionID: s.ID, Method: session.MethodPoll, State: session.StateIdle})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}
