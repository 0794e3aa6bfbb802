package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

var testTime = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

const (
	workingOutput = "Tool: Read\nReading main.go..."
	promptOutput  = "Approve? (y/n)"
)

func newTestStore(t *testing.T) (*statedb.StateDB, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testTime)
	db, err := statedb.Open(filepath.Join(t.TempDir(), "sessions.db"), statedb.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db, clk
}

func loc(t *testing.T, target string) session.Locator {
	t.Helper()
	l, err := session.ParseLocator(target)
	require.NoError(t, err)
	return l
}

func claudePane(t *testing.T, target, dir string) tmux.Pane {
	t.Helper()
	return tmux.Pane{Locator: loc(t, target), PaneID: "%1", WorkingDir: dir, Command: "claude", Assistant: true}
}

func newTestScheduler(t *testing.T, src tmux.Source, db *statedb.StateDB, clk clock.Clock) *Scheduler {
	t.Helper()
	return NewScheduler(src, db, nil, SchedulerOptions{Clock: clk})
}

func mustGet(t *testing.T, db *statedb.StateDB, target string) *session.Session {
	t.Helper()
	s, err := db.GetSessionByLocator(context.Background(), loc(t, target))
	require.NoError(t, err)
	return s
}

func eventKinds(t *testing.T, db *statedb.StateDB, sessionID string) []session.EventKind {
	t.Helper()
	events, err := db.RecentEvents(context.Background(), sessionID, statedb.MaxEventLimit)
	require.NoError(t, err)
	kinds := make([]session.EventKind, 0, len(events))
	// Oldest first reads better in assertions.
	for i := len(events) - 1; i >= 0; i-- {
		kinds = append(kinds, events[i].Type.Kind)
	}
	return kinds
}

// unknownLiveness answers every probe with Unknown while still listing panes,
// like a tmux server whose confirming listing fails.
type unknownLiveness struct {
	*tmux.StaticSource
}

func (unknownLiveness) Liveness(context.Context, session.Locator) tmux.Liveness {
	return tmux.Unknown
}
