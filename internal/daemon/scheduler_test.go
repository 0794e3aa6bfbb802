package daemon

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

func TestTickCleanupRemovesAbsentPane(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	src.AddPane(p, workingOutput)
	s := newTestScheduler(t, src, db, clk)
	ctx := context.Background()

	stats, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Discovery.Created, 1)
	id := stats.Discovery.Created[0].ID

	src.RemovePane(p.Locator)
	stats, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	_, err = db.GetSession(ctx, id)
	assert.ErrorIs(t, err, statedb.ErrNotFound)
	assert.Equal(t, []session.EventKind{session.EventSessionDiscovered, session.EventSessionRemoved},
		eventKinds(t, db, id), "history outlives the session")
}

// scriptedTmux serves list-panes from a mutable listing and fails every
// other command the way gotmux does, without tmux's stderr.
type scriptedTmux struct {
	mu      sync.Mutex
	listing string
}

func (f *scriptedTmux) set(listing string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = listing
}

func (f *scriptedTmux) Command(args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch args[0] {
	case "list-panes":
		return f.listing, nil
	case "capture-pane":
		return workingOutput, nil
	}
	return "", errors.New("failed to run command")
}

func TestTickCleanupRemovesKilledTmuxSession(t *testing.T) {
	db, clk := newTestStore(t)
	sock := filepath.Join(t.TempDir(), "tmux.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	fake := &scriptedTmux{listing: "keep\t0\t0\t%0\t/k\tzsh\t10\n" +
		"main\t0\t0\t%1\t/repo\tclaude\t11\n"}
	src := tmux.NewAdapter(tmux.Options{
		Socket:      sock,
		Commander:   fake,
		CaptureRate: 1000,
		Signature:   tmux.NewSignature(nil, nil, nil),
	})
	s := newTestScheduler(t, src, db, clk)
	ctx := context.Background()

	stats, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Discovery.Created, 1)
	id := stats.Discovery.Created[0].ID

	// tmux kill-session -t main
	fake.set("keep\t0\t0\t%0\t/k\tzsh\t10\n")
	stats, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	_, err = db.GetSession(ctx, id)
	assert.ErrorIs(t, err, statedb.ErrNotFound)
	assert.Equal(t, []session.EventKind{session.EventSessionDiscovered, session.EventSessionRemoved},
		eventKinds(t, db, id))
}

func TestTickCleanupKeepsSessionsWhenEnumerationFails(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	src.AddPane(p, workingOutput)
	s := newTestScheduler(t, src, db, clk)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	src.RemovePane(p.Locator)
	src.SetListError(tmux.ErrNoServer)
	stats, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)
	assert.ErrorIs(t, stats.Discovery.SourceErr, tmux.ErrNoServer)
	mustGet(t, db, "main:0.0")
}

func TestTickCleanupKeepsSessionsWithUnknownLiveness(t *testing.T) {
	db, clk := newTestStore(t)
	static := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	static.AddPane(p, workingOutput)
	s := newTestScheduler(t, unknownLiveness{static}, db, clk)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	// Missing from the listing, but the direct probe cannot confirm it.
	static.RemovePane(p.Locator)
	stats, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)
	mustGet(t, db, "main:0.0")
}

func TestTickStaleRefreshIdleGate(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "main:0.0", "/repo"), promptOutput)
	s := newTestScheduler(t, src, db, clk)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, mustGet(t, db, "main:0.0").State)

	// Not yet stale: nothing is re-captured.
	clk.Add(4 * time.Second)
	stats, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Refreshed)
	assert.Equal(t, session.StateIdle, mustGet(t, db, "main:0.0").State)

	// Stale and quiet past the idle threshold: the prompt now counts.
	clk.Add(7 * time.Second)
	stats, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Refreshed)

	got := mustGet(t, db, "main:0.0")
	assert.Equal(t, session.StateNeedsInput, got.State)
	assert.Equal(t, session.MethodPoll, got.DetectionMethod)
	assert.True(t, got.UpdatedAt.Equal(clk.Now()))

	events, err := db.RecentEvents(ctx, got.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, session.StateChanged(session.StateIdle, session.StateNeedsInput), events[0].Type)
}

func TestTickStaleRefreshChangedOutputIsActivity(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	src.AddPane(p, workingOutput)
	s := newTestScheduler(t, src, db, clk)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	// Same classification, new text: activity moves, state does not.
	clk.Add(11 * time.Second)
	src.SetOutput(p.Locator, "Tool: Write\nWriting main_test.go...")
	stats, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Refreshed)

	got := mustGet(t, db, "main:0.0")
	assert.Equal(t, session.StateWorking, got.State)
	assert.True(t, got.LastActivity.Equal(clk.Now()))
	assert.True(t, got.UpdatedAt.Equal(testTime))
	assert.Contains(t, got.Snippet, "main_test.go")
	assert.Len(t, eventKinds(t, db, got.ID), 1)

	// A prompt that just appeared is fresh output, not a quiet prompt.
	clk.Add(11 * time.Second)
	src.SetOutput(p.Locator, promptOutput)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, mustGet(t, db, "main:0.0").State)
}

func TestTickPushStateSurvivesPollWithinWindow(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	src.AddPane(p, workingOutput)
	s := newTestScheduler(t, src, db, clk)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)
	sess := mustGet(t, db, "main:0.0")

	clk.Add(20 * time.Second)
	_, err = db.ApplyState(ctx, statedb.Update{
		SessionID: sess.ID, Method: session.MethodPush, State: session.StateNeedsInput, HookType: session.HookPermissionRequest,
	})
	require.NoError(t, err)

	// The pane still shows tool output, which the poll would call working.
	clk.Add(5 * time.Second)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	got := mustGet(t, db, "main:0.0")
	assert.Equal(t, session.StateNeedsInput, got.State)
	assert.Equal(t, session.MethodPush, got.DetectionMethod)

	// Once the window has passed the poll may correct it.
	clk.Add(6 * time.Second)
	src.SetOutput(p.Locator, "Goodbye")
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	got = mustGet(t, db, "main:0.0")
	assert.Equal(t, session.StateDone, got.State)
	assert.Equal(t, session.MethodPoll, got.DetectionMethod)
}

func TestTickPrunesOldEvents(t *testing.T) {
	db, clk := newTestStore(t)
	ctx := context.Background()
	_, err := db.AppendEvent(ctx, session.NewEvent("", session.HookReceived("Stop"), nil, testTime.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = db.AppendEvent(ctx, session.NewEvent("", session.HookReceived("Stop"), nil, testTime.Add(-time.Minute)))
	require.NoError(t, err)

	s := NewScheduler(tmux.NewStaticSource(), db, nil, SchedulerOptions{Clock: clk, EventRetention: time.Hour})
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	events, err := db.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunTickStopsAfterConsecutiveStoreFailures(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "main:0.0", "/repo"), workingOutput)
	s := NewScheduler(src, db, nil, SchedulerOptions{Clock: clk, MaxStoreFailures: 3})
	ctx := context.Background()

	require.NoError(t, s.runTick(ctx))
	assert.Zero(t, s.failures)

	require.NoError(t, db.Close())
	require.NoError(t, s.runTick(ctx))
	require.NoError(t, s.runTick(ctx))
	err := s.runTick(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 3, s.failures)
}

func TestRunTickIgnoresErrorsAfterCancel(t *testing.T) {
	db, clk := newTestStore(t)
	s := NewScheduler(tmux.NewStaticSource(), db, nil, SchedulerOptions{Clock: clk, MaxStoreFailures: 1})
	require.NoError(t, db.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.runTick(ctx))
	assert.Zero(t, s.failures)
}

func TestSchedulerRun(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	s := newTestScheduler(t, src, db, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// First tick runs immediately.
	require.Eventually(t, func() bool { return !s.LastTick().IsZero() }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, s.LastTick().Equal(testTime))

	src.AddPane(claudePane(t, "main:0.0", "/repo"), workingOutput)
	clk.Add(DefaultPollInterval)
	require.Eventually(t, func() bool {
		_, err := db.GetSessionByLocator(context.Background(), loc(t, "main:0.0"))
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
