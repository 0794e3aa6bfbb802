package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

func TestDiscoverCreatesAssistantSessions(t *testing.T) {
	db, clk := newTestStore(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "main:0.0", "/repo"), workingOutput)
	src.AddPane(tmux.Pane{Locator: loc(t, "main:0.1"), WorkingDir: "/repo", Command: "zsh"}, "$ ")
	d := NewDiscoverer(src, db, nil, 0)
	ctx := context.Background()

	res, err := d.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Panes)
	assert.Equal(t, 1, res.Matched)
	require.Len(t, res.Created, 1)

	s := res.Created[0]
	assert.Equal(t, "main:0.0", s.Target())
	assert.Equal(t, session.StateWorking, s.State)
	assert.Equal(t, session.MethodPoll, s.DetectionMethod)
	assert.Equal(t, "/repo", s.WorkingDir)
	assert.Equal(t, "%1", s.TmuxPaneID)
	assert.Contains(t, s.Snippet, "Reading main.go")
	assert.True(t, s.LastActivity.Equal(clk.Now()))
	assert.Equal(t, []session.EventKind{session.EventSessionDiscovered}, eventKinds(t, db, s.ID))

	// A second pass sees the session and creates nothing.
	res, err = d.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	all, err := db.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, eventKinds(t, db, s.ID), 1)
}

func TestDiscoverClassifiesWithoutIdleCredit(t *testing.T) {
	db, _ := newTestStore(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "main:0.0", "/repo"), promptOutput)

	res, err := NewDiscoverer(src, db, nil, 0).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, session.StateIdle, res.Created[0].State, "a prompt needs a quiet period before it counts")
}

func TestDiscoverSkipsFailedCapture(t *testing.T) {
	db, _ := newTestStore(t)
	src := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	src.AddPane(p, workingOutput)
	src.SetCaptureError(p.Locator, errors.New("capture timed out"))
	d := NewDiscoverer(src, db, nil, 0)

	res, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.CaptureFailures)

	src.SetCaptureError(p.Locator, nil)
	res, err = d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
}

func TestDiscoverSourceFailureIsNotAnError(t *testing.T) {
	db, _ := newTestStore(t)
	src := tmux.NewStaticSource()
	src.SetListError(tmux.ErrNoServer)

	res, err := NewDiscoverer(src, db, nil, 0).Discover(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.SourceErr, tmux.ErrNoServer)
	assert.Empty(t, res.Created)
}

func TestDiscoverRefreshesLocation(t *testing.T) {
	db, _ := newTestStore(t)
	src := tmux.NewStaticSource()
	p := claudePane(t, "main:0.0", "/repo")
	src.AddPane(p, workingOutput)
	d := NewDiscoverer(src, db, nil, 0)
	ctx := context.Background()

	_, err := d.Discover(ctx)
	require.NoError(t, err)
	before := mustGet(t, db, "main:0.0")

	p.WorkingDir = "/repo/sub"
	p.PaneID = "%7"
	src.AddPane(p, workingOutput)
	_, err = d.Discover(ctx)
	require.NoError(t, err)

	after := mustGet(t, db, "main:0.0")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "/repo/sub", after.WorkingDir)
	assert.Equal(t, "%7", after.TmuxPaneID)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "location is not a state update")
}

func TestDiscoverStoreFailure(t *testing.T) {
	db, _ := newTestStore(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "main:0.0", "/repo"), workingOutput)
	require.NoError(t, db.Close())

	_, err := NewDiscoverer(src, db, nil, 0).Discover(context.Background())
	assert.Error(t, err)
}
