package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asheshgoplani/claude-admin/internal/config"
	"github.com/asheshgoplani/claude-admin/internal/ipc"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

type runningDaemon struct {
	d     *Daemon
	clk   *clock.Mock
	query *ipc.Client
	hooks *ipc.Client
	stop  func() error
}

func startDaemon(t *testing.T, cfg *config.Config, src tmux.Source) *runningDaemon {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testTime)
	d, err := New(Options{Config: cfg, Source: src, Clock: clk, Version: "v-test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon not ready")
	}

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })

	return &runningDaemon{
		d:     d,
		clk:   clk,
		query: ipc.NewClient(cfg.Paths.QuerySocket),
		hooks: ipc.NewClient(cfg.Paths.HooksSocket),
		stop:  stop,
	}
}

func (r *runningDaemon) call(t *testing.T, req *ipc.Request) *ipc.Response {
	t.Helper()
	resp, err := r.query.Call(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (r *runningDaemon) hook(t *testing.T, ev ipc.HookEvent) *ipc.Response {
	t.Helper()
	resp, err := r.hooks.Call(context.Background(), &ipc.Request{Type: ipc.TypeHook, Hook: &ev})
	require.NoError(t, err)
	require.Equal(t, ipc.TypeAck, resp.Type, resp.Message)
	return resp
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	src := tmux.NewStaticSource()
	pane := claudePane(t, "dev:1.0", "/work/api")
	src.AddPane(pane, workingOutput)
	src.AddPane(tmux.Pane{Locator: loc(t, "dev:1.1"), WorkingDir: "/work/api", Command: "zsh"}, "$ ")
	r := startDaemon(t, cfg, src)

	pong, err := r.query.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v-test", pong.Version)
	_, err = r.hooks.Ping(context.Background())
	require.NoError(t, err)

	// The first tick runs at startup and discovers the Claude pane only.
	var sess *session.Session
	require.Eventually(t, func() bool {
		resp := r.call(t, &ipc.Request{Type: ipc.TypeListSessions})
		if len(resp.Sessions) != 1 {
			return false
		}
		sess = resp.Sessions[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "dev:1.0", sess.Target())
	assert.Equal(t, session.StateWorking, sess.State)
	assert.Equal(t, session.MethodPoll, sess.DetectionMethod)

	// A permission hook resolves by working directory and wins immediately.
	ack := r.hook(t, ipc.HookEvent{Kind: session.HookPermissionRequest, Cwd: "/work/api", Timestamp: r.clk.Now()})
	assert.Equal(t, sess.ID, ack.SessionID)
	assert.True(t, ack.Changed)

	resp := r.call(t, &ipc.Request{Type: ipc.TypeGetSessionByLocator, Locator: "dev:1.0"})
	require.Equal(t, ipc.TypeSession, resp.Type)
	assert.Equal(t, session.StateNeedsInput, resp.Session.State)
	assert.Equal(t, session.MethodPush, resp.Session.DetectionMethod)

	// A hook from nowhere is kept but creates nothing.
	ack = r.hook(t, ipc.HookEvent{Kind: session.HookStop, Cwd: "/tmp/scratch"})
	assert.True(t, ack.Orphan)

	// The pane closes; the next tick removes the session.
	src.RemovePane(pane.Locator)
	r.clk.Add(cfg.Daemon.PollInterval.Duration)
	require.Eventually(t, func() bool {
		return r.call(t, &ipc.Request{Type: ipc.TypeGetSession, ID: sess.ID}).Type == ipc.TypeNotFound
	}, 5*time.Second, 10*time.Millisecond)

	resp = r.call(t, &ipc.Request{Type: ipc.TypeRecentEvents, SessionID: sess.ID})
	require.Equal(t, ipc.TypeEvents, resp.Type)
	var kinds []session.EventKind
	for i := len(resp.Events) - 1; i >= 0; i-- {
		kinds = append(kinds, resp.Events[i].Type.Kind)
	}
	want := []session.EventKind{
		session.EventSessionDiscovered,
		session.EventHookReceived,
		session.EventStateChanged,
		session.EventSessionRemoved,
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, r.stop())
	for _, p := range []string{cfg.Paths.QuerySocket, cfg.Paths.HooksSocket, cfg.Paths.PIDFile} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s left behind", filepath.Base(p))
	}
	_, err = r.query.Ping(context.Background())
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}

func TestDaemonIngestsSpooledHooks(t *testing.T) {
	cfg := testConfig(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "dev:0.0", "/work/web"), workingOutput)
	r := startDaemon(t, cfg, src)

	require.Eventually(t, func() bool {
		return len(r.call(t, &ipc.Request{Type: ipc.TypeListSessions}).Sessions) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := WriteSpool(cfg.Paths.SpoolDir, ipc.HookEvent{Kind: session.HookSessionEnd, Cwd: "/work/web", Timestamp: r.clk.Now()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp := r.call(t, &ipc.Request{Type: ipc.TypeGetSessionByLocator, Locator: "dev:0.0"})
		return resp.Session != nil && resp.Session.State == session.StateDone
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonSurvivesPaneSourceOutage(t *testing.T) {
	cfg := testConfig(t)
	src := tmux.NewStaticSource()
	src.AddPane(claudePane(t, "dev:0.0", "/work/cli"), workingOutput)
	r := startDaemon(t, cfg, src)

	require.Eventually(t, func() bool {
		return len(r.call(t, &ipc.Request{Type: ipc.TypeListSessions}).Sessions) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return r.d.sched.LastTick().Equal(testTime) }, 5*time.Second, 10*time.Millisecond)

	src.SetListError(tmux.ErrNoServer)
	r.clk.Add(cfg.Daemon.PollInterval.Duration)
	next := testTime.Add(cfg.Daemon.PollInterval.Duration)
	require.Eventually(t, func() bool { return r.d.sched.LastTick().Equal(next) }, 5*time.Second, 10*time.Millisecond)

	// Nothing was removed, and pushes still work.
	ack := r.hook(t, ipc.HookEvent{Kind: session.HookStop, Cwd: "/work/cli"})
	assert.NotEmpty(t, ack.SessionID)
	assert.Len(t, r.call(t, &ipc.Request{Type: ipc.TypeListSessions}).Sessions, 1)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Daemon.CaptureLines = 0
	_, err = New(Options{Config: cfg, Source: tmux.NewStaticSource()})
	assert.Error(t, err)
}

func TestNewSourceFromFixture(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tmux.Fixture = filepath.Join(t.TempDir(), "panes.yaml")
	require.NoError(t, os.WriteFile(cfg.Tmux.Fixture, []byte("panes:\n  - target: a:0\n    command: claude\n"), 0o600))

	src, err := NewSource(cfg)
	require.NoError(t, err)
	panes, err := src.ListPanes(context.Background())
	require.NoError(t, err)
	require.Len(t, panes, 1)
	assert.True(t, panes[0].Assistant)

	cfg.Tmux.Fixture = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = NewSource(cfg)
	assert.Error(t, err)
}

func TestNewClassifierUsesConfiguredPatterns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Classifier.Done = []string{"re:(?m)^bye now$"}
	cls := NewClassifier(cfg)
	assert.Equal(t, session.StateDone, cls.Classify("working...\nbye now", 0))
	assert.Equal(t, session.StateDone, cls.Classify("Goodbye", 0), "built-ins stay")
}
