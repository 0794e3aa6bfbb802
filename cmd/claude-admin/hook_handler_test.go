package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/config"
	"github.com/asheshgoplani/claude-admin/internal/ipc"
)

var hookTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const stopPayload = `{"session_id":"c1a2","transcript_path":"/t.jsonl","cwd":"/repo/app/","hook_event_name":"Stop","stop_hook_active":false}`

func TestBuildHookEvent(t *testing.T) {
	t.Setenv(sessionIDEnv, "")

	ev, err := buildHookEvent([]byte(stopPayload), hookTime)
	require.NoError(t, err)
	assert.Equal(t, "Stop", ev.Kind)
	assert.Empty(t, ev.SessionID, "claude's own id is not a tracked session id")
	assert.Equal(t, "/repo/app", ev.Cwd, "cwd is cleaned")
	assert.Equal(t, hookTime, ev.Timestamp)
	assert.JSONEq(t, stopPayload, string(ev.Data), "full payload travels as data")
}

func TestBuildHookEventPinnedSession(t *testing.T) {
	t.Setenv(sessionIDEnv, "tracked-id")

	ev, err := buildHookEvent([]byte(stopPayload), hookTime)
	require.NoError(t, err)
	assert.Equal(t, "tracked-id", ev.SessionID)
}

func TestBuildHookEventErrors(t *testing.T) {
	_, err := buildHookEvent([]byte(`not json`), hookTime)
	assert.Error(t, err)

	_, err = buildHookEvent([]byte(`{"cwd":"/repo"}`), hookTime)
	assert.ErrorContains(t, err, "hook_event_name")
}

func TestBuildHookEventDefaultsCwd(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	ev, err := buildHookEvent([]byte(`{"hook_event_name":"Notification"}`), hookTime)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(wd), ev.Cwd)
}

func TestForwardHookDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []ipc.HookEvent
	sock := serveFake(t, func(_ context.Context, req *ipc.Request) *ipc.Response {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, *req.Hook)
		return &ipc.Response{Type: ipc.TypeAck, SessionID: "s1"}
	})
	spool := filepath.Join(t.TempDir(), "spool")

	ev, err := buildHookEvent([]byte(stopPayload), hookTime)
	require.NoError(t, err)
	delivered, err := forwardHook(context.Background(), ev, sock, spool)
	require.NoError(t, err)
	assert.True(t, delivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "Stop", got[0].Kind)
	assert.Equal(t, "/repo/app", got[0].Cwd)
	assert.NoDirExists(t, spool, "nothing spooled")
}

func TestForwardHookSpoolsWhenDaemonDown(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "spool")

	ev, err := buildHookEvent([]byte(stopPayload), hookTime)
	require.NoError(t, err)
	delivered, err := forwardHook(context.Background(), ev, filepath.Join(dir, "missing.sock"), spool)
	require.NoError(t, err)
	assert.False(t, delivered)

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))

	data, err := os.ReadFile(filepath.Join(spool, entries[0].Name()))
	require.NoError(t, err)
	var spooled ipc.HookEvent
	require.NoError(t, json.Unmarshal(data, &spooled))
	assert.Equal(t, "Stop", spooled.Kind)
	assert.True(t, hookTime.Equal(spooled.Timestamp))
}

func TestForwardHookSpoolsOnErrorReply(t *testing.T) {
	sock := serveFake(t, func(context.Context, *ipc.Request) *ipc.Response {
		return ipc.ErrorResponse("store unavailable")
	})
	spool := filepath.Join(t.TempDir(), "spool")

	ev, err := buildHookEvent([]byte(stopPayload), hookTime)
	require.NoError(t, err)
	delivered, err := forwardHook(context.Background(), ev, sock, spool)
	require.NoError(t, err)
	assert.False(t, delivered)

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestForwardHookDoesNotSpoolUnansweredHook(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	applied := 0
	sock := serveFake(t, func(context.Context, *ipc.Request) *ipc.Response {
		mu.Lock()
		applied++
		mu.Unlock()
		<-release
		return &ipc.Response{Type: ipc.TypeAck}
	})
	t.Cleanup(func() { close(release) })
	spool := filepath.Join(t.TempDir(), "spool")

	ev, err := buildHookEvent([]byte(stopPayload), hookTime)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	delivered, err := forwardHook(ctx, ev, sock, spool)
	assert.False(t, delivered)
	assert.ErrorContains(t, err, "unconfirmed")

	mu.Lock()
	assert.Equal(t, 1, applied, "the daemon received the hook")
	mu.Unlock()
	_, err = os.Stat(spool)
	assert.True(t, os.IsNotExist(err), "nothing spooled for replay")
}

func TestHandleHookHandlerSpoolsWithoutDaemon(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.HomeEnv, home)

	handleHookHandler(nil, strings.NewReader(stopPayload))

	entries, err := os.ReadDir(filepath.Join(home, "spool"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandleHookHandlerIgnoresGarbage(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.HomeEnv, home)

	handleHookHandler(nil, strings.NewReader(""))
	handleHookHandler(nil, strings.NewReader("{"))
	handleHookHandler([]string{"--bogus"}, strings.NewReader(stopPayload))

	assert.NoDirExists(t, filepath.Join(home, "spool"))
}
