package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/claude-admin/internal/config"
	"github.com/asheshgoplani/claude-admin/internal/daemon"
	"github.com/asheshgoplani/claude-admin/internal/ipc"
)

const (
	// sessionIDEnv pins hooks to a tracked session id. Without it the daemon
	// matches by working directory.
	sessionIDEnv = "CLAUDE_ADMIN_SESSION_ID"

	hookTimeout = 2 * time.Second
	maxHookSize = 4 * 1024 * 1024
)

// hookPayload is the part of Claude's hook JSON we route on. The full
// payload, Claude's own session_id included, travels along as the event
// data; that id never names a tracked session.
type hookPayload struct {
	HookEventName string `json:"hook_event_name"`
	Cwd           string `json:"cwd"`
}

// handleHookHandler forwards one Claude hook to the daemon. It always
// exits 0 so a stopped daemon never blocks Claude.
func handleHookHandler(args []string, stdin io.Reader) {
	fs := flag.NewFlagSet("hook-handler", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Config file")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxHookSize))
	if err != nil || len(data) == 0 {
		return
	}
	ev, err := buildHookEvent(data, time.Now())
	if err != nil {
		return
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	_, _ = forwardHook(ctx, ev, cfg.Paths.HooksSocket, cfg.Paths.SpoolDir)
}

// buildHookEvent turns a raw hook payload into the daemon's wire event.
func buildHookEvent(data []byte, now time.Time) (ipc.HookEvent, error) {
	var p hookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ipc.HookEvent{}, fmt.Errorf("decode hook payload: %w", err)
	}
	if p.HookEventName == "" {
		return ipc.HookEvent{}, errors.New("hook payload has no hook_event_name")
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if cwd != "" {
		cwd = filepath.Clean(cwd)
	}
	return ipc.HookEvent{
		Kind:      p.HookEventName,
		SessionID: strings.TrimSpace(os.Getenv(sessionIDEnv)),
		Cwd:       cwd,
		Timestamp: now.UTC(),
		Data:      json.RawMessage(data),
	}, nil
}

// forwardHook sends ev to the hooks socket. It spools the event when the
// socket cannot be dialed or the daemon replies without applying it. A
// request that was sent but never answered is not spooled: the daemon may
// already have applied it, and a replay would record it twice.
func forwardHook(ctx context.Context, ev ipc.HookEvent, socket, spoolDir string) (delivered bool, err error) {
	resp, err := ipc.NewClient(socket).Call(ctx, &ipc.Request{Type: ipc.TypeHook, Hook: &ev})
	switch {
	case err == nil && resp.Type == ipc.TypeAck:
		return true, nil
	case err != nil && !errors.Is(err, ipc.ErrDaemonNotRunning) && !errors.Is(err, ipc.ErrUnreachable):
		return false, fmt.Errorf("hook delivery unconfirmed: %w", err)
	}
	if _, serr := daemon.WriteSpool(spoolDir, ev); serr != nil {
		return false, fmt.Errorf("spool hook: %w", serr)
	}
	return false, nil
}
