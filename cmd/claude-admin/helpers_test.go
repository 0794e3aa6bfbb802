package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-admin/internal/ipc"
)

// serveFake runs an ipc server with h on a temp socket and returns its path.
func serveFake(t *testing.T, h ipc.HandlerFunc) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake.sock")
	srv, err := ipc.Listen(path, "test", h, ipc.WithVersion("v-test"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("fake server did not stop")
		}
	})
	return path
}
