package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/asheshgoplani/claude-admin/internal/ipc"
	"github.com/asheshgoplani/claude-admin/internal/logging"
)

var spoolLog = logging.ForComponent(logging.CompSpool)

const (
	spoolExt      = ".json"
	badSuffix     = ".bad"
	spoolDebounce = 100 * time.Millisecond
)

// WriteSpool stores a hook for later ingestion when the daemon's socket is
// unreachable. Names sort by hook time so the spool replays in order.
func WriteSpool(dir string, ev ipc.HookEvent) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("daemon: create spool dir: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("daemon: encode spool entry: %w", err)
	}
	name := fmt.Sprintf("%019d-%s%s", ts.UnixNano(), uuid.NewString()[:8], spoolExt)
	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("daemon: write spool entry: %w", err)
	}
	return path, nil
}

// SpoolWatcher feeds spooled hook files into the ingress, oldest first, and
// deletes each one once it is applied.
type SpoolWatcher struct {
	dir     string
	ingress *Ingress
}

// NewSpoolWatcher watches dir.
func NewSpoolWatcher(dir string, ingress *Ingress) *SpoolWatcher {
	return &SpoolWatcher{dir: dir, ingress: ingress}
}

// Run drains what is already spooled, then drains again after each burst
// of file events until ctx is canceled.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("daemon: create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("daemon: spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("daemon: watch %s: %w", w.dir, err)
	}

	if n, err := w.Drain(ctx); err != nil {
		spoolLog.Warn("spool_drain_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		spoolLog.Info("spool_replayed", slog.Int("count", n))
	}

	// Debounce: coalesce the create+write pairs of one spool entry.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSpoolEntry(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			debounce.Reset(spoolDebounce)

		case <-debounce.C:
			if _, err := w.Drain(ctx); err != nil {
				spoolLog.Warn("spool_drain_failed", slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			spoolLog.Warn("spool_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Drain ingests every spool entry currently in the directory. It stops at
// the first store failure and leaves that entry for the next drain.
func (w *SpoolWatcher) Drain(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("daemon: read spool: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSpoolEntry(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return n, nil
		}
		ok, err := w.ingestFile(ctx, filepath.Join(w.dir, name))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (w *SpoolWatcher) ingestFile(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("daemon: read spool entry: %w", err)
	}

	var ev ipc.HookEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Kind == "" {
		spoolLog.Warn("spool_entry_invalid", slog.String("file", filepath.Base(path)))
		if err := os.Rename(path, path+badSuffix); err != nil {
			_ = os.Remove(path)
		}
		return false, nil
	}

	if _, err := w.ingress.Ingest(ctx, ev, SourceSpool); err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		spoolLog.Warn("spool_remove_failed", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
	}
	return true, nil
}

// isSpoolEntry ignores renameio's hidden temp files and quarantined entries.
func isSpoolEntry(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && filepath.Ext(base) == spoolExt
}
