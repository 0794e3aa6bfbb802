package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrAlreadyRunning means the PID file names a live process.
var ErrAlreadyRunning = errors.New("daemon: already running")

// PIDFile is a held PID file.
type PIDFile struct {
	path string
	pid  int
}

// AcquirePIDFile writes the current pid to path. A file naming a process
// that no longer exists is replaced; one naming a live process is refused.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("daemon: create pid dir: %w", err)
	}
	self := os.Getpid()

	pid, err := ReadPID(path)
	switch {
	case err == nil && pid != self:
		if alive, _ := process.PidExists(int32(pid)); alive {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		daemonLog.Warn("stale_pid_file_removed", slog.Int("pid", pid), slog.String("path", path))
	case err != nil && !errors.Is(err, os.ErrNotExist):
		daemonLog.Warn("pid_file_unreadable", slog.String("path", path), slog.String("error", err.Error()))
	}

	if err := renameio.WriteFile(path, []byte(strconv.Itoa(self)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("daemon: write pid file: %w", err)
	}
	return &PIDFile{path: path, pid: self}, nil
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	pid, err := ReadPID(p.path)
	if err != nil || pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("daemon: remove pid file: %w", err)
	}
	return nil
}

// ReadPID parses the pid stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon: invalid pid file %s", path)
	}
	return pid, nil
}
