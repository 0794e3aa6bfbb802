// Package tmux is the pane source: enumerating terminal panes, reading
// their recent output and answering whether a pane still exists.
package tmux

import (
	"context"
	"errors"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

var (
	// ErrNoServer means no tmux server is running or reachable.
	ErrNoServer = errors.New("tmux: no server running")
	// ErrPaneNotFound means the target session, window or pane does not exist.
	ErrPaneNotFound = errors.New("tmux: pane not found")
)

// Liveness is the tri-state answer to "does this pane still exist".
type Liveness int

const (
	// Unknown means the source could not tell; callers must not act on it.
	Unknown Liveness = iota
	Live
	Absent
)

func (l Liveness) String() string {
	switch l {
	case Live:
		return "live"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Pane is one terminal pane as reported by the multiplexer.
type Pane struct {
	Locator    session.Locator `json:"locator"`
	PaneID     string          `json:"pane_id,omitempty"`
	WorkingDir string          `json:"working_dir"`
	Command    string          `json:"command"`
	PID        int             `json:"pid,omitempty"`

	// Assistant is set when the pane's process matches the Claude signature.
	Assistant bool `json:"assistant"`
}

// Source is the capability the daemon needs from a multiplexer.
type Source interface {
	// ListPanes enumerates every pane. An error means the enumeration as a
	// whole failed and no conclusion about absence may be drawn from it.
	ListPanes(ctx context.Context) ([]Pane, error)
	// Capture returns the recent visible text of one pane.
	Capture(ctx context.Context, loc session.Locator) (string, error)
	// Liveness reports whether the pane at loc still exists.
	Liveness(ctx context.Context, loc session.Locator) Liveness
}
