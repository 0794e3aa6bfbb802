package tmux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

// paneFormat is passed to list-panes -F. Fields are tab separated so that
// working directories with spaces survive.
const paneFormat = "#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_id}\t#{pane_current_path}\t#{pane_current_command}\t#{pane_pid}"

const paneFields = 7

// parsePaneLine parses one list-panes line produced with paneFormat.
func parsePaneLine(line string) (Pane, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != paneFields {
		return Pane{}, fmt.Errorf("tmux: expected %d fields, got %d in %q", paneFields, len(parts), line)
	}
	win, err := strconv.Atoi(parts[1])
	if err != nil {
		return Pane{}, fmt.Errorf("tmux: invalid window_index %q: %w", parts[1], err)
	}
	pane, err := strconv.Atoi(parts[2])
	if err != nil {
		return Pane{}, fmt.Errorf("tmux: invalid pane_index %q: %w", parts[2], err)
	}
	p := Pane{
		Locator:    session.Locator{Session: parts[0], Window: win, Pane: pane},
		PaneID:     parts[3],
		WorkingDir: parts[4],
		Command:    parts[5],
	}
	if parts[6] != "" {
		pid, err := strconv.Atoi(parts[6])
		if err != nil {
			return Pane{}, fmt.Errorf("tmux: invalid pane_pid %q: %w", parts[6], err)
		}
		p.PID = pid
	}
	return p, nil
}

// parsePaneList parses list-panes output. Malformed lines are returned
// separately so one odd pane never hides the rest.
func parsePaneList(out string) ([]Pane, []error) {
	var (
		panes []Pane
		errs  []error
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := parsePaneLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		panes = append(panes, p)
	}
	return panes, errs
}

// exactTarget renders a target that tmux will not prefix-match against
// another session name.
func exactTarget(loc session.Locator) string {
	return "=" + loc.String()
}
