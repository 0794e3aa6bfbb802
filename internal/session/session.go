// Package session holds the domain model for tracked Claude sessions: the
// session record and its pane locator, ledger events, the output classifier
// and the hook kind inference table.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Locator identifies where a session runs: tmux session name plus window and
// pane index. It is the natural key used to de-duplicate discovery.
type Locator struct {
	Session string `json:"session"`
	Window  int    `json:"window"`
	Pane    int    `json:"pane"`
}

// String renders the locator as a tmux target, "name:window.pane".
func (l Locator) String() string {
	return fmt.Sprintf("%s:%d.%d", l.Session, l.Window, l.Pane)
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l.Session == ""
}

// ParseLocator parses "name:window.pane" or "name:window" (pane 0).
// The session name may itself contain colons; the last one separates the window.
func ParseLocator(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Locator{}, fmt.Errorf("session: invalid locator %q: want name:window[.pane]", s)
	}
	loc := Locator{Session: s[:idx]}

	winPane := s[idx+1:]
	winStr, paneStr, hasPane := strings.Cut(winPane, ".")
	win, err := strconv.Atoi(winStr)
	if err != nil || win < 0 {
		return Locator{}, fmt.Errorf("session: invalid window index in %q", s)
	}
	loc.Window = win
	if hasPane {
		pane, err := strconv.Atoi(paneStr)
		if err != nil || pane < 0 {
			return Locator{}, fmt.Errorf("session: invalid pane index in %q", s)
		}
		loc.Pane = pane
	}
	return loc, nil
}

// Session is one tracked assistant process. Values returned by the store are
// snapshots; all mutation goes back through the store.
type Session struct {
	ID              string          `json:"id"`
	Locator         Locator         `json:"locator"`
	TmuxPaneID      string          `json:"tmux_pane_id,omitempty"`
	WorkingDir      string          `json:"working_dir"`
	State           State           `json:"state"`
	DetectionMethod DetectionMethod `json:"detection_method"`
	Snippet         string          `json:"snippet,omitempty"`
	LastActivity    time.Time       `json:"last_activity"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Target returns the tmux target string for the session's pane.
func (s *Session) Target() string {
	return s.Locator.String()
}
