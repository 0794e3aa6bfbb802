package tmux

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

// StaticSource is an in-memory Source. Tests drive it directly; the daemon
// uses it when started with a fixture file instead of a tmux server.
type StaticSource struct {
	mu          sync.RWMutex
	panes       map[session.Locator]Pane
	outputs     map[session.Locator]string
	captureErrs map[session.Locator]error
	listErr     error
	captures    int
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		panes:       make(map[session.Locator]Pane),
		outputs:     make(map[session.Locator]string),
		captureErrs: make(map[session.Locator]error),
	}
}

// AddPane adds or replaces a pane and its current output.
func (s *StaticSource) AddPane(p Pane, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panes[p.Locator] = p
	s.outputs[p.Locator] = output
}

// RemovePane makes the pane Absent.
func (s *StaticSource) RemovePane(loc session.Locator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.panes, loc)
	delete(s.outputs, loc)
	delete(s.captureErrs, loc)
}

// SetOutput replaces the text a pane shows.
func (s *StaticSource) SetOutput(loc session.Locator, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[loc] = output
}

// SetCaptureError makes captures of loc fail; nil clears it.
func (s *StaticSource) SetCaptureError(loc session.Locator, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.captureErrs, loc)
		return
	}
	s.captureErrs[loc] = err
}

// SetListError makes enumeration fail and every liveness probe Unknown,
// the way an unreachable tmux server behaves; nil clears it.
func (s *StaticSource) SetListError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// Captures returns how many successful captures have been served.
func (s *StaticSource) Captures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captures
}

// ListPanes returns the panes in locator order.
func (s *StaticSource) ListPanes(ctx context.Context) ([]Pane, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Pane, 0, len(s.panes))
	for _, p := range s.panes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Locator, out[j].Locator
		if a.Session != b.Session {
			return a.Session < b.Session
		}
		if a.Window != b.Window {
			return a.Window < b.Window
		}
		return a.Pane < b.Pane
	})
	return out, nil
}

func (s *StaticSource) Capture(ctx context.Context, loc session.Locator) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return "", s.listErr
	}
	if err := s.captureErrs[loc]; err != nil {
		return "", err
	}
	if _, ok := s.panes[loc]; !ok {
		return "", fmt.Errorf("%w: %s", ErrPaneNotFound, loc)
	}
	s.captures++
	return s.outputs[loc], nil
}

func (s *StaticSource) Liveness(ctx context.Context, loc session.Locator) Liveness {
	if ctx.Err() != nil {
		return Unknown
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return Unknown
	}
	if _, ok := s.panes[loc]; ok {
		return Live
	}
	return Absent
}

// fixtureFile is the YAML layout read by LoadFixture.
type fixtureFile struct {
	Panes []fixturePane `yaml:"panes"`
}

type fixturePane struct {
	Target     string `yaml:"target"`
	PaneID     string `yaml:"pane_id"`
	WorkingDir string `yaml:"cwd"`
	Command    string `yaml:"command"`
	PID        int    `yaml:"pid"`
	Assistant  *bool  `yaml:"assistant"`
	Output     string `yaml:"output"`
}

// LoadFixture reads a YAML pane list into a StaticSource. Panes without an
// explicit assistant flag are classified by sig's command patterns.
func LoadFixture(path string, sig *Signature) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tmux: read fixture: %w", err)
	}
	return ParseFixture(data, sig)
}

// ParseFixture is LoadFixture for in-memory YAML.
func ParseFixture(data []byte, sig *Signature) (*StaticSource, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tmux: parse fixture: %w", err)
	}
	if sig == nil {
		sig = NewSignature(nil, nil, nil)
	}
	src := NewStaticSource()
	for i, fp := range f.Panes {
		loc, err := session.ParseLocator(fp.Target)
		if err != nil {
			return nil, fmt.Errorf("tmux: fixture pane %d: %w", i, err)
		}
		if _, dup := src.panes[loc]; dup {
			return nil, fmt.Errorf("tmux: fixture pane %d: duplicate target %s", i, loc)
		}
		p := Pane{
			Locator:    loc,
			PaneID:     fp.PaneID,
			WorkingDir: fp.WorkingDir,
			Command:    fp.Command,
			PID:        fp.PID,
		}
		if fp.Assistant != nil {
			p.Assistant = *fp.Assistant
		} else {
			p.Assistant = sig.MatchCommand(p.Command)
		}
		src.AddPane(p, fp.Output)
	}
	return src, nil
}
