package tmux

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

// DefaultSignatures identify a Claude pane by its current command. Claude
// renames its process to its version string, so "2.1.20" is a match.
var DefaultSignatures = []string{
	`re:^\d+\.\d+\.\d+`,
	"claude",
}

// DefaultHostCommands are runtimes that may be hosting Claude under a
// generic process name.
var DefaultHostCommands = []string{"node", "deno", "bun"}

// probeDepth bounds how far below the pane process the child walk goes.
const probeDepth = 3

// CmdlineProbe reports whether the process tree rooted at pid runs Claude.
type CmdlineProbe func(ctx context.Context, pid int) bool

// Signature decides whether a pane hosts a Claude process.
type Signature struct {
	commands session.Matcher
	hosts    map[string]bool
	probe    CmdlineProbe
}

// NewSignature compiles command patterns (nil means DefaultSignatures) and
// the host runtime list. probe may be nil to disable child inspection.
func NewSignature(patterns, hosts []string, probe CmdlineProbe) *Signature {
	if patterns == nil {
		patterns = DefaultSignatures
	}
	if hosts == nil {
		hosts = DefaultHostCommands
	}
	s := &Signature{
		commands: session.CompileMatcher(patterns),
		hosts:    make(map[string]bool, len(hosts)),
		probe:    probe,
	}
	for _, h := range hosts {
		s.hosts[strings.ToLower(h)] = true
	}
	return s
}

// MatchCommand checks only the pane's current command name.
func (s *Signature) MatchCommand(command string) bool {
	cmd := strings.ToLower(strings.TrimSpace(command))
	if cmd == "" {
		return false
	}
	return s.commands.Match(cmd)
}

// IsHost reports whether command is a generic runtime worth probing.
func (s *Signature) IsHost(command string) bool {
	return s.hosts[strings.ToLower(strings.TrimSpace(command))]
}

// Match checks the command name and, for host runtimes, the command lines
// of the pane's process tree.
func (s *Signature) Match(ctx context.Context, p Pane) bool {
	if s.MatchCommand(p.Command) {
		return true
	}
	if s.probe == nil || p.PID <= 0 || !s.IsHost(p.Command) {
		return false
	}
	return s.probe(ctx, p.PID)
}

// ProcessProbe walks the process tree below pid with gopsutil looking for a
// command line that launches Claude.
func ProcessProbe(ctx context.Context, pid int) bool {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	queue := []*process.Process{root}
	for depth := 0; depth <= probeDepth && len(queue) > 0; depth++ {
		var next []*process.Process
		for _, p := range queue {
			if cmdline, err := p.CmdlineWithContext(ctx); err == nil && isClaudeCmdline(cmdline) {
				return true
			}
			children, err := p.ChildrenWithContext(ctx)
			if err != nil {
				continue
			}
			next = append(next, children...)
		}
		queue = next
	}
	return false
}

// isClaudeCmdline matches a claude executable, or a runtime whose script
// argument is a claude entry point. Package manager shims are ignored.
func isClaudeCmdline(cmdline string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	exe := filepath.Base(fields[0])
	if exe == "claude" || exe == "claude-code" {
		return true
	}
	for _, arg := range fields[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if strings.Contains(arg, "node_modules/.bin") {
			continue
		}
		if strings.Contains(strings.ToLower(arg), "claude") {
			return true
		}
	}
	return false
}
