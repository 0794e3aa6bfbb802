package session

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/claude-admin/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompDiscovery)

// RawPatterns holds the string form of the classifier signatures before
// compilation. Entries prefixed with "re:" are regular expressions; all
// others are matched with strings.Contains.
type RawPatterns struct {
	Done           []string // termination phrases, checked on the tail
	Approval       []string // explicit approval prompts anywhere in the window
	Greeting       []string // idle greeting questions
	PromptSuffixes []string // trailing characters of the last non-empty line
	Activity       []string // tool and file activity markers
	Frame          []string // UI framing glyphs drawn while a tool runs
}

// DefaultRawPatterns returns the built-in Claude signatures.
func DefaultRawPatterns() *RawPatterns {
	return &RawPatterns{
		Done: []string{
			"Session ended",
			"Goodbye",
			"exited with code",
			"connection closed",
		},
		Approval: []string{
			"Approve?",
			"Continue?",
			"Proceed?",
			"(y/n)",
			"[Y/n]",
			"[y/N]",
			"Enter to continue",
			"Press Enter",
			"Do you want to proceed?",
		},
		Greeting: []string{
			"What would you like to do?",
			"How can I help",
		},
		PromptSuffixes: []string{">", "?", ":", "$"},
		Activity: []string{
			"Tool:",
			"Reading",
			"Writing",
			"Searching",
			"Running",
			"Analyzing",
			"Thinking",
			"Processing",
			"esc to interrupt",
			"ctrl+c to interrupt",
			`re:(?m)^[✳✽✶✻✢·]\s*.+…`, // spinner + ellipsis status line
		},
		Frame: []string{"╭─"},
	}
}

// MergeRawPatterns appends extras to a copy of base. Nil arguments are allowed.
func MergeRawPatterns(base, extras *RawPatterns) *RawPatterns {
	out := &RawPatterns{}
	for _, p := range []*RawPatterns{base, extras} {
		if p == nil {
			continue
		}
		out.Done = append(out.Done, p.Done...)
		out.Approval = append(out.Approval, p.Approval...)
		out.Greeting = append(out.Greeting, p.Greeting...)
		out.PromptSuffixes = append(out.PromptSuffixes, p.PromptSuffixes...)
		out.Activity = append(out.Activity, p.Activity...)
		out.Frame = append(out.Frame, p.Frame...)
	}
	return out
}

// Matcher is a compiled pattern list.
type Matcher struct {
	strs []string
	res  []*regexp.Regexp
}

// CompileMatcher compiles patterns. Invalid regular expressions are logged and
// skipped so a bad config entry never disables classification.
func CompileMatcher(patterns []string) Matcher {
	var m Matcher
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				patternLog.Warn("invalid_pattern_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.res = append(m.res, re)
			continue
		}
		m.strs = append(m.strs, p)
	}
	return m
}

// Empty reports whether the matcher has no patterns.
func (m Matcher) Empty() bool {
	return len(m.strs) == 0 && len(m.res) == 0
}

// Match reports whether text contains any pattern.
func (m Matcher) Match(text string) bool {
	for _, s := range m.strs {
		if strings.Contains(text, s) {
			return true
		}
	}
	for _, re := range m.res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// compiledPatterns is the ready-to-use form of RawPatterns.
type compiledPatterns struct {
	done     Matcher
	approval Matcher
	greeting Matcher
	suffixes []string
	activity Matcher
	frame    Matcher
}

func compilePatterns(raw *RawPatterns) compiledPatterns {
	if raw == nil {
		raw = DefaultRawPatterns()
	}
	return compiledPatterns{
		done:     CompileMatcher(raw.Done),
		approval: CompileMatcher(raw.Approval),
		greeting: CompileMatcher(raw.Greeting),
		suffixes: append([]string(nil), raw.PromptSuffixes...),
		activity: CompileMatcher(raw.Activity),
		frame:    CompileMatcher(raw.Frame),
	}
}
