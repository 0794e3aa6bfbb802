package session

import (
	"strings"
	"time"
)

const (
	// DefaultWindowLines bounds how much captured output is inspected.
	DefaultWindowLines = 20

	// DefaultIdleThreshold is the quiet period before a prompt counts as needs_input.
	DefaultIdleThreshold = 5 * time.Second

	// doneTailLines is how many trailing non-empty lines may carry a done phrase.
	doneTailLines = 3
)

// Input is what a rule predicate sees: the bounded output window and the
// time since the session last showed activity.
type Input struct {
	Lines []string
	Since time.Duration
}

// Text returns the window joined with newlines.
func (in Input) Text() string {
	return strings.Join(in.Lines, "\n")
}

// Tail returns the last n non-empty lines of the window.
func (in Input) Tail(n int) []string {
	out := make([]string, 0, n)
	for i := len(in.Lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(in.Lines[i]) != "" {
			out = append(out, in.Lines[i])
		}
	}
	// reverse back to top-to-bottom order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// LastLine returns the last non-empty line, trimmed.
func (in Input) LastLine() string {
	if tail := in.Tail(1); len(tail) == 1 {
		return strings.TrimSpace(tail[0])
	}
	return ""
}

// Predicate is one pure test over an Input.
type Predicate func(Input) bool

// Rule maps a predicate to the state it implies.
type Rule struct {
	Name   string
	Result State
	Match  Predicate
}

// Classifier maps captured pane output to a State using an ordered rule
// table; the first matching rule wins and no match means idle. A Classifier
// holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules         []Rule
	windowLines   int
	idleThreshold time.Duration
}

// ClassifierOption customizes NewClassifier.
type ClassifierOption func(*Classifier)

// WithWindowLines overrides DefaultWindowLines.
func WithWindowLines(n int) ClassifierOption {
	return func(c *Classifier) {
		if n > 0 {
			c.windowLines = n
		}
	}
}

// WithIdleThreshold overrides DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if d > 0 {
			c.idleThreshold = d
		}
	}
}

// NewClassifier builds the rule table from raw patterns (nil means defaults).
func NewClassifier(raw *RawPatterns, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		windowLines:   DefaultWindowLines,
		idleThreshold: DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	p := compilePatterns(raw)
	active := windowMatches(p.activity)

	c.rules = []Rule{
		{
			Name:   "done_phrase",
			Result: StateDone,
			Match:  tailMatches(p.done, doneTailLines),
		},
		{
			Name:   "awaiting_input",
			Result: StateNeedsInput,
			Match: quietFor(c.idleThreshold, anyOf(
				windowMatches(p.approval),
				allOf(lastLineEndsWith(p.suffixes), not(active)),
				allOf(windowMatches(p.greeting), not(active)),
			)),
		},
		{
			Name:   "activity",
			Result: StateWorking,
			Match:  anyOf(active, windowMatches(p.frame)),
		},
	}
	return c
}

// Rules returns a copy of the rule table in evaluation order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// IdleThreshold returns the quiet period required for needs_input.
func (c *Classifier) IdleThreshold() time.Duration {
	return c.idleThreshold
}

// Classify returns the state implied by output after sinceActivity of quiet.
func (c *Classifier) Classify(output string, sinceActivity time.Duration) State {
	state, _ := c.Explain(output, sinceActivity)
	return state
}

// Explain is Classify that also names the rule that matched ("" for idle).
func (c *Classifier) Explain(output string, sinceActivity time.Duration) (State, string) {
	in := Input{Lines: Window(output, c.windowLines), Since: sinceActivity}
	if len(in.Lines) == 0 {
		return StateIdle, ""
	}
	for _, r := range c.rules {
		if r.Match(in) {
			return r.Result, r.Name
		}
	}
	return StateIdle, ""
}

var defaultClassifier = NewClassifier(nil)

// Classify runs the default classifier.
func Classify(output string, sinceActivity time.Duration) State {
	return defaultClassifier.Classify(output, sinceActivity)
}

// Window returns the last n lines of output after dropping trailing blank
// lines, which tmux pads below the cursor.
func Window(output string, n int) []string {
	if output == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	lines = lines[:end]
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Snippet returns the window as text, for storing alongside a session.
func Snippet(output string, n int) string {
	return strings.Join(Window(output, n), "\n")
}

func windowMatches(m Matcher) Predicate {
	return func(in Input) bool {
		return !m.Empty() && m.Match(in.Text())
	}
}

func tailMatches(m Matcher, n int) Predicate {
	return func(in Input) bool {
		return !m.Empty() && m.Match(strings.Join(in.Tail(n), "\n"))
	}
}

func lastLineEndsWith(suffixes []string) Predicate {
	return func(in Input) bool {
		last := in.LastLine()
		if last == "" {
			return false
		}
		for _, s := range suffixes {
			if strings.HasSuffix(last, s) {
				return true
			}
		}
		return false
	}
}

func quietFor(threshold time.Duration, p Predicate) Predicate {
	return func(in Input) bool {
		return in.Since >= threshold && p(in)
	}
}

func anyOf(ps ...Predicate) Predicate {
	return func(in Input) bool {
		for _, p := range ps {
			if p(in) {
				return true
			}
		}
		return false
	}
}

func allOf(ps ...Predicate) Predicate {
	return func(in Input) bool {
		for _, p := range ps {
			if !p(in) {
				return false
			}
		}
		return true
	}
}

func not(p Predicate) Predicate {
	return func(in Input) bool { return !p(in) }
}
