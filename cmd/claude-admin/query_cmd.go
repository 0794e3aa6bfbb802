package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/claude-admin/internal/ipc"
	"github.com/asheshgoplani/claude-admin/internal/session"
)

// Table column widths for list output
const (
	tableColID      = 8
	tableColLocator = 18
	tableColState   = 11
	tableColMethod  = 6
	tableColAge     = 5
	tableColDir     = 36
	tableColSnippet = 40
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stateStyles = map[session.State]lipgloss.Style{
		session.StateWorking:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		session.StateNeedsInput: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		session.StateIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		session.StateDone:       lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
)

// errNotFound is returned by runShow; the message carries any suggestions.
var errNotFound = errors.New("session not found")

func isNotRunning(err error) bool {
	return errors.Is(err, ipc.ErrDaemonNotRunning)
}

// call sends req and turns error replies into Go errors. not_found replies
// are returned as-is for the caller to handle.
func call(ctx context.Context, c *ipc.Client, req *ipc.Request) (*ipc.Response, error) {
	resp, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Type == ipc.TypeError {
		return nil, errors.New(resp.Message)
	}
	return resp, nil
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	state := fs.String("state", "", "Only sessions in this state (idle, working, needs_input, done)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-admin list [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	c, err := queryClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := runList(context.Background(), c, os.Stdout, *state, *jsonOutput); err != nil {
		fatal(err)
	}
}

func runList(ctx context.Context, c *ipc.Client, w io.Writer, state string, asJSON bool) error {
	req := &ipc.Request{Type: ipc.TypeListSessions}
	if state != "" {
		s, err := session.ParseState(state)
		if err != nil {
			return err
		}
		req.State = s
	}
	resp, err := call(ctx, c, req)
	if err != nil {
		return err
	}
	sessions := resp.Sessions
	if sessions == nil {
		sessions = []*session.Session{}
	}
	if asJSON {
		return writeJSON(w, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions tracked.")
		return nil
	}
	renderSessions(w, sessions, time.Now())
	return nil
}

// renderSessions prints the sessions table. Cells are padded before styling
// so escape codes never disturb alignment.
func renderSessions(w io.Writer, sessions []*session.Session, now time.Time) {
	header := strings.Join([]string{
		cell("ID", tableColID),
		cell("LOCATION", tableColLocator),
		cell("STATE", tableColState),
		cell("VIA", tableColMethod),
		cell("AGE", tableColAge),
		cell("DIR", tableColDir),
		"LAST OUTPUT",
	}, " ")
	fmt.Fprintln(w, headerStyle.Render(header))

	counts := make(map[session.State]int)
	for _, s := range sessions {
		counts[s.State]++
		row := []string{
			cell(shortID(s.ID), tableColID),
			cell(s.Target(), tableColLocator),
			stateStyles[s.State].Render(cell(string(s.State), tableColState)),
			cell(string(s.DetectionMethod), tableColMethod),
			cell(formatAge(now, s.LastActivity), tableColAge),
			cell(shortenHome(s.WorkingDir), tableColDir),
			dimStyle.Render(truncate(lastLine(s.Snippet), tableColSnippet)),
		}
		fmt.Fprintln(w, strings.Join(row, " "))
	}

	var parts []string
	for _, st := range session.States {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	fmt.Fprintf(w, "\nTotal: %d sessions (%s)\n", len(sessions), strings.Join(parts, ", "))
}

func handleShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-admin show <id|name:window.pane> [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	c, err := queryClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := runShow(context.Background(), c, os.Stdout, fs.Arg(0), *jsonOutput); err != nil {
		fatal(err)
	}
}

func runShow(ctx context.Context, c *ipc.Client, w io.Writer, key string, asJSON bool) error {
	req := &ipc.Request{Type: ipc.TypeGetSession, ID: key}
	if strings.Contains(key, ":") {
		req = &ipc.Request{Type: ipc.TypeGetSessionByLocator, Locator: key}
	}
	resp, err := call(ctx, c, req)
	if err != nil {
		return err
	}
	if resp.Type == ipc.TypeNotFound || resp.Session == nil {
		return notFoundError(ctx, c, key)
	}
	s := resp.Session
	if asJSON {
		return writeJSON(w, s)
	}

	now := time.Now()
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", headerStyle.Render(cell(label+":", 10)), value)
	}
	row("ID", s.ID)
	row("Location", s.Target())
	if s.TmuxPaneID != "" {
		row("Pane", s.TmuxPaneID)
	}
	row("Directory", s.WorkingDir)
	row("State", stateStyles[s.State].Render(string(s.State)))
	row("Via", string(s.DetectionMethod))
	row("Activity", formatAge(now, s.LastActivity)+" ago")
	row("Updated", s.UpdatedAt.Local().Format(time.DateTime))
	row("Created", s.CreatedAt.Local().Format(time.DateTime))
	if s.Snippet != "" {
		fmt.Fprintln(w)
		for _, line := range strings.Split(s.Snippet, "\n") {
			fmt.Fprintln(w, dimStyle.Render("  "+line))
		}
	}
	return nil
}

// sessionKeys is a fuzzy.Source over ids and locators.
type sessionKeys []string

func (k sessionKeys) String(i int) string { return k[i] }
func (k sessionKeys) Len() int            { return len(k) }

// notFoundError lists close matches for a mistyped id or locator.
func notFoundError(ctx context.Context, c *ipc.Client, key string) error {
	resp, err := call(ctx, c, &ipc.Request{Type: ipc.TypeListSessions})
	if err != nil {
		return fmt.Errorf("%w: %s", errNotFound, key)
	}
	suggestions := suggest(key, resp.Sessions, 3)
	if len(suggestions) == 0 {
		return fmt.Errorf("%w: %s", errNotFound, key)
	}
	return fmt.Errorf("%w: %s (did you mean %s?)", errNotFound, key, strings.Join(suggestions, ", "))
}

// suggest ranks session ids and locators against key.
func suggest(key string, sessions []*session.Session, max int) []string {
	keys := make(sessionKeys, 0, 2*len(sessions))
	for _, s := range sessions {
		keys = append(keys, s.ID, s.Target())
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range fuzzy.FindFrom(key, keys) {
		if seen[m.Str] {
			continue
		}
		seen[m.Str] = true
		out = append(out, m.Str)
		if len(out) == max {
			break
		}
	}
	return out
}

func handleEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	sessionID := fs.String("session", "", "Only events for this session id")
	orphans := fs.Bool("orphans", false, "Only hook events no session claimed")
	limit := fs.Int("limit", 20, "Maximum events to show")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-admin events [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	c, err := queryClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := runEvents(context.Background(), c, os.Stdout, eventsRequest(*sessionID, *orphans, *limit), *jsonOutput); err != nil {
		fatal(err)
	}
}

func eventsRequest(sessionID string, orphans bool, limit int) *ipc.Request {
	return &ipc.Request{Type: ipc.TypeRecentEvents, SessionID: sessionID, Orphans: orphans, Limit: limit}
}

func runEvents(ctx context.Context, c *ipc.Client, w io.Writer, req *ipc.Request, asJSON bool) error {
	resp, err := call(ctx, c, req)
	if err != nil {
		return err
	}
	events := resp.Events
	if events == nil {
		events = []session.Event{}
	}
	if asJSON {
		return writeJSON(w, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, e := range events {
		owner := shortID(e.SessionID)
		if e.Orphan() {
			owner = "(orphan)"
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			dimStyle.Render(fmt.Sprintf("%6d", e.ID)),
			e.Timestamp.Local().Format(time.TimeOnly),
			cell(owner, tableColID),
			describeEvent(e.Type))
	}
	return nil
}

// describeEvent renders one ledger entry type as a short phrase.
func describeEvent(t session.EventType) string {
	switch t.Kind {
	case session.EventStateChanged:
		return fmt.Sprintf("%s %s → %s", t.Kind, t.From, stateStyles[t.To].Render(string(t.To)))
	case session.EventHookReceived:
		return fmt.Sprintf("%s %s", t.Kind, t.HookType)
	default:
		return string(t.Kind)
	}
}

func handlePing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	_ = fs.Parse(normalizeArgs(fs, args))

	c, err := queryClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := runPing(context.Background(), c, os.Stdout); err != nil {
		fatal(err)
	}
}

func runPing(ctx context.Context, c *ipc.Client, w io.Writer) error {
	start := time.Now()
	resp, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "pong from pid %d (version %s) in %s\n", resp.PID, resp.Version, time.Since(start).Round(time.Microsecond))
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// shortenHome replaces the home directory prefix with "~".
func shortenHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(path, home+"/"); ok {
		return "~/" + rest
	}
	return path
}
