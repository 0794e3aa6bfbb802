package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/claude-admin/internal/config"
	"github.com/asheshgoplani/claude-admin/internal/ipc"
)

// normalizeArgs reorders args so flags come before positional arguments.
// The flag package stops at the first positional, so "show main:0 --json"
// would otherwise ignore --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// queryClient loads the config and returns a client for the query socket.
func queryClient(configPath string) (*ipc.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(cfg.Paths.QuerySocket), nil
}

// fatal prints an error in the CLI's format and exits 1. A daemon that is
// not running gets a hint instead of the raw dial error.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if isNotRunning(err) {
		fmt.Fprintln(os.Stderr, "Start it with: claude-admin daemon")
	}
	os.Exit(1)
}

// writeJSON pretty-prints v.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to max display cells with an ellipsis.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, max, "…")
}

// cell truncates then pads s to exactly width display cells.
func cell(s string, width int) string {
	return runewidth.FillRight(truncate(s, width), width)
}

// formatAge renders how long ago t was, e.g. "42s", "3m", "5h", "2d".
func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// shortID keeps the first block of a uuid for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
