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

	"github.com/asheshgoplani/claude-admin/internal/daemon"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

const scanTimeout = 15 * time.Second

// scannedPane is one row of scan output. State is the classifier's guess
// for Claude panes whose output could be captured.
type scannedPane struct {
	tmux.Pane
	State session.State `json:"state,omitempty"`
}

// handleScan lists every pane once, marking the ones that run Claude. It
// reads tmux directly and does not need the daemon.
func handleScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	fixture := fs.String("fixture", "", "Scan a YAML pane fixture instead of tmux")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-admin scan [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	cfg, err := daemonConfig(*configPath, *fixture)
	if err != nil {
		fatal(err)
	}
	src, err := daemon.NewSource(cfg)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()
	if err := runScan(ctx, src, daemon.NewClassifier(cfg), os.Stdout, *jsonOutput); err != nil {
		fatal(err)
	}
}

func runScan(ctx context.Context, src tmux.Source, cls *session.Classifier, w io.Writer, asJSON bool) error {
	panes, err := src.ListPanes(ctx)
	if errors.Is(err, tmux.ErrNoServer) {
		if asJSON {
			return writeJSON(w, []scannedPane{})
		}
		fmt.Fprintln(w, "tmux is not running")
		return nil
	}
	if err != nil {
		return err
	}

	rows := make([]scannedPane, 0, len(panes))
	for _, p := range panes {
		row := scannedPane{Pane: p}
		if p.Assistant {
			if out, err := src.Capture(ctx, p.Locator); err == nil {
				row.State = cls.Classify(out, 0)
			}
		}
		rows = append(rows, row)
	}
	if asJSON {
		return writeJSON(w, rows)
	}
	renderScan(w, rows)
	return nil
}

func renderScan(w io.Writer, rows []scannedPane) {
	header := strings.Join([]string{
		cell("TARGET", tableColLocator),
		cell("ID", 6),
		cell("PROCESS", 15),
		cell("CLAUDE", 11),
		"WORKING DIR",
	}, " ")
	fmt.Fprintln(w, headerStyle.Render(header))
	fmt.Fprintln(w, strings.Repeat("-", 80))

	found := 0
	for _, r := range rows {
		mark := cell("", 11)
		if r.Assistant {
			found++
			label := "yes"
			if r.State != "" {
				label = string(r.State)
			}
			mark = stateStyles[r.State].Render(cell(label, 11))
		}
		fmt.Fprintln(w, strings.Join([]string{
			cell(r.Locator.String(), tableColLocator),
			cell(r.PaneID, 6),
			cell(r.Command, 15),
			mark,
			shortenHome(r.WorkingDir),
		}, " "))
	}
	fmt.Fprintf(w, "\nClaude sessions found: %d of %d panes\n", found, len(rows))
}
