package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const Version = "0.3.0"

// colorEnv overrides terminal color detection: truecolor, 256, 16, none.
const colorEnv = "CLAUDE_ADMIN_COLOR"

func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
// Output that is not a terminal gets no escape codes unless forced.
func initColorProfile() {
	if v := os.Getenv(colorEnv); v != "" {
		switch strings.ToLower(v) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Fallback works over SSH and in older emulators
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "daemon":
		handleDaemon(args[1:])
	case "hook-handler":
		// Claude blocks on hooks; never fail or linger.
		handleHookHandler(args[1:], os.Stdin)
	case "list", "ls":
		handleList(args[1:])
	case "show":
		handleShow(args[1:])
	case "events":
		handleEvents(args[1:])
	case "ping":
		handlePing(args[1:])
	case "scan":
		handleScan(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("claude-admin v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("claude-admin v%s\n", Version)
	fmt.Println("Tracks Claude sessions running in tmux panes")
	fmt.Println()
	fmt.Println("Usage: claude-admin <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  daemon           Run the tracking daemon in the foreground")
	fmt.Println("  hook-handler     Forward a Claude hook payload (stdin) to the daemon")
	fmt.Println("  list, ls         List tracked sessions")
	fmt.Println("  show <id|loc>    Show one session by id or name:window.pane")
	fmt.Println("  events           Show recent ledger entries")
	fmt.Println("  ping             Check that the daemon is answering")
	fmt.Println("  scan             Scan tmux panes once and mark Claude panes")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default ~/.claude-admin/config.toml).")
	fmt.Println()
	fmt.Println("Hook setup (~/.claude/settings.json):")
	fmt.Println(`  "hooks": { "Stop": [{"hooks": [{"type": "command", "command": "claude-admin hook-handler"}]}] }`)
}
