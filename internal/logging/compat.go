package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter is an io.Writer that forwards stdlib log output into slog.
// Third-party code that only knows *log.Logger (net/http's ErrorLog, the
// tmux client) ends up in the same structured stream. A leading
// "[category] " prefix becomes the component field.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that logs at warn level under defaultComponent.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{
		component: defaultComponent,
		level:     slog.LevelWarn,
	}
}

// StdLogger wraps a BridgeWriter in a *log.Logger with no prefix or flags.
func StdLogger(component string) *log.Logger {
	return log.New(NewBridgeWriter(component), "", 0)
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = canonicalComponent(strings.ToLower(msg[1:idx]))
			msg = msg[idx+2:]
		}
	}

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the date/time prefix that log.LstdFlags adds.
// Formats handled: "2006/01/02 15:04:05 ", "15:04:05.000000 " and "15:04:05 ".
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[19] == ' ' {
		s = s[20:]
	}
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "tmux", "gotmux", "pane":
		return CompTmux
	case "http", "web", "websocket":
		return CompHTTP
	case "store", "sqlite", "statedb":
		return CompStore
	case "hook", "hooks", "ingress":
		return CompIngress
	default:
		return cat
	}
}
