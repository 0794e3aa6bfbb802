package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompDaemon    = "daemon"
	CompDiscovery = "discovery"
	CompScheduler = "scheduler"
	CompIngress   = "ingress"
	CompQuery     = "query"
	CompStore     = "store"
	CompTmux      = "tmux"
	CompSpool     = "spool"
	CompHTTP      = "http"
)

// DefaultFileName is the log file written inside Config.LogDir.
const DefaultFileName = "daemon.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.claude-admin)
	LogDir string

	// FileName overrides DefaultFileName
	FileName string

	// Level is the minimum log level: "trace", "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	Compress bool

	// RingBufferSize is the in-memory ring buffer size in bytes (default: 4MB)
	RingBufferSize int

	// AggregateIntervalSecs is the aggregation flush interval (default: 30)
	AggregateIntervalSecs int

	// PprofAddr starts a pprof server when non-empty (e.g. localhost:6060)
	PprofAddr string

	// Stderr mirrors every record to stderr (daemon running in the foreground)
	Stderr bool
}

// sink is everything one Init call opened. Init swaps in a new sink and
// closes the previous one.
type sink struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
}

var (
	globalMu  sync.RWMutex
	current   *sink
	pprofOnce sync.Once
)

// ParseLevel maps a level name to a slog level. Unknown names map to info.
// "trace" has no slog equivalent and is treated as debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the global logging sink. With no LogDir and no Stderr
// mirror, records are discarded. Calling Init again replaces the sink.
func Init(cfg Config) {
	next := openSink(cfg)

	globalMu.Lock()
	prev := current
	current = next
	globalMu.Unlock()

	prev.close()
	if cfg.PprofAddr != "" {
		pprofOnce.Do(func() { startPprof(cfg.PprofAddr) })
	}
}

func openSink(cfg Config) *sink {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.AggregateIntervalSecs <= 0 {
		cfg.AggregateIntervalSecs = 30
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}

	if cfg.LogDir == "" && !cfg.Stderr {
		return &sink{
			logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
			ring:   NewRingBuffer(1024),
			agg:    NewAggregator(nil, cfg.AggregateIntervalSecs),
		}
	}

	s := &sink{ring: NewRingBuffer(cfg.RingBufferSize)}
	writers := []io.Writer{s.ring}
	if cfg.LogDir != "" {
		s.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, s.file)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Format == "text" {
		s.logger = slog.New(slog.NewTextHandler(out, opts))
	} else {
		s.logger = slog.New(slog.NewJSONHandler(out, opts))
	}
	s.agg = NewAggregator(s.logger, cfg.AggregateIntervalSecs)
	s.agg.Start()
	return s
}

// close flushes pending summaries and closes the log file. Nil-safe.
func (s *sink) close() {
	if s == nil {
		return
	}
	s.agg.Stop()
	if s.file != nil {
		_ = s.file.Close()
	}
}

func active() *sink {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return current
}

// Logger returns the global logger. Safe to call before Init (returns a discard logger).
func Logger() *slog.Logger {
	if s := active(); s != nil {
		return s.logger
	}
	return discard
}

var discard = slog.New(slog.NewJSONHandler(io.Discard, nil))

// ForComponent returns a sub-logger with the component field set.
// Package-level component loggers are created before Init runs, so the
// handler is resolved at log time rather than captured here.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &dynamicHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate records a high-frequency event for batched logging.
func Aggregate(component, key string, fields ...slog.Attr) {
	if s := active(); s != nil {
		s.agg.Record(component, key, fields...)
	}
}

// DumpRingBuffer writes the most recent records to path. It is a no-op
// before Init.
func DumpRingBuffer(path string) error {
	s := active()
	if s == nil {
		return nil
	}
	return s.ring.DumpToFile(path)
}

// Shutdown flushes the aggregator and closes the log file. Later records
// are discarded until the next Init.
func Shutdown() {
	globalMu.Lock()
	prev := current
	current = nil
	globalMu.Unlock()
	prev.close()
}
