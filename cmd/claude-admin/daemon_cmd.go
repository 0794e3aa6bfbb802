package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/claude-admin/internal/config"
	"github.com/asheshgoplani/claude-admin/internal/daemon"
	"github.com/asheshgoplani/claude-admin/internal/logging"
)

// handleDaemon runs the daemon in the foreground until SIGINT or SIGTERM.
func handleDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default ~/.claude-admin/config.toml)")
	fixture := fs.String("fixture", "", "Read panes from a YAML fixture instead of tmux")
	foreground := fs.Bool("foreground-log", false, "Mirror log records to stderr")
	fs.Usage = func() {
		fmt.Println("Usage: claude-admin daemon [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	cfg, err := daemonConfig(*configPath, *fixture)
	if err != nil {
		fatal(err)
	}

	logging.Init(logConfig(cfg, *foreground))
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopDumps := dumpOnSignal(cfg.Paths.LogDir)
	defer stopDumps()

	d, err := daemon.New(daemon.Options{Config: cfg, Version: Version})
	if err != nil {
		fatal(err)
	}
	if err := d.Run(ctx); err != nil {
		logging.ForComponent(logging.CompDaemon).Error("daemon_exited", slog.String("error", err.Error()))
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintln(os.Stderr, "Another claude-admin daemon owns "+cfg.Paths.PIDFile)
			logging.Shutdown()
			os.Exit(1)
		}
		logging.Shutdown()
		fatal(err)
	}
}

// daemonConfig loads the config file and applies command-line overrides.
func daemonConfig(path, fixture string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if fixture != "" {
		abs, err := filepath.Abs(config.ExpandTilde(fixture))
		if err != nil {
			return nil, fmt.Errorf("fixture path: %w", err)
		}
		cfg.Tmux.Fixture = abs
	}
	return cfg, nil
}

// logConfig maps the [logs] section onto the logging package.
func logConfig(cfg *config.Config, stderr bool) logging.Config {
	l := cfg.Logs
	return logging.Config{
		LogDir:                cfg.Paths.LogDir,
		Level:                 l.Level,
		Format:                l.Format,
		MaxSizeMB:             l.MaxSizeMB,
		MaxBackups:            l.MaxBackups,
		MaxAgeDays:            l.RetentionDays,
		Compress:              l.Compress,
		RingBufferSize:        l.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: l.AggregateSecs,
		PprofAddr:             l.PprofAddr,
		Stderr:                stderr,
	}
}

// dumpOnSignal writes the in-memory ring buffer to dir on SIGUSR1 for
// post-mortem debugging. The returned func stops listening.
func dumpOnSignal(dir string) func() {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-usr1:
				path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
				if err := logging.DumpRingBuffer(path); err != nil {
					logging.ForComponent(logging.CompDaemon).Error("crash_dump_failed",
						slog.String("error", err.Error()))
				} else {
					logging.ForComponent(logging.CompDaemon).Info("crash_dump_written",
						slog.String("path", path))
				}
			}
		}
	}()
	return func() {
		signal.Stop(usr1)
		close(done)
	}
}
