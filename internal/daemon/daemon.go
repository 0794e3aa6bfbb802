// Package daemon is the session tracking engine: it discovers Claude panes,
// reconciles their state on a timer, applies hook notifications and serves
// queries, all against one durable store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/claude-admin/internal/config"
	"github.com/asheshgoplani/claude-admin/internal/ipc"
	"github.com/asheshgoplani/claude-admin/internal/logging"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
	"github.com/asheshgoplani/claude-admin/internal/web"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

const webShutdownTimeout = 3 * time.Second

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	// Source overrides the pane source the config selects.
	Source tmux.Source
	// Clock drives the scheduler and store timestamps. Default: wall clock.
	Clock   clock.Clock
	Version string
}

// Daemon owns the store and every long-running task.
type Daemon struct {
	cfg     *config.Config
	src     tmux.Source
	cls     *session.Classifier
	clock   clock.Clock
	version string

	ready chan struct{}
	store *statedb.StateDB
	sched *Scheduler
	web   *web.Server
}

// New validates opts and builds the pane source and classifier. Nothing is
// opened until Run.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon: no config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	src := opts.Source
	if src == nil {
		var err error
		if src, err = NewSource(cfg); err != nil {
			return nil, err
		}
	}
	return &Daemon{
		cfg:     cfg,
		src:     src,
		cls:     NewClassifier(cfg),
		clock:   clk,
		version: opts.Version,
		ready:   make(chan struct{}),
	}, nil
}

// NewSource returns the pane source cfg selects: the YAML fixture when one
// is configured, otherwise the tmux server.
func NewSource(cfg *config.Config) (tmux.Source, error) {
	sig := NewSignature(cfg)
	if cfg.Tmux.Fixture != "" {
		src, err := tmux.LoadFixture(cfg.Tmux.Fixture, sig)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		return src, nil
	}
	return tmux.NewAdapter(tmux.Options{
		Socket:       cfg.Tmux.Socket,
		CaptureLines: cfg.Daemon.CaptureLines,
		CaptureRate:  cfg.Tmux.CaptureRate,
		Signature:    sig,
	}), nil
}

// NewSignature extends the built-in process signatures with the configured ones.
func NewSignature(cfg *config.Config) *tmux.Signature {
	patterns := append(append([]string(nil), tmux.DefaultSignatures...), cfg.Tmux.Signatures...)
	return tmux.NewSignature(patterns, cfg.Tmux.HostCommands, tmux.ProcessProbe)
}

// NewClassifier extends the built-in output patterns with the configured ones.
func NewClassifier(cfg *config.Config) *session.Classifier {
	extra := &session.RawPatterns{
		Done:     cfg.Classifier.Done,
		Approval: cfg.Classifier.NeedsInput,
		Activity: cfg.Classifier.Working,
	}
	return session.NewClassifier(
		session.MergeRawPatterns(session.DefaultRawPatterns(), extra),
		session.WithWindowLines(cfg.Daemon.CaptureLines),
		session.WithIdleThreshold(cfg.Daemon.IdleThreshold.Duration),
	)
}

// Ready is closed once the store is open and both sockets accept.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Store returns the open store. Valid after Ready until Run returns.
func (d *Daemon) Store() *statedb.StateDB {
	return d.store
}

// WebAddr returns the HTTP listen address once serving, or "".
func (d *Daemon) WebAddr() string {
	if d.web == nil {
		return ""
	}
	return d.web.Addr()
}

// Run acquires the PID file, opens the store and runs every task until ctx
// is canceled or one of them fails. Shutdown waits for in-flight work.
func (d *Daemon) Run(ctx context.Context) error {
	paths := d.cfg.Paths
	pid, err := AcquirePIDFile(paths.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := pid.Release(); err != nil {
			daemonLog.Warn("pid_release_failed", slog.String("error", err.Error()))
		}
	}()

	store, err := statedb.Open(paths.DB,
		statedb.WithClock(d.clock),
		statedb.WithStalenessWindow(d.cfg.Daemon.StalenessWindow.Duration))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			daemonLog.Warn("store_close_failed", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(); err != nil {
		return err
	}
	if err := store.SetMeta(ctx, "daemon_version", d.version); err != nil {
		return err
	}
	d.store = store

	ingress := NewIngress(store, d.clock, d.cfg.Daemon.HookFreshWindow.Duration)
	sched := NewScheduler(d.src, store, d.cls, SchedulerOptions{
		PollInterval:     d.cfg.Daemon.PollInterval.Duration,
		CaptureLines:     d.cfg.Daemon.CaptureLines,
		MaxStoreFailures: d.cfg.Daemon.MaxStoreFailures,
		EventRetention:   d.cfg.Daemon.EventRetention.Duration,
		Clock:            d.clock,
	})

	d.sched = sched

	hooksSrv, err := ipc.Listen(paths.HooksSocket, logging.CompIngress, ingress, ipc.WithVersion(d.version))
	if err != nil {
		return err
	}
	querySrv, err := ipc.Listen(paths.QuerySocket, logging.CompQuery, NewQuery(store), ipc.WithVersion(d.version))
	if err != nil {
		hooksSrv.Close()
		return err
	}

	if d.cfg.Web.Listen != "" {
		d.web = web.NewServer(web.Config{
			ListenAddr:        d.cfg.Web.Listen,
			Token:             d.cfg.Web.Token,
			RequestsPerMinute: d.cfg.Web.RequestsPerMinute,
			Store:             store,
			LastTick:          sched.LastTick,
			Version:           d.version,
		})
		if err := d.web.Listen(); err != nil {
			hooksSrv.Close()
			querySrv.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return hooksSrv.Serve(gctx) })
	g.Go(func() error { return querySrv.Serve(gctx) })
	g.Go(func() error { return NewSpoolWatcher(paths.SpoolDir, ingress).Run(gctx) })
	if d.web != nil {
		g.Go(d.web.Serve)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), webShutdownTimeout)
			defer cancel()
			return d.web.Shutdown(sctx)
		})
	}

	daemonLog.Info("daemon_started",
		slog.String("version", d.version),
		slog.String("db", paths.DB),
		slog.String("hooks_socket", paths.HooksSocket),
		slog.String("query_socket", paths.QuerySocket),
		slog.String("web", d.WebAddr()))
	close(d.ready)

	err = g.Wait()
	if err != nil {
		daemonLog.Error("daemon_failed", slog.String("error", err.Error()))
	} else {
		daemonLog.Info("daemon_stopped")
	}
	return err
}
