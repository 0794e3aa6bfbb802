package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/asheshgoplani/claude-admin/internal/logging"
	"github.com/asheshgoplani/claude-admin/internal/metrics"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

var schedLog = logging.ForComponent(logging.CompScheduler)

// ErrStoreUnavailable is returned by Scheduler.Run after too many consecutive
// ticks failed against the store.
var ErrStoreUnavailable = errors.New("daemon: store unavailable")

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultMaxStoreFailures = 12

	pruneInterval = 10 * time.Minute
)

// SchedulerOptions tunes the reconciliation loop. Zero values take defaults.
type SchedulerOptions struct {
	PollInterval     time.Duration
	CaptureLines     int
	MaxStoreFailures int
	// EventRetention enables ledger pruning when positive.
	EventRetention time.Duration
	Clock          clock.Clock
}

// Scheduler runs discovery, cleanup and stale-state refresh on every tick.
// It is the poll path: the fallback for sessions whose hooks are silent.
type Scheduler struct {
	src   tmux.Source
	store *statedb.StateDB
	disc  *Discoverer
	cls   *session.Classifier
	clock clock.Clock
	opts  SchedulerOptions

	failures  int
	lastPrune time.Time
	lastTick  atomic.Int64
}

// TickStats summarizes one tick.
type TickStats struct {
	Discovery DiscoveryResult
	Removed   int
	Refreshed int
	Skipped   int
	Duration  time.Duration
}

// NewScheduler builds a scheduler over src and store. cls may be nil.
func NewScheduler(src tmux.Source, store *statedb.StateDB, cls *session.Classifier, opts SchedulerOptions) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = tmux.DefaultCaptureLines
	}
	if opts.MaxStoreFailures <= 0 {
		opts.MaxStoreFailures = DefaultMaxStoreFailures
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if cls == nil {
		cls = session.NewClassifier(nil)
	}
	return &Scheduler{
		src:   src,
		store: store,
		disc:  NewDiscoverer(src, store, cls, opts.CaptureLines),
		cls:   cls,
		clock: opts.Clock,
		opts:  opts,
	}
}

// Discoverer returns the discovery engine the scheduler drives.
func (s *Scheduler) Discoverer() *Discoverer {
	return s.disc
}

// LastTick reports when the last tick completed, zero before the first.
func (s *Scheduler) LastTick() time.Time {
	ms := s.lastTick.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run ticks immediately and then every PollInterval until ctx is canceled.
// Individual tick failures are logged; only a store that keeps failing for
// MaxStoreFailures ticks in a row ends the loop with an error.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.opts.PollInterval)
	defer ticker.Stop()

	schedLog.Info("scheduler_started", slog.Duration("interval", s.opts.PollInterval))
	if err := s.runTick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			schedLog.Info("scheduler_stopped")
			return nil
		case <-ticker.C:
			if err := s.runTick(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) error {
	stats, err := s.Tick(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		s.failures++
		metrics.TicksTotal.WithLabelValues("store_error").Inc()
		schedLog.Warn("tick_store_failed",
			slog.Int("consecutive", s.failures),
			slog.String("error", err.Error()))
		if s.failures >= s.opts.MaxStoreFailures {
			return fmt.Errorf("%w: %d consecutive failed ticks: %w", ErrStoreUnavailable, s.failures, err)
		}
		return nil
	}
	s.failures = 0
	metrics.TicksTotal.WithLabelValues("ok").Inc()
	logging.Aggregate(logging.CompScheduler, "tick",
		slog.Int("panes", stats.Discovery.Panes),
		slog.Int("discovered", len(stats.Discovery.Created)),
		slog.Int("removed", stats.Removed),
		slog.Int("refreshed", stats.Refreshed))
	return nil
}

// Tick runs the three passes once. Each pass runs even if an earlier one hit
// a store error; the joined store errors are returned.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	start := time.Now()
	var stats TickStats
	var errs []error

	dr, err := s.disc.Discover(ctx)
	stats.Discovery = dr
	if err != nil {
		errs = append(errs, err)
	}

	if stats.Removed, err = s.cleanup(ctx); err != nil {
		errs = append(errs, err)
	}

	if stats.Refreshed, stats.Skipped, err = s.refreshStale(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.prune(ctx); err != nil {
		errs = append(errs, err)
	}

	if counts, err := s.store.CountByState(ctx); err != nil {
		errs = append(errs, err)
	} else {
		metrics.SetSessionCounts(counts)
	}

	stats.Duration = time.Since(start)
	metrics.TickDuration.Observe(stats.Duration.Seconds())
	s.lastTick.Store(s.clock.Now().UnixMilli())
	return stats, errors.Join(errs...)
}

// cleanup deletes sessions whose pane is definitely gone. If the pane list
// cannot be read the pass is skipped: no answer is not absence.
func (s *Scheduler) cleanup(ctx context.Context) (int, error) {
	panes, err := s.src.ListPanes(ctx)
	if err != nil {
		schedLog.Debug("cleanup_skipped", slog.String("error", err.Error()))
		return 0, nil
	}
	present := make(map[session.Locator]bool, len(panes))
	for _, p := range panes {
		present[p.Locator] = true
	}

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sess := range sessions {
		if present[sess.Locator] || ctx.Err() != nil {
			continue
		}
		// Not in the listing; confirm with a direct probe before deleting.
		switch live := s.src.Liveness(ctx, sess.Locator); live {
		case tmux.Live:
			continue
		case tmux.Unknown:
			schedLog.Debug("liveness_unknown", slog.String("session_id", sess.ID), slog.String("target", sess.Target()))
			continue
		}

		ok, err := s.store.DeleteSession(ctx, sess.ID)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		removed++
		metrics.SessionsRemoved.Inc()
		schedLog.Info("session_removed",
			slog.String("session_id", sess.ID),
			slog.String("target", sess.Target()))
	}
	return removed, nil
}

// refreshStale re-captures and reclassifies sessions not updated within the
// staleness window. A changed snippet counts as fresh activity.
func (s *Scheduler) refreshStale(ctx context.Context) (refreshed, skipped int, err error) {
	now := s.clock.Now()
	stale, err := s.store.ListStale(ctx, now.Add(-s.store.StalenessWindow()))
	if err != nil {
		return 0, 0, err
	}

	for _, sess := range stale {
		if ctx.Err() != nil {
			return refreshed, skipped, nil
		}
		out, err := s.src.Capture(ctx, sess.Locator)
		if err != nil {
			if !errors.Is(err, tmux.ErrPaneNotFound) {
				metrics.CaptureFailures.Inc()
				logging.Aggregate(logging.CompScheduler, "pane_capture_failed",
					slog.String("target", sess.Target()))
			}
			continue
		}

		snippet := session.Snippet(out, s.opts.CaptureLines)
		since := now.Sub(sess.LastActivity)
		if snippet != sess.Snippet {
			since = 0
		}
		state := s.cls.Classify(out, since)
		if state == sess.State && snippet == sess.Snippet {
			continue
		}

		u := statedb.Update{SessionID: sess.ID, Method: session.MethodPoll, Snippet: &snippet}
		if state != sess.State {
			u.State = state
		}
		res, err := s.store.ApplyState(ctx, u)
		if errors.Is(err, statedb.ErrNotFound) {
			continue
		}
		if err != nil {
			return refreshed, skipped, err
		}
		if res.Skipped {
			skipped++
			metrics.PollsSkipped.Inc()
			continue
		}
		if res.Changed {
			refreshed++
			metrics.ObserveTransition(session.MethodPoll, res.Session.State)
			schedLog.Info("state_changed",
				slog.String("session_id", sess.ID),
				slog.String("from", string(res.Previous)),
				slog.String("to", string(res.Session.State)),
				slog.String("method", string(session.MethodPoll)))
		}
	}
	return refreshed, skipped, nil
}

func (s *Scheduler) prune(ctx context.Context) error {
	if s.opts.EventRetention <= 0 {
		return nil
	}
	now := s.clock.Now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		return nil
	}
	n, err := s.store.PruneEvents(ctx, now.Add(-s.opts.EventRetention))
	if err != nil {
		return err
	}
	s.lastPrune = now
	if n > 0 {
		schedLog.Info("events_pruned", slog.Int64("count", n))
	}
	return nil
}
