package daemon

import (
	"context"
	"errors"
	"log/slog"

	"github.com/asheshgoplani/claude-admin/internal/logging"
	"github.com/asheshgoplani/claude-admin/internal/metrics"
	"github.com/asheshgoplani/claude-admin/internal/session"
	"github.com/asheshgoplani/claude-admin/internal/statedb"
	"github.com/asheshgoplani/claude-admin/internal/tmux"
)

var discoveryLog = logging.ForComponent(logging.CompDiscovery)

// Discoverer turns assistant panes without a session into tracked sessions.
type Discoverer struct {
	src          tmux.Source
	store        *statedb.StateDB
	cls          *session.Classifier
	snippetLines int
}

// NewDiscoverer wires a discoverer. A nil classifier uses the built-in patterns.
func NewDiscoverer(src tmux.Source, store *statedb.StateDB, cls *session.Classifier, snippetLines int) *Discoverer {
	if cls == nil {
		cls = session.NewClassifier(nil)
	}
	if snippetLines <= 0 {
		snippetLines = tmux.DefaultCaptureLines
	}
	return &Discoverer{src: src, store: store, cls: cls, snippetLines: snippetLines}
}

// DiscoveryResult summarizes one discovery pass.
type DiscoveryResult struct {
	// Created holds the sessions this pass inserted.
	Created []*session.Session
	// Panes is the number of panes the source listed; Matched how many of
	// them run the assistant.
	Panes   int
	Matched int
	// CaptureFailures counts panes skipped because capture failed.
	CaptureFailures int
	// SourceErr is set when the pane list could not be read at all.
	SourceErr error
}

// Discover lists panes and creates a session for every assistant pane whose
// locator is not yet tracked. The returned error is a store failure; pane
// source trouble is reported in the result and never fails the pass.
func (d *Discoverer) Discover(ctx context.Context) (DiscoveryResult, error) {
	var res DiscoveryResult

	panes, err := d.src.ListPanes(ctx)
	if err != nil {
		res.SourceErr = err
		if errors.Is(err, tmux.ErrNoServer) {
			discoveryLog.Debug("discovery_no_server")
		} else {
			logging.Aggregate(logging.CompDiscovery, "pane_list_failed", slog.String("error", err.Error()))
		}
		return res, nil
	}
	res.Panes = len(panes)

	for _, p := range panes {
		if ctx.Err() != nil {
			return res, nil
		}
		if !p.Assistant {
			continue
		}
		res.Matched++

		existing, err := d.store.GetSessionByLocator(ctx, p.Locator)
		switch {
		case err == nil:
			if err := d.refreshLocation(ctx, existing, p); err != nil {
				return res, err
			}
			continue
		case !errors.Is(err, statedb.ErrNotFound):
			return res, err
		}

		out, err := d.src.Capture(ctx, p.Locator)
		if err != nil {
			res.CaptureFailures++
			metrics.CaptureFailures.Inc()
			logging.Aggregate(logging.CompDiscovery, "pane_capture_failed",
				slog.String("target", p.Locator.String()))
			continue
		}

		state := d.cls.Classify(out, 0)
		sess, created, err := d.store.CreateSession(ctx, statedb.NewSession{
			Locator:    p.Locator,
			TmuxPaneID: p.PaneID,
			WorkingDir: p.WorkingDir,
			State:      state,
			Snippet:    session.Snippet(out, d.snippetLines),
		})
		if err != nil {
			return res, err
		}
		if !created {
			continue
		}
		res.Created = append(res.Created, sess)
		metrics.SessionsDiscovered.Inc()
		discoveryLog.Info("session_discovered",
			slog.String("session_id", sess.ID),
			slog.String("target", sess.Target()),
			slog.String("cwd", sess.WorkingDir),
			slog.String("state", string(sess.State)))
	}
	return res, nil
}

// refreshLocation keeps the pane id and working directory current for a
// tracked session. A session deleted concurrently is not an error.
func (d *Discoverer) refreshLocation(ctx context.Context, s *session.Session, p tmux.Pane) error {
	if (p.PaneID == "" || p.PaneID == s.TmuxPaneID) && (p.WorkingDir == "" || p.WorkingDir == s.WorkingDir) {
		return nil
	}
	paneID, dir := s.TmuxPaneID, s.WorkingDir
	if p.PaneID != "" {
		paneID = p.PaneID
	}
	if p.WorkingDir != "" {
		dir = p.WorkingDir
	}
	err := d.store.UpdateLocation(ctx, s.ID, paneID, dir)
	if errors.Is(err, statedb.ErrNotFound) {
		return nil
	}
	if err == nil {
		discoveryLog.Debug("session_location_updated",
			slog.String("session_id", s.ID),
			slog.String("cwd", dir))
	}
	return err
}
