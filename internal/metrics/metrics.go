// Package metrics holds the daemon's Prometheus collectors. They register
// with the default registry and are exposed by the web server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/asheshgoplani/claude-admin/internal/session"
)

var (
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_admin_ticks_total",
		Help: "Reconciliation ticks by outcome (ok, store_error)",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "claude_admin_tick_duration_seconds",
		Help:    "Wall time of one reconciliation tick",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	SessionsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claude_admin_sessions_discovered_total",
		Help: "Sessions created by discovery",
	})

	SessionsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claude_admin_sessions_removed_total",
		Help: "Sessions deleted because their pane disappeared",
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_admin_state_transitions_total",
		Help: "State changes by detection method and new state",
	}, []string{"method", "state"})

	PollsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claude_admin_polls_skipped_total",
		Help: "Poll updates dropped because a recent push owns the state",
	})

	HooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_admin_hooks_received_total",
		Help: "Hook notifications by source (socket, spool) and resolution",
	}, []string{"source", "resolution"})

	CaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claude_admin_pane_capture_failures_total",
		Help: "capture-pane failures during discovery or stale refresh",
	})

	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claude_admin_sessions",
		Help: "Tracked sessions by state",
	}, []string{"state"})
)

// ObserveTransition records a state change.
func ObserveTransition(method session.DetectionMethod, to session.State) {
	StateTransitions.WithLabelValues(string(method), string(to)).Inc()
}

// ObserveHook records one ingested hook. resolution is "session" or "orphan".
func ObserveHook(source, resolution string) {
	if source == "" {
		source = "unknown"
	}
	HooksReceived.WithLabelValues(source, resolution).Inc()
}

// SetSessionCounts replaces the per-state gauge. States missing from counts
// are reported as zero.
func SetSessionCounts(counts map[session.State]int) {
	for _, st := range session.States {
		SessionsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
