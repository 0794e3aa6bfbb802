package logging

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// summary accumulates one component/event pair between flushes.
type summary struct {
	component string
	event     string
	count     int64
	first     time.Time
	last      time.Time
	attrs     []slog.Attr
}

// Aggregator folds repetitive records (one per pane per tick, one per
// failed capture) into a single event_summary per component and event each
// interval. The summary carries the count, first and last occurrence, and
// the attributes of the latest occurrence.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	pending map[string]*summary

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// A nil logger drops everything.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	return newAggregatorWithClock(logger, intervalSecs, clock.New())
}

func newAggregatorWithClock(logger *slog.Logger, intervalSecs int, clk clock.Clock) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		clock:    clk,
		pending:  make(map[string]*summary),
		stop:     make(chan struct{}),
	}
}

// Start runs the flush loop until Stop.
func (a *Aggregator) Start() {
	ticker := a.clock.Ticker(a.interval)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop and writes whatever is pending. Safe to call
// more than once and without Start.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of event.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	now := a.clock.Now()
	key := component + "\x00" + event

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.pending[key]
	if !ok {
		s = &summary{component: component, event: event, first: now}
		a.pending[key] = s
	}
	s.count++
	s.last = now
	if len(attrs) > 0 {
		s.attrs = attrs
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]*summary, 0, len(a.pending))
	for _, s := range a.pending {
		batch = append(batch, s)
	}
	a.pending = make(map[string]*summary)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	slices.SortFunc(batch, func(x, y *summary) int {
		if c := cmp.Compare(x.component, y.component); c != 0 {
			return c
		}
		return cmp.Compare(x.event, y.event)
	})
	for _, s := range batch {
		args := []any{
			slog.String("component", s.component),
			slog.String("event", s.event),
			slog.Int64("count", s.count),
			slog.Time("first_seen", s.first),
			slog.Time("last_seen", s.last),
		}
		for _, attr := range s.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}
