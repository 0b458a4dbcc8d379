// Package telemetry accumulates per-worker consumption windows and
// periodically folds them into a Summary for reporters.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hydroconsumer/internal/model"
	"hydroconsumer/internal/reconcile"
)

// Counts are the per-window event counters.
type Counts struct {
	Received     int64
	Filtered     int64
	DecodeErrors int64
	HardErrors   int64
	Added        int64
	Updated      int64
	Deleted      int64
	Applied      int64
	Delayed      int64
	Noop         int64
}

func (c *Counts) add(o Counts) {
	c.Received += o.Received
	c.Filtered += o.Filtered
	c.DecodeErrors += o.DecodeErrors
	c.HardErrors += o.HardErrors
	c.Added += o.Added
	c.Updated += o.Updated
	c.Deleted += o.Deleted
	c.Applied += o.Applied
	c.Delayed += o.Delayed
	c.Noop += o.Noop
}

func (c *Counts) countKind(kind model.EventKind) {
	switch kind {
	case model.KindAdded:
		c.Added++
	case model.KindUpdated:
		c.Updated++
	case model.KindDeleted:
		c.Deleted++
	}
}

// OffsetRange is the lowest and highest offset seen on a partition.
type OffsetRange struct {
	Min int64
	Max int64
}

// Window is one worker's accumulator. The owning worker writes it and the
// aggregator drains it, so access is mutex-protected.
type Window struct {
	mu      sync.Mutex
	counts  Counts
	offsets map[int]OffsetRange
	minTs   time.Time
	maxTs   time.Time
}

func NewWindow() *Window {
	return &Window{offsets: make(map[int]OffsetRange)}
}

// Received records a delivery, whether or not it is later processed.
func (w *Window) Received(meta model.DeliveryMeta) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts.Received++
	r, ok := w.offsets[meta.Partition]
	if !ok {
		r = OffsetRange{Min: meta.Offset, Max: meta.Offset}
	}
	r.Min = min(r.Min, meta.Offset)
	r.Max = max(r.Max, meta.Offset)
	w.offsets[meta.Partition] = r
	if ts := meta.Timestamp; !ts.IsZero() {
		if w.minTs.IsZero() || ts.Before(w.minTs) {
			w.minTs = ts
		}
		if ts.After(w.maxTs) {
			w.maxTs = ts
		}
	}
}

func (w *Window) Filtered() { w.inc(func(c *Counts) { c.Filtered++ }) }

func (w *Window) DecodeError() { w.inc(func(c *Counts) { c.DecodeErrors++ }) }

func (w *Window) HardError() { w.inc(func(c *Counts) { c.HardErrors++ }) }

// Seen records an event that passed the filters.
func (w *Window) Seen(kind model.EventKind) { w.inc(func(c *Counts) { c.countKind(kind) }) }

// Processed records an event that passed the filters and its outcome.
func (w *Window) Processed(kind model.EventKind, outcome reconcile.Outcome) {
	w.inc(func(c *Counts) {
		c.countKind(kind)
		switch outcome {
		case reconcile.Applied:
			c.Applied++
		case reconcile.Delayed:
			c.Delayed++
		case reconcile.Noop:
			c.Noop++
		}
	})
}

func (w *Window) inc(fn func(c *Counts)) {
	w.mu.Lock()
	fn(&w.counts)
	w.mu.Unlock()
}

type windowSnapshot struct {
	counts  Counts
	offsets map[int]OffsetRange
	minTs   time.Time
	maxTs   time.Time
}

// drain returns the accumulated values and resets the window.
func (w *Window) drain() windowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := windowSnapshot{counts: w.counts, offsets: w.offsets, minTs: w.minTs, maxTs: w.maxTs}
	w.counts = Counts{}
	w.offsets = make(map[int]OffsetRange)
	w.minTs, w.maxTs = time.Time{}, time.Time{}
	return s
}

// Summary is one flushed reporting window.
type Summary struct {
	Start       time.Time
	End         time.Time
	Window      Counts
	Total       Counts
	Offsets     map[int]OffsetRange
	MinSourceTs time.Time
	MaxSourceTs time.Time
}

// String renders the summary as one log line.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Received %d/%d events (processed a,u,d: %d/%d,%d/%d,%d/%d)",
		s.Window.Received, s.Total.Received,
		s.Window.Added, s.Total.Added,
		s.Window.Updated, s.Total.Updated,
		s.Window.Deleted, s.Total.Deleted)
	parts := make([]int, 0, len(s.Offsets))
	for p := range s.Offsets {
		parts = append(parts, p)
	}
	sort.Ints(parts)
	for _, p := range parts {
		r := s.Offsets[p]
		fmt.Fprintf(&b, "; min/max for partition %d: %d/%d", p, r.Min, r.Max)
	}
	if !s.MinSourceTs.IsZero() {
		fmt.Fprintf(&b, "; event creation timestamp between %s and %s",
			s.MinSourceTs.UTC().Format(time.RFC3339Nano), s.MaxSourceTs.UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintf(&b, " within %d sec", int64(s.End.Sub(s.Start).Seconds()))
	return b.String()
}

// Reporter receives every flushed summary.
type Reporter interface {
	Report(s Summary)
}

// MultiReporter fans a summary out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(s Summary) {
	for _, r := range m {
		r.Report(s)
	}
}

// LogReporter writes summaries at INFO.
type LogReporter struct {
	log *zap.Logger
}

func NewLogReporter(log *zap.Logger) *LogReporter {
	return &LogReporter{log: log.Named("telemetry")}
}

func (l *LogReporter) Report(s Summary) {
	l.log.Info(s.String(),
		zap.Int64("received", s.Window.Received),
		zap.Int64("filtered", s.Window.Filtered),
		zap.Int64("applied", s.Window.Applied),
		zap.Int64("delayed", s.Window.Delayed),
		zap.Int64("decodeErrors", s.Window.DecodeErrors),
		zap.Int64("hardErrors", s.Window.HardErrors),
	)
}

// Aggregator owns the worker windows and folds them on Flush.
type Aggregator struct {
	mu       sync.Mutex
	windows  []*Window
	total    Counts
	start    time.Time
	reporter Reporter
	now      func() time.Time
}

func NewAggregator(reporter Reporter) *Aggregator {
	return &Aggregator{reporter: reporter, now: time.Now, start: time.Now()}
}

// NewWindow registers an accumulator for one worker.
func (a *Aggregator) NewWindow() *Window {
	w := NewWindow()
	a.mu.Lock()
	a.windows = append(a.windows, w)
	a.mu.Unlock()
	return w
}

// Flush drains every window, reports the merged summary and starts a new window.
func (a *Aggregator) Flush() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := a.now()
	s := Summary{Start: a.start, End: end, Offsets: make(map[int]OffsetRange)}
	for _, w := range a.windows {
		snap := w.drain()
		s.Window.add(snap.counts)
		for p, r := range snap.offsets {
			if cur, ok := s.Offsets[p]; ok {
				r.Min = min(r.Min, cur.Min)
				r.Max = max(r.Max, cur.Max)
			}
			s.Offsets[p] = r
		}
		if !snap.minTs.IsZero() && (s.MinSourceTs.IsZero() || snap.minTs.Before(s.MinSourceTs)) {
			s.MinSourceTs = snap.minTs
		}
		if snap.maxTs.After(s.MaxSourceTs) {
			s.MaxSourceTs = snap.maxTs
		}
	}
	a.total.add(s.Window)
	s.Total = a.total
	a.start = end
	if a.reporter != nil {
		a.reporter.Report(s)
	}
	return s
}

// Run flushes every period until ctx is done, then flushes once more.
// A non-positive period disables periodic flushing.
func (a *Aggregator) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush()
			return
		case <-t.C:
			a.Flush()
		}
	}
}
