// Package consumer drives reconciliation from a broker source with one
// sequential worker per partition.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hydroconsumer/internal/changelog"
	"hydroconsumer/internal/metrics"
	"hydroconsumer/internal/model"
	"hydroconsumer/internal/reconcile"
	"hydroconsumer/internal/source"
	"hydroconsumer/internal/telemetry"
)

var ErrAlreadyStarted = errors.New("consumer already started")

// Config is the consumer section of the configuration.
type Config struct {
	// Events is the event-type allow-list as letters from "aud"; empty means all.
	Events string `mapstructure:"events" default:"aud"`
	// ExaminationTypes is a comma separated allow-list; empty means all.
	ExaminationTypes string `mapstructure:"examination_types" default:""`
	// ReportPeriod is how often a summary is flushed; 0 disables it.
	ReportPeriod time.Duration `mapstructure:"report_period" default:"1m"`
	// DryRun decodes and filters only. Nothing is persisted or committed.
	DryRun             bool `mapstructure:"dry_run" default:"false"`
	LogAllEvents       bool `mapstructure:"log_all_events" default:"false"`
	LogProcessedEvents bool `mapstructure:"log_processed_events" default:"false"`
	// QueueSize is the per-partition buffer between fetcher and worker.
	QueueSize int `mapstructure:"queue_size" default:"64"`
}

// Reconciler applies one decoded event.
type Reconciler interface {
	Apply(ctx context.Context, ev model.ChangeEvent) (reconcile.Result, error)
}

// State is the lifecycle of a Consumer.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

type Option func(*Consumer)

// WithMetrics reports into reg instead of a private registry.
func WithMetrics(reg *metrics.Registry) Option { return func(c *Consumer) { c.metrics = reg } }

// WithChangelog publishes every applied record to w.
func WithChangelog(w changelog.Writer) Option { return func(c *Consumer) { c.changelog = w } }

// WithReporter adds a summary reporter next to the log reporter.
func WithReporter(r telemetry.Reporter) Option {
	return func(c *Consumer) { c.reporters = append(c.reporters, r) }
}

type Consumer struct {
	src       source.Source
	rec       Reconciler
	cfg       Config
	filter    Filter
	log       *zap.Logger
	metrics   *metrics.Registry
	changelog changelog.Writer
	reporters []telemetry.Reporter
	agg       *telemetry.Aggregator

	started atomic.Bool
	state   atomic.Int32
}

func New(src source.Source, rec Reconciler, cfg Config, log *zap.Logger, opts ...Option) (*Consumer, error) {
	if src == nil {
		return nil, errors.New("consumer needs a source")
	}
	if rec == nil && !cfg.DryRun {
		return nil, errors.New("consumer needs a reconciler unless dry run")
	}
	filter, err := ParseFilter(cfg.Events, cfg.ExaminationTypes)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	c := &Consumer{src: src, rec: rec, cfg: cfg, filter: filter, log: log.Named("consumer")}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRegistry()
	}
	reporters := telemetry.MultiReporter{telemetry.NewLogReporter(log), c.metrics}
	reporters = append(reporters, c.reporters...)
	c.agg = telemetry.NewAggregator(reporters)
	return c, nil
}

// State reports whether Run is in progress.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Flush forces a telemetry summary outside the periodic schedule.
func (c *Consumer) Flush() telemetry.Summary { return c.agg.Flush() }

type worker struct {
	ch     chan model.Message
	window *telemetry.Window
}

// Run consumes until ctx is cancelled or the source is exhausted. A
// consumer runs at most once.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.state.Store(int32(Running))
	defer c.state.Store(int32(Stopped))

	c.log.Info("consumer started",
		zap.String("events", c.cfg.Events),
		zap.String("examinationTypes", c.cfg.ExaminationTypes),
		zap.Bool("dryRun", c.cfg.DryRun),
		zap.Duration("reportPeriod", c.cfg.ReportPeriod))

	aggCtx, stopAgg := context.WithCancel(context.Background())
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		c.agg.Run(aggCtx, c.cfg.ReportPeriod)
	}()

	var wg sync.WaitGroup
	workers := make(map[int]*worker)
	dispatch := func(msg model.Message) bool {
		w, ok := workers[msg.Partition]
		if !ok {
			w = &worker{ch: make(chan model.Message, c.cfg.QueueSize), window: c.agg.NewWindow()}
			workers[msg.Partition] = w
			wg.Add(1)
			go func(partition int) {
				defer wg.Done()
				c.log.Debug("partition worker started", zap.Int("partition", partition))
				for m := range w.ch {
					if ctx.Err() != nil {
						// left uncommitted for redelivery
						continue
					}
					c.handle(ctx, w.window, m)
				}
			}(msg.Partition)
		}
		select {
		case w.ch <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var runErr error
	for {
		msg, err := c.src.Fetch(ctx)
		if err != nil {
			if errors.Is(err, source.ErrClosed) || ctx.Err() != nil {
				break
			}
			runErr = fmt.Errorf("fetch: %w", err)
			c.log.Error("fetch failed, stopping", zap.Error(err))
			break
		}
		if !dispatch(msg) {
			break
		}
	}

	for _, w := range workers {
		close(w.ch)
	}
	wg.Wait()
	stopAgg()
	<-aggDone
	c.log.Info("consumer stopped")
	return runErr
}

// handle processes one message. Failures are logged and never stop the worker.
// A message that fails to reconcile is left uncommitted, but a later commit on
// the same partition moves the group offset past it, so it is only
// redelivered if the process restarts before that commit.
func (c *Consumer) handle(ctx context.Context, window *telemetry.Window, msg model.Message) {
	window.Received(msg.Meta())
	c.metrics.Received.Inc()
	if c.cfg.LogAllEvents {
		c.log.Info("event received",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("payload", msg.Payload))
	}

	ev, err := model.Decode(msg)
	if err != nil {
		window.DecodeError()
		c.metrics.DecodeErrors.Inc()
		c.log.Error("decode failed",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("payload", msg.Payload),
			zap.Error(err))
		c.commit(ctx, msg)
		return
	}

	if !c.filter.Allows(ev) {
		window.Filtered()
		c.metrics.Filtered.Inc()
		c.commit(ctx, msg)
		return
	}
	if c.cfg.LogProcessedEvents {
		c.log.Info("processing event",
			zap.String("event", ev.Kind().String()),
			zap.String("key", ev.Key.String()),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}
	if c.cfg.DryRun {
		window.Seen(ev.Kind())
		return
	}

	start := time.Now()
	res, err := c.rec.Apply(ctx, ev)
	c.metrics.ReconcileLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			c.log.Debug("reconcile interrupted by shutdown", zap.Error(err))
			return
		}
		window.HardError()
		c.metrics.HardErrors.Inc()
		c.log.Error("reconcile failed, message not committed",
			zap.String("event", ev.Kind().String()),
			zap.String("key", ev.Key.String()),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	window.Processed(ev.Kind(), res.Outcome)
	c.metrics.Reconciled.WithLabelValues(ev.Kind().String(), res.Outcome.String()).Inc()

	if res.Record != nil && c.changelog != nil {
		if err := c.changelog.Append(ctx, changelog.NewEntry(ev, *res.Record)); err != nil {
			c.log.Warn("changelog append failed", zap.String("key", ev.Key.String()), zap.Error(err))
		} else {
			c.metrics.ChangelogAppended.Inc()
		}
	}
	c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg model.Message) {
	if c.cfg.DryRun {
		return
	}
	if err := c.src.Commit(ctx, msg); err != nil {
		c.metrics.CommitErrors.Inc()
		c.log.Warn("commit failed",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
