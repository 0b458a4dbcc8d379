// Package reconcile applies change events to the version store while
// keeping at most one current record per key.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hydroconsumer/internal/catalog"
	"hydroconsumer/internal/model"
	"hydroconsumer/internal/state"
)

var ErrUnknownMeasurementType = errors.New("unknown measurement type")

// Outcome says what reconciliation did with an event.
type Outcome int

const (
	// Applied means a record was appended.
	Applied Outcome = iota
	// Delayed means the event was stale and dropped.
	Delayed
	// Noop means there was nothing to change, e.g. deleting a missing key.
	Noop
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Delayed:
		return "delayed"
	case Noop:
		return "noop"
	default:
		return "unknown"
	}
}

// Result carries the appended record when Outcome is Applied.
type Result struct {
	Outcome Outcome
	Record  *model.VersionRecord
}

type Option func(*Reconciler)

// WithCatalog rejects mutations of keys whose examination type is not in l.
func WithCatalog(l catalog.Lookup) Option { return func(r *Reconciler) { r.catalog = l } }

type Reconciler struct {
	store   state.Store
	catalog catalog.Lookup
	log     *zap.Logger
}

func New(store state.Store, log *zap.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{store: store, log: log.Named("reconcile")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply reconciles one event. A stale or no-op event is a successful
// Result without a record; only store and integrity failures are errors.
func (r *Reconciler) Apply(ctx context.Context, ev model.ChangeEvent) (Result, error) {
	var res Result
	err := r.store.WithinKey(ctx, ev.Key, func(tx state.KeyTx) error {
		var err error
		switch ev.Kind() {
		case model.KindAdded, model.KindUpdated:
			res, err = r.upsert(ctx, tx, ev)
		case model.KindDeleted:
			res, err = r.delete(ctx, tx, ev)
		default:
			err = fmt.Errorf("%w: %v", model.ErrUnknownEventType, ev.Kind())
		}
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s %s: %w", ev.Kind(), ev.Key, err)
	}
	return res, nil
}

func (r *Reconciler) upsert(ctx context.Context, tx state.KeyTx, ev model.ChangeEvent) (Result, error) {
	delayed, err := tx.IsDelayed(ev.SourceEventTimestamp)
	if err != nil {
		return Result{}, err
	}
	if delayed {
		r.log.Warn("delayed event dropped", eventFields(ev)...)
		return Result{Outcome: Delayed}, nil
	}
	if err := r.checkCatalog(ctx, ev.Key); err != nil {
		return Result{}, err
	}
	n, err := r.invalidate(tx, ev)
	if err != nil {
		return Result{}, err
	}
	switch {
	case ev.Kind() == model.KindAdded && n > 0:
		r.log.Warn("added existing measurement", eventFields(ev)...)
	case ev.Kind() == model.KindUpdated && n == 0:
		r.log.Warn("update on nonexistent measurement", eventFields(ev)...)
	}
	rec, err := tx.Append(model.VersionRecord{
		Key:                  ev.Key,
		Value:                ev.Value,
		SourceEventTimestamp: model.Time(ev.SourceEventTimestamp),
		IsCurrent:            true,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Applied, Record: &rec}, nil
}

func (r *Reconciler) delete(ctx context.Context, tx state.KeyTx, ev model.ChangeEvent) (Result, error) {
	n, err := r.invalidate(tx, ev)
	if err != nil {
		return Result{}, err
	}
	if n == 0 {
		r.log.Warn("delete of nonexistent measurement", eventFields(ev)...)
		return Result{Outcome: Noop}, nil
	}
	if err := r.checkCatalog(ctx, ev.Key); err != nil {
		return Result{}, err
	}
	rec, err := tx.Append(model.VersionRecord{
		Key:                  ev.Key,
		SourceEventTimestamp: model.Time(ev.SourceEventTimestamp),
		IsCurrent:            false,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Applied, Record: &rec}, nil
}

func (r *Reconciler) invalidate(tx state.KeyTx, ev model.ChangeEvent) (int, error) {
	n, err := tx.InvalidateCurrent()
	if err != nil {
		return 0, err
	}
	if n > 1 {
		r.log.Warn("multiple current records invalidated", append(eventFields(ev), zap.Int("count", n))...)
	}
	return n, nil
}

func (r *Reconciler) checkCatalog(ctx context.Context, key model.MeasurementKey) error {
	if r.catalog == nil {
		return nil
	}
	ok, err := r.catalog.Exists(ctx, key.ExaminationTypeSc)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: examination type %d", ErrUnknownMeasurementType, key.ExaminationTypeSc)
	}
	return nil
}

func eventFields(ev model.ChangeEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("event", ev.Kind().String()),
		zap.String("station", ev.Key.StationID),
		zap.Int("point", ev.Key.MeasurementPointNumber),
		zap.Int("examinationType", ev.Key.ExaminationTypeSc),
		zap.Time("measuredAt", ev.Key.MeasurementDateTime),
		zap.Time("sourceEventTimestamp", ev.SourceEventTimestamp),
		zap.Int("partition", ev.Delivery.Partition),
		zap.Int64("offset", ev.Delivery.Offset),
	}
	if ev.Value != nil {
		fields = append(fields, zap.Float64("result", *ev.Value))
	}
	return fields
}
