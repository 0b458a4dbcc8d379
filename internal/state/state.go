package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hydroconsumer/internal/keylock"
	"hydroconsumer/internal/model"
)

var ErrKeyMismatch = errors.New("record key does not match transaction key")

// Store is the durable append-only history per measurement key together
// with its "current" projection.
type Store interface {
	Current(ctx context.Context, key model.MeasurementKey) (model.VersionRecord, bool, error)
	// History returns the key's records ordered by CreatedAt ascending.
	History(ctx context.Context, key model.MeasurementKey) ([]model.VersionRecord, error)
	IsDelayed(ctx context.Context, key model.MeasurementKey, ts time.Time) (bool, error)
	InvalidateCurrent(ctx context.Context, key model.MeasurementKey) (int, error)
	Append(ctx context.Context, rec model.VersionRecord) (model.VersionRecord, error)
	// DeleteAll purges every record under the prefix. Maintenance only.
	DeleteAll(ctx context.Context, prefix model.KeyPrefix) (int, error)
	// WithinKey runs fn as one atomic unit for key: every mutation made
	// through tx is committed when fn returns nil and discarded otherwise.
	WithinKey(ctx context.Context, key model.MeasurementKey, fn func(tx KeyTx) error) error
}

// KeyTx is the view of a single key inside WithinKey.
type KeyTx interface {
	Current() (model.VersionRecord, bool, error)
	IsDelayed(ts time.Time) (bool, error)
	InvalidateCurrent() (int, error)
	Append(rec model.VersionRecord) (model.VersionRecord, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	locker keylock.Locker
	now    func() time.Time
}

// WithLocker replaces the in-process key lock, e.g. with a redis chain.
func WithLocker(l keylock.Locker) Option { return func(o *options) { o.locker = l } }

// WithClock overrides the CreatedAt source. Tests only.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) (keylock.Locker, func() time.Time) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.locker == nil {
		o.locker = keylock.NewLocal()
	}
	return o.locker, o.now
}

// NextCreatedAt keeps CreatedAt strictly increasing per key even when the
// wall clock stalls or steps back.
func NextCreatedAt(now time.Time, last time.Time) time.Time {
	n := model.NormalizeTime(now)
	if !last.IsZero() && !n.After(last) {
		return last.Add(time.Microsecond)
	}
	return n
}

// DelayedBy reports whether any record's effective timestamp is at or after ts.
func DelayedBy(history []model.VersionRecord, ts time.Time) bool {
	for _, r := range history {
		if !r.EffectiveTimestamp().Before(ts) {
			return true
		}
	}
	return false
}

// prepareAppend validates rec for key and stamps its CreatedAt.
func prepareAppend(key model.MeasurementKey, rec model.VersionRecord, last time.Time, now time.Time) (model.VersionRecord, error) {
	if !rec.Key.Equal(key) {
		return model.VersionRecord{}, fmt.Errorf("%w: %s != %s", ErrKeyMismatch, rec.Key, key)
	}
	rec.Key = key
	if rec.SourceEventTimestamp != nil {
		rec.SourceEventTimestamp = model.Time(*rec.SourceEventTimestamp)
	}
	rec.CreatedAt = NextCreatedAt(now, last)
	return rec, nil
}

// InMemoryStore is a thread-safe map store. It backs tests and dry runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]model.VersionRecord
	locker keylock.Locker
	now    func() time.Time
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	locker, now := BuildOptions(opts...)
	return &InMemoryStore{data: make(map[string][]model.VersionRecord), locker: locker, now: now}
}

func (s *InMemoryStore) snapshot(key model.MeasurementKey) []model.VersionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.data[key.String()]
	return append([]model.VersionRecord(nil), recs...)
}

func (s *InMemoryStore) WithinKey(ctx context.Context, key model.MeasurementKey, fn func(tx KeyTx) error) error {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memTx{key: key, recs: s.snapshot(key), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	s.mu.Lock()
	s.data[key.String()] = tx.recs
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Current(_ context.Context, key model.MeasurementKey) (model.VersionRecord, bool, error) {
	return currentOf(s.snapshot(key))
}

func (s *InMemoryStore) History(_ context.Context, key model.MeasurementKey) ([]model.VersionRecord, error) {
	return s.snapshot(key), nil
}

func (s *InMemoryStore) IsDelayed(_ context.Context, key model.MeasurementKey, ts time.Time) (bool, error) {
	return DelayedBy(s.snapshot(key), ts), nil
}

func (s *InMemoryStore) InvalidateCurrent(ctx context.Context, key model.MeasurementKey) (int, error) {
	var n int
	err := s.WithinKey(ctx, key, func(tx KeyTx) error {
		var err error
		n, err = tx.InvalidateCurrent()
		return err
	})
	return n, err
}

func (s *InMemoryStore) Append(ctx context.Context, rec model.VersionRecord) (model.VersionRecord, error) {
	var out model.VersionRecord
	err := s.WithinKey(ctx, rec.Key, func(tx KeyTx) error {
		var err error
		out, err = tx.Append(rec)
		return err
	})
	return out, err
}

func (s *InMemoryStore) DeleteAll(_ context.Context, prefix model.KeyPrefix) (int, error) {
	if err := prefix.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, recs := range s.data {
		if len(recs) > 0 && prefix.Matches(recs[0].Key) {
			n += len(recs)
			delete(s.data, k)
		}
	}
	return n, nil
}

// Keys returns every stored key in string order.
func (s *InMemoryStore) Keys() []model.MeasurementKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MeasurementKey, 0, len(s.data))
	for _, recs := range s.data {
		if len(recs) > 0 {
			out = append(out, recs[0].Key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

type memTx struct {
	key   model.MeasurementKey
	recs  []model.VersionRecord
	now   func() time.Time
	dirty bool
}

func (t *memTx) Current() (model.VersionRecord, bool, error) { return currentOf(t.recs) }

func (t *memTx) IsDelayed(ts time.Time) (bool, error) { return DelayedBy(t.recs, ts), nil }

func (t *memTx) InvalidateCurrent() (int, error) {
	n := 0
	for i := range t.recs {
		if t.recs[i].IsCurrent {
			t.recs[i].IsCurrent = false
			n++
		}
	}
	if n > 0 {
		t.dirty = true
	}
	return n, nil
}

func (t *memTx) Append(rec model.VersionRecord) (model.VersionRecord, error) {
	var last time.Time
	if len(t.recs) > 0 {
		last = t.recs[len(t.recs)-1].CreatedAt
	}
	rec, err := prepareAppend(t.key, rec, last, t.now())
	if err != nil {
		return model.VersionRecord{}, err
	}
	t.recs = append(t.recs, rec)
	t.dirty = true
	return rec, nil
}

func currentOf(recs []model.VersionRecord) (model.VersionRecord, bool, error) {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].IsCurrent {
			return recs[i], true, nil
		}
	}
	return model.VersionRecord{}, false, nil
}
