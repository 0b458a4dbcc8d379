package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"hydroconsumer/internal/keylock"
	"hydroconsumer/internal/model"
)

const historyTag = 'h'

// PebbleStore implements Store using PebbleDB. Each record lives under
// tag|station|0x00|point|examination|datetime|createdAt, so a key's history
// is one contiguous range already ordered by CreatedAt.
type PebbleStore struct {
	db     *pebble.DB
	locker keylock.Locker
	now    func() time.Time
}

func NewPebbleStore(dir string, opts ...Option) (*PebbleStore, error) {
	popts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		WALBytesPerSync:          1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), popts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	locker, now := BuildOptions(opts...)
	return &PebbleStore{db: d, locker: locker, now: now}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

// DB exposes the underlying database so other tables can share it.
func (p *PebbleStore) DB() *pebble.DB { return p.db }

func putOrdered(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v)^(1<<63))
}

func encodePrefix(pr model.KeyPrefix) ([]byte, error) {
	if err := pr.Validate(); err != nil {
		return nil, err
	}
	if strings.IndexByte(pr.StationID, 0) >= 0 {
		return nil, fmt.Errorf("station id %q contains NUL", pr.StationID)
	}
	b := make([]byte, 0, 2+len(pr.StationID)+32)
	b = append(b, historyTag)
	b = append(b, pr.StationID...)
	b = append(b, 0)
	if pr.MeasurementPointNumber != nil {
		b = putOrdered(b, int64(*pr.MeasurementPointNumber))
	}
	if pr.ExaminationTypeSc != nil {
		b = putOrdered(b, int64(*pr.ExaminationTypeSc))
	}
	if pr.MeasurementDateTime != nil {
		b = putOrdered(b, model.NormalizeTime(*pr.MeasurementDateTime).UnixMicro())
	}
	return b, nil
}

func encodeRecordKey(keyPrefix []byte, createdAt time.Time) []byte {
	out := append([]byte(nil), keyPrefix...)
	return putOrdered(out, createdAt.UnixMicro())
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodePebbleRecord(r model.VersionRecord) ([]byte, error) { return json.Marshal(r) }
func decodePebbleRecord(val []byte) (model.VersionRecord, error) {
	var r model.VersionRecord
	if err := json.Unmarshal(val, &r); err != nil {
		return model.VersionRecord{}, err
	}
	return r, nil
}

func scan(r pebble.Reader, prefix []byte, fn func(k []byte, rec model.VersionRecord) error) error {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		rec, err := decodePebbleRecord(it.Value())
		if err != nil {
			return fmt.Errorf("decode %x: %w", it.Key(), err)
		}
		if err := fn(append([]byte(nil), it.Key()...), rec); err != nil {
			return err
		}
	}
	return it.Error()
}

func readHistory(r pebble.Reader, prefix []byte) ([]model.VersionRecord, error) {
	var out []model.VersionRecord
	err := scan(r, prefix, func(_ []byte, rec model.VersionRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (p *PebbleStore) WithinKey(ctx context.Context, key model.MeasurementKey, fn func(tx KeyTx) error) error {
	prefix, err := encodePrefix(model.ExactPrefix(key))
	if err != nil {
		return err
	}
	unlock, err := p.locker.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	b := p.db.NewIndexedBatch()
	defer b.Close()
	tx := &pebbleTx{key: key, prefix: prefix, batch: b, now: p.now}
	if err := fn(tx); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) History(_ context.Context, key model.MeasurementKey) ([]model.VersionRecord, error) {
	prefix, err := encodePrefix(model.ExactPrefix(key))
	if err != nil {
		return nil, err
	}
	return readHistory(p.db, prefix)
}

func (p *PebbleStore) Current(ctx context.Context, key model.MeasurementKey) (model.VersionRecord, bool, error) {
	recs, err := p.History(ctx, key)
	if err != nil {
		return model.VersionRecord{}, false, err
	}
	return currentOf(recs)
}

func (p *PebbleStore) IsDelayed(ctx context.Context, key model.MeasurementKey, ts time.Time) (bool, error) {
	recs, err := p.History(ctx, key)
	if err != nil {
		return false, err
	}
	return DelayedBy(recs, ts), nil
}

func (p *PebbleStore) InvalidateCurrent(ctx context.Context, key model.MeasurementKey) (int, error) {
	var n int
	err := p.WithinKey(ctx, key, func(tx KeyTx) error {
		var err error
		n, err = tx.InvalidateCurrent()
		return err
	})
	return n, err
}

func (p *PebbleStore) Append(ctx context.Context, rec model.VersionRecord) (model.VersionRecord, error) {
	var out model.VersionRecord
	err := p.WithinKey(ctx, rec.Key, func(tx KeyTx) error {
		var err error
		out, err = tx.Append(rec)
		return err
	})
	return out, err
}

func (p *PebbleStore) DeleteAll(_ context.Context, pr model.KeyPrefix) (int, error) {
	prefix, err := encodePrefix(pr)
	if err != nil {
		return 0, err
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	n := 0
	err = scan(p.db, prefix, func(k []byte, _ model.VersionRecord) error {
		n++
		return wb.Delete(k, nil)
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

type pebbleTx struct {
	key    model.MeasurementKey
	prefix []byte
	batch  *pebble.Batch
	now    func() time.Time
}

func (t *pebbleTx) Current() (model.VersionRecord, bool, error) {
	recs, err := readHistory(t.batch, t.prefix)
	if err != nil {
		return model.VersionRecord{}, false, err
	}
	return currentOf(recs)
}

func (t *pebbleTx) IsDelayed(ts time.Time) (bool, error) {
	recs, err := readHistory(t.batch, t.prefix)
	if err != nil {
		return false, err
	}
	return DelayedBy(recs, ts), nil
}

func (t *pebbleTx) InvalidateCurrent() (int, error) {
	type update struct {
		k   []byte
		val []byte
	}
	var updates []update
	err := scan(t.batch, t.prefix, func(k []byte, rec model.VersionRecord) error {
		if !rec.IsCurrent {
			return nil
		}
		rec.IsCurrent = false
		val, err := encodePebbleRecord(rec)
		if err != nil {
			return err
		}
		updates = append(updates, update{k: k, val: val})
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		if err := t.batch.Set(u.k, u.val, nil); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}

func (t *pebbleTx) Append(rec model.VersionRecord) (model.VersionRecord, error) {
	var last time.Time
	err := scan(t.batch, t.prefix, func(_ []byte, r model.VersionRecord) error {
		last = r.CreatedAt
		return nil
	})
	if err != nil {
		return model.VersionRecord{}, err
	}
	rec, err = prepareAppend(t.key, rec, last, t.now())
	if err != nil {
		return model.VersionRecord{}, err
	}
	val, err := encodePebbleRecord(rec)
	if err != nil {
		return model.VersionRecord{}, err
	}
	k := encodeRecordKey(t.prefix, rec.CreatedAt)
	if _, closer, err := t.batch.Get(k); err == nil {
		_ = closer.Close()
		return model.VersionRecord{}, fmt.Errorf("record %s at %s already exists", t.key, rec.CreatedAt)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return model.VersionRecord{}, err
	}
	if err := t.batch.Set(k, val, nil); err != nil {
		return model.VersionRecord{}, err
	}
	return rec, nil
}
