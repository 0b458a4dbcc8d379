package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// catalogTag keeps catalog entries apart from the version history ('h')
// when both share one pebble database.
const catalogTag = 'c'

// Pebble is a Catalog stored in a pebble database under its own key tag.
type Pebble struct {
	db *pebble.DB
}

func NewPebble(db *pebble.DB) *Pebble { return &Pebble{db: db} }

func pebbleKey(sc int) []byte {
	return binary.BigEndian.AppendUint64([]byte{catalogTag}, uint64(int64(sc))^(1<<63))
}

func (c *Pebble) Exists(_ context.Context, sc int) (bool, error) {
	_, closer, err := c.db.Get(pebbleKey(sc))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup measurement type: %w", err)
	}
	_ = closer.Close()
	return true, nil
}

func (c *Pebble) Get(_ context.Context, sc int) (MeasurementType, error) {
	val, closer, err := c.db.Get(pebbleKey(sc))
	if errors.Is(err, pebble.ErrNotFound) {
		return MeasurementType{}, fmt.Errorf("%w: %d", ErrNotFound, sc)
	}
	if err != nil {
		return MeasurementType{}, err
	}
	defer closer.Close()
	var t MeasurementType
	if err := json.Unmarshal(val, &t); err != nil {
		return MeasurementType{}, fmt.Errorf("decode measurement type %d: %w", sc, err)
	}
	return t, nil
}

func (c *Pebble) List(_ context.Context) ([]MeasurementType, error) {
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{catalogTag},
		UpperBound: []byte{catalogTag + 1},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []MeasurementType
	for it.First(); it.Valid(); it.Next() {
		var t MeasurementType
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode %x: %w", it.Key(), err)
		}
		out = append(out, t)
	}
	return out, it.Error()
}

func (c *Pebble) Upsert(_ context.Context, mt MeasurementType) error {
	val, err := json.Marshal(mt)
	if err != nil {
		return err
	}
	return c.db.Set(pebbleKey(mt.ExaminationTypeSc), val, pebble.Sync)
}
