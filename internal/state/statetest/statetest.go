// Package statetest holds the behavioural checks every state.Store
// implementation must pass.
package statetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroconsumer/internal/model"
	"hydroconsumer/internal/state"
)

// Factory opens an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) state.Store

var base = time.Date(2024, 10, 12, 0, 30, 0, 0, time.UTC)

// Key builds a test key for station s.
func Key(s string) model.MeasurementKey {
	return model.NewMeasurementKey(s, 1, 25, base)
}

// Run executes the full contract against stores produced by f.
func Run(t *testing.T, f Factory) {
	t.Run("AppendAndCurrent", func(t *testing.T) { testAppendAndCurrent(t, f(t)) })
	t.Run("InvalidateCurrent", func(t *testing.T) { testInvalidate(t, f(t)) })
	t.Run("IsDelayed", func(t *testing.T) { testIsDelayed(t, f(t)) })
	t.Run("WithinKeyRollback", func(t *testing.T) { testRollback(t, f(t)) })
	t.Run("WithinKeySeesOwnWrites", func(t *testing.T) { testOwnWrites(t, f(t)) })
	t.Run("CreatedAtMonotonic", func(t *testing.T) { testMonotonic(t, f(t)) })
	t.Run("KeyMismatch", func(t *testing.T) { testKeyMismatch(t, f(t)) })
	t.Run("DeleteAll", func(t *testing.T) { testDeleteAll(t, f(t)) })
	t.Run("ConcurrentSameKey", func(t *testing.T) { testConcurrentSameKey(t, f(t)) })
}

func testAppendAndCurrent(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")

	_, ok, err := s.Current(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Append(ctx, model.VersionRecord{Key: k, Value: model.Float(1.5), IsCurrent: true, SourceEventTimestamp: model.Time(base)})
	require.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())

	cur, ok, err := s.Current(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.5, *cur.Value)
	assert.True(t, cur.Key.Equal(k))
	assert.True(t, base.Equal(*cur.SourceEventTimestamp))

	hist, err := s.History(ctx, k)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	other, err := s.History(ctx, Key("s2"))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testInvalidate(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")

	n, err := s.InvalidateCurrent(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Append(ctx, model.VersionRecord{Key: k, Value: model.Float(1), IsCurrent: true})
	require.NoError(t, err)
	n, err = s.InvalidateCurrent(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.Current(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := s.History(ctx, k)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].IsCurrent)
}

func testIsDelayed(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")

	delayed, err := s.IsDelayed(ctx, k, base)
	require.NoError(t, err)
	assert.False(t, delayed, "empty history is never delayed")

	src := base.Add(time.Hour)
	_, err = s.Append(ctx, model.VersionRecord{Key: k, Value: model.Float(1), IsCurrent: true, SourceEventTimestamp: &src})
	require.NoError(t, err)

	for _, tc := range []struct {
		ts   time.Time
		want bool
	}{
		{src.Add(-time.Second), true},
		{src, true},
		{src.Add(time.Millisecond), false},
	} {
		delayed, err := s.IsDelayed(ctx, k, tc.ts)
		require.NoError(t, err)
		assert.Equal(t, tc.want, delayed, tc.ts)
	}

	// without a source timestamp the insert time counts
	k2 := Key("s2")
	rec, err := s.Append(ctx, model.VersionRecord{Key: k2, Value: model.Float(1), IsCurrent: true})
	require.NoError(t, err)
	delayed, err = s.IsDelayed(ctx, k2, rec.CreatedAt)
	require.NoError(t, err)
	assert.True(t, delayed)
}

func testRollback(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")
	_, err := s.Append(ctx, model.VersionRecord{Key: k, Value: model.Float(1), IsCurrent: true})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinKey(ctx, k, func(tx state.KeyTx) error {
		n, err := tx.InvalidateCurrent()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = tx.Append(model.VersionRecord{Key: k, Value: model.Float(2), IsCurrent: true})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	hist, err := s.History(ctx, k)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].IsCurrent)
	assert.Equal(t, 1.0, *hist[0].Value)
}

func testOwnWrites(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")
	err := s.WithinKey(ctx, k, func(tx state.KeyTx) error {
		if _, err := tx.Append(model.VersionRecord{Key: k, Value: model.Float(1), IsCurrent: true}); err != nil {
			return err
		}
		cur, ok, err := tx.Current()
		if err != nil {
			return err
		}
		assert.True(t, ok)
		assert.Equal(t, 1.0, *cur.Value)
		n, err := tx.InvalidateCurrent()
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)

	_, ok, err := s.Current(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMonotonic(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")
	for i := 0; i < 20; i++ {
		err := s.WithinKey(ctx, k, func(tx state.KeyTx) error {
			if _, err := tx.InvalidateCurrent(); err != nil {
				return err
			}
			_, err := tx.Append(model.VersionRecord{Key: k, Value: model.Float(float64(i)), IsCurrent: true})
			return err
		})
		require.NoError(t, err)
	}
	hist, err := s.History(ctx, k)
	require.NoError(t, err)
	require.Len(t, hist, 20)
	current := 0
	for i, r := range hist {
		if i > 0 {
			assert.True(t, r.CreatedAt.After(hist[i-1].CreatedAt), "createdAt must increase")
		}
		if r.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
	assert.True(t, hist[19].IsCurrent)
	assert.Equal(t, 19.0, *hist[19].Value)
}

func testKeyMismatch(t *testing.T, s state.Store) {
	err := s.WithinKey(context.Background(), Key("s1"), func(tx state.KeyTx) error {
		_, err := tx.Append(model.VersionRecord{Key: Key("s2"), IsCurrent: true})
		return err
	})
	assert.ErrorIs(t, err, state.ErrKeyMismatch)
}

func testDeleteAll(t *testing.T, s state.Store) {
	ctx := context.Background()
	keys := []model.MeasurementKey{
		model.NewMeasurementKey("s1", 1, 25, base),
		model.NewMeasurementKey("s1", 2, 25, base),
		model.NewMeasurementKey("s10", 1, 25, base),
	}
	for _, k := range keys {
		_, err := s.Append(ctx, model.VersionRecord{Key: k, Value: model.Float(1), IsCurrent: true})
		require.NoError(t, err)
	}
	_, err := s.InvalidateCurrent(ctx, keys[0])
	require.NoError(t, err)
	_, err = s.Append(ctx, model.VersionRecord{Key: keys[0], Value: model.Float(2), IsCurrent: true})
	require.NoError(t, err)

	_, err = s.DeleteAll(ctx, model.KeyPrefix{})
	assert.ErrorIs(t, err, model.ErrInvalidPrefix)

	point := 2
	n, err := s.DeleteAll(ctx, model.KeyPrefix{StationID: "s1", MeasurementPointNumber: &point})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.DeleteAll(ctx, model.StationPrefix("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hist, err := s.History(ctx, keys[2])
	require.NoError(t, err)
	assert.Len(t, hist, 1, "s10 must not match prefix s1")
}

func testConcurrentSameKey(t *testing.T, s state.Store) {
	ctx := context.Background()
	k := Key("s1")
	const workers = 8
	const iters = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				err := s.WithinKey(ctx, k, func(tx state.KeyTx) error {
					if _, err := tx.InvalidateCurrent(); err != nil {
						return err
					}
					_, err := tx.Append(model.VersionRecord{Key: k, Value: model.Float(float64(w*iters + i)), IsCurrent: true})
					return err
				})
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	hist, err := s.History(ctx, k)
	require.NoError(t, err)
	assert.Len(t, hist, workers*iters)
	current := 0
	for _, r := range hist {
		if r.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
}
