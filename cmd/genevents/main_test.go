package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroconsumer/internal/model"
	"hydroconsumer/internal/source"
)

func TestGenerate(t *testing.T) {
	cfg := genConfig{
		count:      300,
		stations:   3,
		partitions: 2,
		duplicates: 0.2,
		seed:       42,
		start:      time.Date(2024, 10, 12, 0, 0, 0, 0, time.UTC),
	}
	var got []source.Record
	n, err := generate(cfg, func(r source.Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	require.Len(t, got, 300)

	next := map[int]int64{}
	seen := map[string]int{}
	kinds := map[model.EventKind]int{}
	for _, r := range got {
		assert.Equal(t, next[r.Partition], r.Offset, "offsets are dense per partition")
		next[r.Partition]++

		ev, err := model.Decode(model.Message{Payload: r.Payload, Partition: r.Partition, Offset: r.Offset, Timestamp: r.Timestamp})
		require.NoError(t, err)
		kinds[ev.Kind()]++
		seen[string(r.Payload)+r.Timestamp.String()]++
	}
	dups := 0
	for _, c := range seen {
		dups += c - 1
	}
	assert.Positive(t, dups, "duplicates are injected")
	assert.Positive(t, kinds[model.KindAdded])
	assert.Positive(t, kinds[model.KindUpdated])
	assert.Positive(t, kinds[model.KindDeleted])
}

func TestGenerate_Validation(t *testing.T) {
	_, err := generate(genConfig{count: 1}, func(source.Record) error { return nil })
	assert.Error(t, err)
}
