package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroconsumer/internal/database"
)

func ptr[T any](v T) *T { return &v }

var waterLevel = MeasurementType{
	ExaminationTypeSc: 25,
	ExaminationType:   "Water level",
	ParameterSc:       ptr(1),
	Parameter:         ptr("level"),
	UnitSc:            ptr(2),
	Unit:              ptr("cm"),
}

func exerciseCatalog(t *testing.T, c Catalog) {
	ctx := context.Background()
	ok, err := c.Exists(ctx, 25)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Upsert(ctx, waterLevel))
	ok, err = c.Exists(ctx, 25)
	require.NoError(t, err)
	assert.True(t, ok)

	renamed := waterLevel
	renamed.ExaminationType = "Water level (gauge)"
	require.NoError(t, c.Upsert(ctx, renamed))

	got, err := c.Get(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, "Water level (gauge)", got.ExaminationType)
	assert.Equal(t, "cm", *got.Unit)

	_, err = c.Get(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, c.Upsert(ctx, MeasurementType{ExaminationTypeSc: 3, ExaminationType: "Discharge"}))
	all, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 3, all[0].ExaminationTypeSc)
}

func TestMemory(t *testing.T) {
	exerciseCatalog(t, NewMemory())
}

func TestDB(t *testing.T) {
	db, err := database.Connect(database.Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, Models()...))
	exerciseCatalog(t, NewDB(db))
}

type countingLookup struct {
	calls int
	known map[int]bool
}

func (c *countingLookup) Exists(_ context.Context, sc int) (bool, error) {
	c.calls++
	return c.known[sc], nil
}

func TestCached(t *testing.T) {
	next := &countingLookup{known: map[int]bool{25: true}}
	c := NewCached(next)
	for i := 0; i < 3; i++ {
		ok, err := c.Exists(context.Background(), 25)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, next.calls)

	for i := 0; i < 2; i++ {
		ok, _ := c.Exists(context.Background(), 7)
		assert.False(t, ok)
	}
	assert.Equal(t, 3, next.calls, "misses are not cached")
}

func TestPebble(t *testing.T) {
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// unrelated keys in the same database are ignored by List
	require.NoError(t, db.Set([]byte("h-history"), []byte("x"), pebble.Sync))
	exerciseCatalog(t, NewPebble(db))

	neg := MeasurementType{ExaminationTypeSc: -1, ExaminationType: "negative"}
	require.NoError(t, NewPebble(db).Upsert(context.Background(), neg))
	all, err := NewPebble(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, -1, all[0].ExaminationTypeSc, "codes list in numeric order")
}

func TestSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "types.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"examinationTypeSc": 25, "examinationType": "Water level", "unit": "cm"},
		{"examinationTypeSc": 3, "examinationType": "Discharge"}
	]`), 0o600))

	c := NewMemory()
	n, err := Seed(context.Background(), c, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err := c.Get(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, "cm", *got.Unit)

	require.NoError(t, os.WriteFile(path, []byte(`[{"examinationTypeSc": 7}]`), 0o600))
	_, err = Seed(context.Background(), c, path)
	assert.Error(t, err, "entries need a name")

	_, err = Seed(context.Background(), c, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
