package state

import (
	"testing"
	"time"

	"hydroconsumer/internal/model"
)

func TestNextCreatedAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 1500, time.UTC)
	got := NextCreatedAt(now, time.Time{})
	if !got.Equal(now.Truncate(time.Microsecond)) {
		t.Fatalf("first createdAt should be the truncated clock, got %s", got)
	}

	last := now.Add(time.Second)
	got = NextCreatedAt(now, last)
	if !got.Equal(last.Add(time.Microsecond)) {
		t.Fatalf("clock behind last should step past last, got %s", got)
	}

	got = NextCreatedAt(last, last)
	if !got.After(last) {
		t.Fatalf("equal clock must still advance, got %s", got)
	}
}

func TestDelayedBy(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := []model.VersionRecord{
		{CreatedAt: at.Add(time.Hour)},
		{SourceEventTimestamp: model.Time(at), CreatedAt: at.Add(2 * time.Hour)},
	}
	if DelayedBy(nil, at) {
		t.Fatalf("empty history is never delayed")
	}
	if !DelayedBy(hist, at.Add(time.Hour)) {
		t.Fatalf("createdAt equal to ts should delay")
	}
	if DelayedBy(hist, at.Add(time.Hour+time.Microsecond)) {
		t.Fatalf("newer ts should not be delayed")
	}
}

func TestInMemoryStore_ClockInjection(t *testing.T) {
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewInMemoryStore(WithClock(func() time.Time { return fixed }))
	k := model.NewMeasurementKey("s", 1, 1, fixed)
	rec, err := s.Append(t.Context(), model.VersionRecord{Key: k, IsCurrent: true})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !rec.CreatedAt.Equal(fixed) {
		t.Fatalf("createdAt = %s, want %s", rec.CreatedAt, fixed)
	}
	rec, err = s.Append(t.Context(), model.VersionRecord{Key: k, IsCurrent: false})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !rec.CreatedAt.Equal(fixed.Add(time.Microsecond)) {
		t.Fatalf("stalled clock should step by 1µs, got %s", rec.CreatedAt)
	}
	if keys := s.Keys(); len(keys) != 1 || !keys[0].Equal(k) {
		t.Fatalf("keys = %v", keys)
	}
}

func TestEncodePrefix_Ordering(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	station, err := encodePrefix(model.StationPrefix("s1"))
	if err != nil {
		t.Fatal(err)
	}
	exact, err := encodePrefix(model.ExactPrefix(model.NewMeasurementKey("s1", -3, 25, at)))
	if err != nil {
		t.Fatal(err)
	}
	if len(exact) <= len(station) || string(exact[:len(station)]) != string(station) {
		t.Fatalf("exact key must extend the station prefix")
	}
	if _, err := encodePrefix(model.StationPrefix("bad\x00id")); err == nil {
		t.Fatalf("NUL in station id must be rejected")
	}

	a := putOrdered(nil, -1)
	b := putOrdered(nil, 1)
	if string(a) >= string(b) {
		t.Fatalf("ordered encoding must sort negatives first")
	}
	if ub := upperBound([]byte{1, 0xff}); len(ub) != 1 || ub[0] != 2 {
		t.Fatalf("upperBound = %v", ub)
	}
}
