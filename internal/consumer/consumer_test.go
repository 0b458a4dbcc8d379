package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"hydroconsumer/internal/changelog"
	"hydroconsumer/internal/model"
	"hydroconsumer/internal/reconcile"
	"hydroconsumer/internal/source"
	"hydroconsumer/internal/state"
	"hydroconsumer/internal/telemetry"
)

var base = time.Date(2024, 10, 12, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	msgs      []model.Message
	committed []model.Message
	// hold keeps Fetch blocked once drained instead of reporting ErrClosed.
	hold bool
}

func (f *fakeSource) Fetch(ctx context.Context) (model.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	if f.hold {
		<-ctx.Done()
		return model.Message{}, ctx.Err()
	}
	return model.Message{}, source.ErrClosed
}

func (f *fakeSource) Commit(_ context.Context, m model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m)
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.committed))
	for _, m := range f.committed {
		out = append(out, m.Offset)
	}
	return out
}

func payload(kind string, exam int, result string) []byte {
	res := ""
	if result != "" {
		res = fmt.Sprintf(`,"Result":%s`, result)
	}
	return []byte(fmt.Sprintf(`{"EventType":%q,"StationId":"0-2000-0-1","MeasurementPointNumber":1,"ExaminationTypeSc":%d,"MeasurementDateTime":"2024-10-12T00:30:00Z"%s}`,
		kind, exam, res))
}

func message(partition int, offset int64, ts time.Time, body []byte) model.Message {
	return model.Message{Partition: partition, Offset: offset, Timestamp: ts, Payload: body}
}

type capture struct {
	mu  sync.Mutex
	got []telemetry.Summary
}

func (c *capture) Report(s telemetry.Summary) {
	c.mu.Lock()
	c.got = append(c.got, s)
	c.mu.Unlock()
}

func (c *capture) total() telemetry.Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) == 0 {
		return telemetry.Counts{}
	}
	return c.got[len(c.got)-1].Total
}

type countingWriter struct {
	mu sync.Mutex
	n  int
}

func (w *countingWriter) Append(context.Context, changelog.Entry) error {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
	return nil
}

func TestConsumer_ReconcilesStream(t *testing.T) {
	store := state.NewInMemoryStore()
	src := &fakeSource{msgs: []model.Message{
		message(0, 1, base.Add(-10*time.Minute), payload(model.EventMeasurementAdded, 25, "1.5")),
		message(0, 2, base.Add(-5*time.Minute), payload(model.EventMeasurementUpdated, 25, "2.5")),
		message(0, 3, base.Add(-5*time.Minute), payload(model.EventMeasurementUpdated, 25, "2.5")),
		message(0, 4, base, payload(model.EventMeasurementDeleted, 25, "")),
	}}
	feed := &countingWriter{}
	rep := &capture{}
	c, err := New(src, reconcile.New(store, nil), Config{Events: "aud", ReportPeriod: time.Hour}, nil,
		WithChangelog(feed), WithReporter(rep))
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, []int64{1, 2, 3, 4}, src.committedOffsets())

	key := model.NewMeasurementKey("0-2000-0-1", 1, 25, time.Date(2024, 10, 12, 0, 30, 0, 0, time.UTC))
	hist, err := store.History(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "the replayed update is dropped")
	assert.Equal(t, 3, feed.n)

	total := rep.total()
	assert.Equal(t, int64(4), total.Received)
	assert.Equal(t, int64(3), total.Applied)
	assert.Equal(t, int64(1), total.Delayed)
	assert.Equal(t, int64(2), total.Updated)
}

func TestConsumer_DecodeErrorIsSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := state.NewInMemoryStore()
	src := &fakeSource{msgs: []model.Message{
		message(0, 1, base, []byte(`{not json`)),
		message(0, 2, base, payload(model.EventMeasurementAdded, 25, "1")),
	}}
	rep := &capture{}
	c, err := New(src, reconcile.New(store, nil), Config{ReportPeriod: time.Hour}, zap.New(core), WithReporter(rep))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []int64{1, 2}, src.committedOffsets())
	assert.Equal(t, 1, logs.FilterMessage("decode failed").Len())
	assert.Equal(t, int64(1), rep.total().DecodeErrors)
	assert.Equal(t, int64(1), rep.total().Applied)
}

func TestConsumer_FiltersSkipReconcile(t *testing.T) {
	store := state.NewInMemoryStore()
	src := &fakeSource{msgs: []model.Message{
		message(0, 1, base, payload(model.EventMeasurementAdded, 25, "1")),
		message(0, 2, base, payload(model.EventMeasurementAdded, 7, "1")),
		message(0, 3, base.Add(time.Second), payload(model.EventMeasurementDeleted, 25, "")),
	}}
	rep := &capture{}
	c, err := New(src, reconcile.New(store, nil), Config{Events: "au", ExaminationTypes: "25", ReportPeriod: time.Hour}, nil, WithReporter(rep))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 3}, src.committedOffsets())
	total := rep.total()
	assert.Equal(t, int64(3), total.Received, "filtered events still count as received")
	assert.Equal(t, int64(2), total.Filtered)
	assert.Equal(t, int64(1), total.Applied)

	key := model.NewMeasurementKey("0-2000-0-1", 1, 25, time.Date(2024, 10, 12, 0, 30, 0, 0, time.UTC))
	_, ok, err := store.Current(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok, "the delete was filtered out")
}

type scriptedReconciler struct {
	mu    sync.Mutex
	fail  map[int64]error
	order map[int][]int64
}

func (s *scriptedReconciler) Apply(_ context.Context, ev model.ChangeEvent) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = make(map[int][]int64)
	}
	s.order[ev.Delivery.Partition] = append(s.order[ev.Delivery.Partition], ev.Delivery.Offset)
	if err := s.fail[ev.Delivery.Offset]; err != nil {
		return reconcile.Result{}, err
	}
	return reconcile.Result{Outcome: reconcile.Applied}, nil
}

func TestConsumer_HardErrorIsNotCommitted(t *testing.T) {
	rec := &scriptedReconciler{fail: map[int64]error{2: reconcile.ErrUnknownMeasurementType}}
	src := &fakeSource{msgs: []model.Message{
		message(0, 1, base, payload(model.EventMeasurementAdded, 25, "1")),
		message(0, 2, base, payload(model.EventMeasurementAdded, 99, "1")),
		message(0, 3, base, payload(model.EventMeasurementAdded, 25, "1")),
	}}
	rep := &capture{}
	c, err := New(src, rec, Config{ReportPeriod: time.Hour}, nil, WithReporter(rep))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []int64{1, 3}, src.committedOffsets())
	assert.Equal(t, int64(1), rep.total().HardErrors)
}

func TestConsumer_PartitionOrderPreserved(t *testing.T) {
	rec := &scriptedReconciler{}
	var msgs []model.Message
	for off := int64(0); off < 50; off++ {
		for p := 0; p < 3; p++ {
			msgs = append(msgs, message(p, off, base, payload(model.EventMeasurementUpdated, 25, "1")))
		}
	}
	src := &fakeSource{msgs: msgs}
	c, err := New(src, rec, Config{QueueSize: 4, ReportPeriod: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	for p := 0; p < 3; p++ {
		got := rec.order[p]
		require.Len(t, got, 50)
		for i := range got {
			assert.Equal(t, int64(i), got[i], "partition %d out of order", p)
		}
	}
}

func TestConsumer_DryRun(t *testing.T) {
	store := state.NewInMemoryStore()
	src := &fakeSource{msgs: []model.Message{
		message(0, 1, base, payload(model.EventMeasurementAdded, 25, "1")),
	}}
	rep := &capture{}
	c, err := New(src, nil, Config{DryRun: true, ReportPeriod: time.Hour}, nil, WithReporter(rep))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	assert.Empty(t, src.committedOffsets())
	assert.Empty(t, store.Keys())
	assert.Equal(t, int64(1), rep.total().Added)
	assert.Zero(t, rep.total().Applied)
}

func TestConsumer_RunOnlyOnce(t *testing.T) {
	src := &fakeSource{hold: true}
	c, err := New(src, &scriptedReconciler{}, Config{ReportPeriod: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Running }, time.Second, time.Millisecond)
	assert.True(t, errors.Is(c.Run(context.Background()), ErrAlreadyStarted))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
	assert.Equal(t, Stopped, c.State())
	assert.True(t, errors.Is(c.Run(context.Background()), ErrAlreadyStarted))
}

type brokenSource struct{ fakeSource }

func (b *brokenSource) Fetch(context.Context) (model.Message, error) {
	return model.Message{}, errors.New("broker unreachable")
}

func TestConsumer_FetchErrorStopsRun(t *testing.T) {
	c, err := New(&brokenSource{}, &scriptedReconciler{}, Config{ReportPeriod: time.Hour}, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, c.Run(context.Background()), "broker unreachable")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &scriptedReconciler{}, Config{ReportPeriod: time.Hour}, nil)
	assert.Error(t, err)
	_, err = New(&fakeSource{}, nil, Config{ReportPeriod: time.Hour}, nil)
	assert.Error(t, err)
	_, err = New(&fakeSource{}, &scriptedReconciler{}, Config{Events: "x"}, nil)
	assert.Error(t, err)
}

func TestParseFilter(t *testing.T) {
	added := model.ChangeEvent{Key: model.MeasurementKey{ExaminationTypeSc: 25}, Detail: model.AddedDetail{}}
	deleted := model.ChangeEvent{Key: model.MeasurementKey{ExaminationTypeSc: 3}, Detail: model.DeletedDetail{}}

	tests := []struct {
		name          string
		events, types string
		wantAdded     bool
		wantDeleted   bool
		wantErr       bool
	}{
		{name: "empty accepts all", wantAdded: true, wantDeleted: true},
		{name: "all letters", events: "AUD", wantAdded: true, wantDeleted: true},
		{name: "adds only", events: "a", wantAdded: true},
		{name: "type list", types: " 3, 4 ", wantDeleted: true},
		{name: "both lists", events: "d", types: "25", wantAdded: false, wantDeleted: false},
		{name: "bad letter", events: "ax", wantErr: true},
		{name: "bad type", types: "3,x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.events, tt.types)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdded, f.Allows(added))
			assert.Equal(t, tt.wantDeleted, f.Allows(deleted))
		})
	}
}
