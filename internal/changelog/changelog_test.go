package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"hydroconsumer/internal/model"
)

func sampleEntry(station string, v float64) Entry {
	at := time.Date(2024, 10, 12, 0, 30, 0, 0, time.UTC)
	k := model.NewMeasurementKey(station, 1, 25, at)
	ev := model.ChangeEvent{Key: k, Detail: model.AddedDetail{}, Delivery: model.DeliveryMeta{Partition: 3, Offset: 9}}
	rec := model.VersionRecord{Key: k, Value: model.Float(v), IsCurrent: true, CreatedAt: at.Add(time.Hour)}
	return NewEntry(ev, rec)
}

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "measurements.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	e1 := sampleEntry("A", 1)
	e2 := sampleEntry("B", 2)
	if err := w.Append(context.Background(), e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(context.Background(), e2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "measurements.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []Entry
	for s.Scan() {
		var e Entry
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].Key != e1.Key || got[1].Key != e2.Key {
		t.Fatalf("key mismatch: %q,%q", got[0].Key, got[1].Key)
	}
	if got[0].Event != model.EventMeasurementAdded || got[0].Partition != 3 || got[0].Offset != 9 {
		t.Fatalf("bad entry: %+v", got[0])
	}
	if *got[1].Record.Value != 2 || !got[1].Record.IsCurrent {
		t.Fatalf("bad record: %+v", got[1].Record)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	e := sampleEntry("K", 1)
	if err := kw.Append(context.Background(), e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != e.Key {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	if err := kw.Close(); err != nil || !fk.closed {
		t.Fatalf("close: %v closed=%v", err, fk.closed)
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	kw := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	if err := kw.Append(context.Background(), sampleEntry("K", 1)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiWriter_ContinuesPastFailure(t *testing.T) {
	bad := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	good := &fakeKafkaWriter{}
	m := NewMultiWriter(bad, NewKafkaWriterWith(good))
	if err := m.Append(context.Background(), sampleEntry("K", 1)); err == nil {
		t.Fatalf("expected joined error")
	}
	if len(good.msgs) != 1 {
		t.Fatalf("second writer should still receive the entry")
	}
}

func TestNew_Sinks(t *testing.T) {
	w, closeFn, err := New(Config{Sink: "none"})
	if err != nil || w != nil {
		t.Fatalf("none: w=%v err=%v", w, err)
	}
	_ = closeFn()

	w, _, err = New(Config{Sink: "file", Dir: t.TempDir(), Filename: "x.jsonl"})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if _, ok := w.(*FileWriter); !ok {
		t.Fatalf("file sink should be a FileWriter, got %T", w)
	}

	if _, _, err := New(Config{Sink: "s3"}); err == nil {
		t.Fatalf("unknown sink must fail")
	}
}
