package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroconsumer/internal/model"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaGo_FetchAndCommit(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &fakeReader{msgs: []kafka.Message{{Partition: 2, Offset: 7, Key: []byte("k"), Value: []byte(`{}`), Time: at}}}
	src := NewKafkaGoWith(r, "measurements")

	m, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Partition)
	assert.Equal(t, int64(7), m.Offset)
	assert.Equal(t, at, m.Timestamp)

	require.NoError(t, src.Commit(context.Background(), m))
	require.Len(t, r.committed, 1)
	assert.Equal(t, "measurements", r.committed[0].Topic)
	assert.Equal(t, int64(7), r.committed[0].Offset)

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeConfluent struct {
	reads     []any
	committed []ck.TopicPartition
}

func (f *fakeConfluent) ReadMessage(time.Duration) (*ck.Message, error) {
	if len(f.reads) == 0 {
		return nil, ck.NewError(ck.ErrAllBrokersDown, "down", true)
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*ck.Message), nil
}

func (f *fakeConfluent) CommitOffsets(tps []ck.TopicPartition) ([]ck.TopicPartition, error) {
	f.committed = append(f.committed, tps...)
	return tps, nil
}

func (f *fakeConfluent) Close() error { return nil }

func TestConfluent_SkipsTimeoutsAndCommitsNextOffset(t *testing.T) {
	topic := "measurements"
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := &fakeConfluent{reads: []any{
		ck.NewError(ck.ErrTimedOut, "timeout", false),
		&ck.Message{TopicPartition: ck.TopicPartition{Topic: &topic, Partition: 1, Offset: 41}, Value: []byte(`{}`), Timestamp: at},
	}}
	src := NewConfluentWith(fc, topic, time.Millisecond, nil)

	m, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Partition)
	assert.Equal(t, int64(41), m.Offset)

	require.NoError(t, src.Commit(context.Background(), m))
	require.Len(t, fc.committed, 1)
	assert.Equal(t, ck.Offset(42), fc.committed[0].Offset)

	_, err = src.Fetch(context.Background())
	var kerr ck.Error
	require.True(t, errors.As(err, &kerr))
	assert.True(t, kerr.IsFatal())
}

func TestFile_ReplaysJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"partition":0,"offset":1,"timestamp":"2024-01-01T00:00:00Z","payload":{"EventType":"MeasurementAdded"}}

not json
{"partition":1,"offset":5,"timestamp":"2024-01-01T00:00:01Z","payload":{}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	m, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"EventType":"MeasurementAdded"}`, string(m.Payload))

	bad, err := src.Fetch(ctx)
	require.NoError(t, err)
	_, err = model.Decode(bad)
	assert.ErrorIs(t, err, model.ErrDecode)

	m, err = src.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Commit(ctx, m))
	assert.Equal(t, map[int]int64{1: 5}, src.Committed())

	_, err = src.Fetch(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_UnknownClient(t *testing.T) {
	_, err := New(Config{Client: "pulsar"}, nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, Config{Brokers: " a:1, ,b:2"}.BrokerList())
}
