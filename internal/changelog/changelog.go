// Package changelog publishes every applied version record as a feed for
// downstream readers.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"hydroconsumer/internal/model"
)

// Entry is one applied change.
type Entry struct {
	Key       string              `json:"key"`
	Event     string              `json:"event"`
	Record    model.VersionRecord `json:"record"`
	Partition int                 `json:"partition"`
	Offset    int64               `json:"offset"`
}

// NewEntry builds the feed entry for a record applied from ev.
func NewEntry(ev model.ChangeEvent, rec model.VersionRecord) Entry {
	return Entry{
		Key:       rec.Key.String(),
		Event:     ev.Kind().String(),
		Record:    rec,
		Partition: ev.Delivery.Partition,
		Offset:    ev.Delivery.Offset,
	}
}

type Writer interface {
	Append(ctx context.Context, e Entry) error
}

// Config selects the feed sinks.
type Config struct {
	// Sink is none, file, kafka or both.
	Sink     string `mapstructure:"sink" default:"none"`
	Dir      string `mapstructure:"dir" default:"changelog"`
	Filename string `mapstructure:"filename" default:"measurements.jsonl"`
	Brokers  string `mapstructure:"brokers" default:"localhost:9092"`
	Topic    string `mapstructure:"topic" default:"hydrometry.measurements.changelog"`
}

// New builds the configured writer. It returns nil when the sink is none.
func New(cfg Config) (Writer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Sink {
	case "", "none":
		return nil, noop, nil
	case "file":
		fw, err := NewFileWriter(cfg.Dir, cfg.Filename)
		return fw, noop, err
	case "kafka":
		kw := NewKafkaWriter(cfg.Brokers, cfg.Topic)
		return kw, kw.Close, nil
	case "both":
		fw, err := NewFileWriter(cfg.Dir, cfg.Filename)
		if err != nil {
			return nil, noop, err
		}
		kw := NewKafkaWriter(cfg.Brokers, cfg.Topic)
		return NewMultiWriter(fw, kw), kw.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown changelog sink %q", cfg.Sink)
	}
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileWriter appends JSON lines. Safe for concurrent workers.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(_ context.Context, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes entries keyed by measurement key, so one key's
// changes stay ordered within a partition.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Append(ctx context.Context, e Entry) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key), Value: b})
}

func (k *KafkaWriter) Close() error { return k.writer.Close() }

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
