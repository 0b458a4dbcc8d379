package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"

	"hydroconsumer/internal/model"
)

// kafkaReader abstracts kafka.Reader for testability.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaGo consumes through a segmentio/kafka-go consumer group reader.
type KafkaGo struct {
	reader kafkaReader
	topic  string
}

func NewKafkaGo(cfg Config) (*KafkaGo, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka-go source needs brokers, topic and group id")
	}
	start := kafka.FirstOffset
	if cfg.StartOffset == "latest" {
		start = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: start,
		MaxWait:     cfg.MaxWait,
		// offsets are committed explicitly after processing
		CommitInterval: 0,
	})
	return &KafkaGo{reader: r, topic: cfg.Topic}, nil
}

// NewKafkaGoWith wraps an existing reader (e.g., a fake in tests).
func NewKafkaGoWith(r kafkaReader, topic string) *KafkaGo {
	return &KafkaGo{reader: r, topic: topic}
}

func (k *KafkaGo) Fetch(ctx context.Context) (model.Message, error) {
	m, err := k.reader.FetchMessage(ctx)
	if errors.Is(err, io.EOF) {
		return model.Message{}, ErrClosed
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("fetch kafka: %w", err)
	}
	return model.Message{
		Key:       m.Key,
		Payload:   m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Time,
	}, nil
}

func (k *KafkaGo) Commit(ctx context.Context, msg model.Message) error {
	return k.reader.CommitMessages(ctx, kafka.Message{Topic: k.topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (k *KafkaGo) Close() error { return k.reader.Close() }
