package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"hydroconsumer/internal/model"
)

// confluentConsumer abstracts ck.Consumer for testability.
type confluentConsumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitOffsets(offsets []ck.TopicPartition) ([]ck.TopicPartition, error)
	Close() error
}

// Confluent consumes through librdkafka with auto commit disabled.
type Confluent struct {
	c       confluentConsumer
	topic   string
	maxWait time.Duration
	log     *zap.Logger
}

func NewConfluent(cfg Config, log *zap.Logger) (*Confluent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  cfg.StartOffset,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return NewConfluentWith(c, cfg.Topic, cfg.MaxWait, log), nil
}

// NewConfluentWith wraps an existing consumer (e.g., a fake in tests).
func NewConfluentWith(c confluentConsumer, topic string, maxWait time.Duration, log *zap.Logger) *Confluent {
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Confluent{c: c, topic: topic, maxWait: maxWait, log: log.Named("confluent")}
}

func (s *Confluent) Fetch(ctx context.Context) (model.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Message{}, err
		}
		m, err := s.c.ReadMessage(s.maxWait)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == ck.ErrTimedOut {
					continue
				}
				if !kerr.IsFatal() {
					s.log.Warn("transient consumer error", zap.Error(err))
					continue
				}
			}
			return model.Message{}, fmt.Errorf("read confluent: %w", err)
		}
		return model.Message{
			Key:       m.Key,
			Payload:   m.Value,
			Partition: int(m.TopicPartition.Partition),
			Offset:    int64(m.TopicPartition.Offset),
			Timestamp: m.Timestamp,
		}, nil
	}
}

// Commit stores offset+1, the next offset to read, as Kafka expects.
func (s *Confluent) Commit(_ context.Context, msg model.Message) error {
	topic := s.topic
	_, err := s.c.CommitOffsets([]ck.TopicPartition{{
		Topic:     &topic,
		Partition: int32(msg.Partition),
		Offset:    ck.Offset(msg.Offset + 1),
	}})
	if err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (s *Confluent) Close() error { return s.c.Close() }
