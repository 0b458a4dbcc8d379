// Package source adapts broker clients to the consumer's delivery contract:
// per-partition ordered, at-least-once messages with explicit commits.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"hydroconsumer/internal/model"
)

// ErrClosed is returned by Fetch once the source is exhausted or closed.
var ErrClosed = errors.New("source closed")

// Source delivers messages and accepts commits for processed ones.
// Fetch is called from one goroutine; Commit may be called concurrently.
type Source interface {
	Fetch(ctx context.Context) (model.Message, error)
	Commit(ctx context.Context, msg model.Message) error
	Close() error
}

// Config selects and configures the broker client.
type Config struct {
	// Client is kafkago, confluent or file.
	Client string `mapstructure:"client" default:"kafkago"`
	// Brokers is a comma separated bootstrap list.
	Brokers string `mapstructure:"brokers" default:"localhost:9092"`
	Topic   string `mapstructure:"topic" default:"hydrometry.measurements"`
	GroupID string `mapstructure:"group_id" default:"hydroconsumer"`
	// StartOffset applies when the group has no committed offset: earliest or latest.
	StartOffset string `mapstructure:"start_offset" default:"earliest"`
	// MaxWait bounds a single broker poll.
	MaxWait time.Duration `mapstructure:"max_wait" default:"500ms"`
	// File is the JSONL input for the file client.
	File string `mapstructure:"file" default:"events.jsonl"`
}

// BrokerList splits Brokers on commas.
func (c Config) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// New opens the configured source.
func New(cfg Config, log *zap.Logger) (Source, error) {
	switch cfg.Client {
	case "", "kafkago":
		return NewKafkaGo(cfg)
	case "confluent":
		return NewConfluent(cfg, log)
	case "file":
		return OpenFile(cfg.File)
	default:
		return nil, fmt.Errorf("unknown kafka client %q", cfg.Client)
	}
}
