package keylock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Config selects the lock backend.
type Config struct {
	// Backend is local or redis.
	Backend string `mapstructure:"backend" default:"local"`
	// RedisAddr is host:port of the redis server.
	RedisAddr string `mapstructure:"redis_addr" default:"localhost:6379"`
	// Prefix namespaces lock keys in redis.
	Prefix string `mapstructure:"prefix" default:"hydroconsumer:lock:"`
	// TTL bounds how long a crashed holder blocks a key.
	TTL time.Duration `mapstructure:"ttl" default:"30s"`
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration `mapstructure:"retry_interval" default:"20ms"`
}

// Redis is a cross-process Locker built on SET NX with a random token.
type Redis struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

func NewRedis(client *redis.Client, cfg Config, log *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 20 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		retry:  cfg.RetryInterval,
		log:    log.Named("keylock"),
	}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	full := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}
	return func() {
		// release must outlive a cancelled caller context
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.script.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
			r.log.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// New builds the configured Locker. The redis backend is chained behind a
// local lock so goroutines of one process do not poll redis against each other.
func New(cfg Config, log *zap.Logger) (Locker, func() error, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rl, err := NewRedis(client, cfg, log)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return Chain{NewLocal(), rl}, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
