// Package redisbus implements the message bus port on Redis Pub/Sub. The
// outbox drainer publishes stop commands and events through it; consumers
// dedupe on the correlation id carried in every payload.
package redisbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stopguard/internal/ports"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string // host:port, e.g. "localhost:6379"
	Password string
	DB       int
	Logger   ports.Logger
}

// Bus implements ports.MessageBus on a Redis client.
type Bus struct {
	rdb    *redis.Client
	logger ports.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Redis bus")
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", ports.ErrConnectionFailed, cfg.Addr, err)
	}
	cfg.Logger.Info(ctx, "Redis bus connected", map[string]interface{}{"addr": cfg.Addr})

	return &Bus{rdb: rdb, logger: cfg.Logger}, nil
}

// Publish sends a raw byte payload to a Pub/Sub channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: channel %s: %v", ports.ErrPublishFailed, channel, err)
	}
	return nil
}

// Subscribe creates a Pub/Sub subscription and returns a read-only channel
// of raw payloads. The subscription closes when the context is cancelled;
// the returned channel is closed at that point as well.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ports.ErrConnectionFailed, channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Compile-time interface check.
var _ ports.MessageBus = (*Bus)(nil)
