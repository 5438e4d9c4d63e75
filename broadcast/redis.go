package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel name used when none is configured.
const DefaultRedisChannel = "tokenkeeper:events"

const subscribeTimeout = 5 * time.Second

// RedisChannel broadcasts over Redis PUBLISH/SUBSCRIBE, reaching instances on other hosts.
type RedisChannel struct {
	client redis.UniversalClient
	name   string
	logger *slog.Logger
}

func NewRedisChannel(client redis.UniversalClient, name string, logger *slog.Logger) (*RedisChannel, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if name == "" {
		name = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{client: client, name: name, logger: logger}, nil
}

func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	if err := c.client.Publish(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server, so a publish issued
// afterwards is never missed.
func (c *RedisChannel) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	pubsub := c.client.Subscribe(ctx, c.name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			c.logger.Warn("failed to close redis subscription", "channel", c.name, "error", err)
		}
		<-done
	}, nil
}
