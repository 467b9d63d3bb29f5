package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis publishes wakeups on a Redis pub/sub channel
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedis(url, channel string, logger *zap.Logger) (*Redis, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("notify.redis_url is required for broker redis")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, channel: channel, logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, runID string) error {
	return r.client.Publish(ctx, r.channel, runID).Err()
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	return forward(ctx, pubsub.Channel(),
		func(m *redis.Message) string { return m.Payload },
		func() {
			if err := pubsub.Close(); err != nil {
				r.logger.Warn("redis unsubscribe failed", zap.Error(err))
			}
		}), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
