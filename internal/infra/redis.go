package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/autopool/internal/resilience"
)

// NewRedisClient parses url and pings the server. Redis backs idempotency,
// the write rate limit and the live token rate.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	err = resilience.RetryWithBackoff(ctx, resilience.Config{
		MaxRetries:     connectRetries,
		InitialBackoff: 250 * time.Millisecond,
	}, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
