// Package infra opens the external backends the service talks to. Every
// constructor verifies connectivity before returning.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/autopool/internal/resilience"
)

// Placements hold row locks for the whole walk, so the pool keeps a floor
// of warm connections.
const (
	minPoolConns   = 2
	connectRetries = 4
)

// NewPostgresPool opens a pool for url, retrying the first ping while the
// database comes up.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MinConns < minPoolConns {
		cfg.MinConns = minPoolConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	err = resilience.RetryWithBackoff(ctx, resilience.Config{
		MaxRetries:     connectRetries,
		InitialBackoff: 500 * time.Millisecond,
	}, func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
