// Package rates supplies the token conversion rate used when a withdrawal is
// paid out in the external token.
package rates

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// LiveRateKey is the Redis key the external price updater writes.
const LiveRateKey = "rates:live"

// ErrUnavailable means no usable rate is known.
var ErrUnavailable = errors.New("conversion rate unavailable")

// Provider returns the current USDT price of one token.
type Provider interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Static always returns the same rate.
type Static struct {
	Value decimal.Decimal
}

// NewStatic parses value into a Static provider.
func NewStatic(value string) (Static, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Static{}, fmt.Errorf("parse rate %q: %w", value, err)
	}
	if !d.IsPositive() {
		return Static{}, fmt.Errorf("rate must be positive, got %s", d)
	}
	return Static{Value: d}, nil
}

func (s Static) Rate(context.Context) (decimal.Decimal, error) {
	if !s.Value.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}
	return s.Value, nil
}

// Redis reads the live rate from a Redis string key.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis builds a Redis-backed provider reading LiveRateKey.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, key: LiveRateKey}
}

// Rate returns the stored rate. A missing, malformed or non-positive value is
// ErrUnavailable.
func (r *Redis) Rate(ctx context.Context) (decimal.Decimal, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, ErrUnavailable
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s: %w", r.key, err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: stored value %q", ErrUnavailable, raw)
	}
	return d, nil
}

// Set stores a new live rate. It is used by the price updater and operators.
func (r *Redis) Set(ctx context.Context, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("rate must be positive, got %s", rate)
	}
	return r.client.Set(ctx, r.key, rate.String(), 0).Err()
}
