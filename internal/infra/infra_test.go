package infra

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = NewRedisClient(ctx, "")
	require.Error(t, err)
	_, err = NewRedisClient(ctx, "not a url")
	require.Error(t, err)
}

func TestConstructorsRejectEmptyConfig(t *testing.T) {
	ctx := context.Background()
	_, err := NewPostgresPool(ctx, "")
	require.Error(t, err)
	_, err = NewKafkaProducer(nil, "autopool")
	require.Error(t, err)

	shutdown, err := InitTracing(ctx, TracingConfig{ServiceName: "autopool"})
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))
}
