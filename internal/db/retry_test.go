package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "test", 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	calls := 0
	err := retry(context.Background(), "test", 3, time.Millisecond, func(context.Context) error {
		calls++
		return refused
	}, zap.NewNop())
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 3, calls)
}

func TestRetryHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, "test", 3, time.Hour, func(context.Context) error {
		return errors.New("down")
	}, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisURL: "redis://" + mr.Addr() + "/0", ConnectAttempts: 1}

	client, err := NewRedisClient(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}
