package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	ok      bool
	err     error
	lastKey string
	lastTTL time.Duration
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	f.lastKey = key
	f.lastTTL = expiration
	return redis.NewBoolResult(f.ok, f.err)
}

func TestNewRedisLedger(t *testing.T) {
	_, err := NewRedisLedger(nil, "relay:", time.Hour)
	require.Error(t, err)

	l, err := NewRedisLedger(&fakeRedis{}, "relay:", 0)
	require.NoError(t, err)
	require.Equal(t, defaultDedupTTL, l.ttl)
}

func TestRedisLedger_ClaimUpdate(t *testing.T) {
	api := &fakeRedis{ok: true}
	l, err := NewRedisLedger(api, "relay:", time.Hour)
	require.NoError(t, err)

	claimed, err := l.ClaimUpdate(context.Background(), 55)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "relay:update:55", api.lastKey)
	require.Equal(t, time.Hour, api.lastTTL)

	api.ok = false
	claimed, err = l.ClaimUpdate(context.Background(), 55)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestRedisLedger_ClaimUpdateError(t *testing.T) {
	l, err := NewRedisLedger(&fakeRedis{err: errors.New("connection refused")}, "", time.Hour)
	require.NoError(t, err)
	_, err = l.ClaimUpdate(context.Background(), 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}
