package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI is the subset of *redis.Client used by RedisLedger.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLedger is a dedup ledger keeping one expiring key per update id.
type RedisLedger struct {
	api    redisAPI
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLedger creates a RedisLedger. A non-positive ttl uses the default retention.
func NewRedisLedger(api redisAPI, prefix string, ttl time.Duration) (*RedisLedger, error) {
	if api == nil {
		return nil, errors.New("repository: redis api must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &RedisLedger{api: api, prefix: prefix, ttl: ttl, now: time.Now}, nil
}

func (l *RedisLedger) key(updateID int64) string {
	return l.prefix + "update:" + strconv.FormatInt(updateID, 10)
}

// ClaimUpdate records updateID with SET NX. It returns false when the key
// already existed.
func (l *RedisLedger) ClaimUpdate(ctx context.Context, updateID int64) (bool, error) {
	ok, err := l.api.SetNX(ctx, l.key(updateID), l.now().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("repository: ClaimUpdate redis: %w", err)
	}
	return ok, nil
}
