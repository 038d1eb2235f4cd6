package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldFingerprint = "fp"
	fieldAt          = "at"
	markTTL          = 48 * time.Hour
)

// RedisTracker shares marks between master replicas through redis hashes
// under progress:<key>.
type RedisTracker struct {
	redis *redis.Client
}

// NewRedisTracker connects to redisURL and checks the connection.
func NewRedisTracker(ctx context.Context, redisURL string) (*RedisTracker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTracker{redis: client}, nil
}

func (t *RedisTracker) Observe(ctx context.Context, key, fingerprint string, now time.Time) error {
	redisKey := progressKey(key)
	last, err := t.redis.HGet(ctx, redisKey, fieldFingerprint).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read progress %s: %w", key, err)
	}
	if err == nil && last == fingerprint {
		return nil
	}

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, redisKey, fieldFingerprint, fingerprint, fieldAt, now.UnixMilli())
	pipe.Expire(ctx, redisKey, markTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write progress %s: %w", key, err)
	}
	return nil
}

func (t *RedisTracker) Idle(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	raw, err := t.redis.HGet(ctx, progressKey(key), fieldAt).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read progress %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse progress %s: %w", key, err)
	}
	return idleSince(time.UnixMilli(ms), now), nil
}

func (t *RedisTracker) Forget(ctx context.Context, key string) error {
	return t.redis.Del(ctx, progressKey(key)).Err()
}

// Close releases the redis connection pool.
func (t *RedisTracker) Close() error {
	return t.redis.Close()
}

func progressKey(key string) string {
	return "progress:" + key
}
