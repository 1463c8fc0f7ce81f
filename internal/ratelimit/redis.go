package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters keeps counters in Redis so several proxy replicas share
// one quota.
type RedisCounters struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCounters connects to the Redis instance at redisURL.
func NewRedisCounters(redisURL string, logger *slog.Logger) (*RedisCounters, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisCountersFromClient(redis.NewClient(opt), logger), nil
}

// NewRedisCountersFromClient wraps an existing client.
func NewRedisCountersFromClient(client *redis.Client, logger *slog.Logger) *RedisCounters {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCounters{client: client, logger: logger}
}

func counterKey(scope, subject, bucket string) string {
	return "nyati:ratelimit:" + scope + ":" + subject + ":" + bucket
}

// IncrementCounter increments the counter and sets its expiry in one
// MULTI/EXEC, so a counter is never left without a deadline. expiresAt is
// fixed per bucket, which makes re-setting it on every hit harmless.
//
// An increment that overshoots limit is undone with a best-effort DECR. If
// the undo fails the counter over-counts until the bucket expires.
func (r *RedisCounters) IncrementCounter(ctx context.Context, scope, subject, bucket string, limit int, expiresAt time.Time) (int, bool, error) {
	key := counterKey(scope, subject, bucket)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, expiresAt)
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	count := incr.Val()
	if count > int64(limit) {
		if err := r.client.Decr(ctx, key).Err(); err != nil {
			r.logger.Debug("undo rate counter increment failed", "key", key, "error", err)
		}
		return limit, false, nil
	}
	return int(count), true, nil
}

// GetCounter returns the counter value, zero if absent.
func (r *RedisCounters) GetCounter(ctx context.Context, scope, subject, bucket string) (int, error) {
	v, err := r.client.Get(ctx, counterKey(scope, subject, bucket)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// Ping checks connectivity.
func (r *RedisCounters) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCounters) Close() error {
	return r.client.Close()
}
