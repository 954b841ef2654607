package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps counters in Redis so that several gateway instances
// share one view of each rate window.
type RedisCounter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCounter connects to the Redis server at url
// (redis://[user:pass@]host:port/db).
func NewRedisCounter(ctx context.Context, url, keyPrefix string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCounterWithClient(client, keyPrefix), nil
}

// NewRedisCounterWithClient wraps an existing client.
func NewRedisCounterWithClient(client redis.UniversalClient, keyPrefix string) *RedisCounter {
	if keyPrefix == "" {
		keyPrefix = "sluice:rl:"
	}
	return &RedisCounter{client: client, keyPrefix: keyPrefix}
}

// Incr increments and refreshes the expiry in one MULTI/EXEC transaction.
// Keys are per window, so refreshing the TTL never extends a window.
func (r *RedisCounter) Incr(ctx context.Context, identity string, windowStart time.Time, window time.Duration) (int64, error) {
	k := r.keyPrefix + identity + ":" + strconv.FormatInt(windowStart.UnixNano()/int64(window), 10)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", k, err)
	}
	return incr.Val(), nil
}

// Ping checks Redis connectivity.
func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}
