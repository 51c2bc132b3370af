package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter counters in a shared Redis.
const keyPrefix = "codee:ratelimit:"

// RedisLimiter implements Limiter as a fixed window counter in Redis, so
// every replica draws from the same budget. The window starts at the first
// request for a key.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	owned  bool
}

// NewRedisLimiter allows limit requests per key per window. The client is
// not closed by Close.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

// NewRedisLimiterFromURL dials url and owns the resulting client.
func NewRedisLimiterFromURL(url string, limit int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	l := NewRedisLimiter(redis.NewClient(opts), limit, window)
	l.owned = true
	return l, nil
}

// Allow increments the key's counter, starting its window on first use.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := keyPrefix + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// Close closes the client if the limiter created it.
func (l *RedisLimiter) Close() error {
	if l.owned {
		return l.client.Close()
	}
	return nil
}
