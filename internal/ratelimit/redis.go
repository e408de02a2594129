package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows at most limit requests per key in any sliding
// window, counted in a sorted set of request timestamps.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a sliding-window limiter. Keys are namespaced
// under prefix so several rules can share one Redis.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow records the request and reports whether it fits the window. A
// denied request is not counted against later windows.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := "kujo:ratelimit:" + l.prefix + ":" + key
	now := l.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()[:8]

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-l.window).UnixMicro(), 10))
		p.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = p.ZCard(ctx, k)
		p.PExpire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	if card.Val() <= int64(l.limit) {
		return true, nil
	}
	if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: redis undo: %w", err)
	}
	return false, nil
}

// Close is a no-op; the client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }
