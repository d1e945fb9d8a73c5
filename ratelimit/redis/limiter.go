package redislimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultLimits returns the limits services typically want for the auth
// buckets: 20 failed verifications per minute per client.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"auth.verify_failed": {Limit: 20, Window: time.Minute},
	}
}

// Limiter is a Redis-backed sliding-window rate limiter for throttling
// failed authentications across several service instances. Counts live in
// sorted sets keyed per client and bucket, so every instance sees the same
// window.
type Limiter struct {
	rdb    *redis.Client
	ctx    context.Context
	limits map[string]Limit
}

// New constructs a Redis-backed limiter. Limits follow the same lookup rules
// as the in-memory limiter, including the "default" fallback entry.
func New(rdb *redis.Client, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{rdb: rdb, ctx: context.Background(), limits: limits}
}

func (l *Limiter) get(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 60, Window: time.Minute}
}

// AllowNamed records one event for key in bucket and reports whether the
// sliding window still has room. Counting is add-then-check: the event is
// written, members outside the window are trimmed, and the remaining
// cardinality decides. On deny the just-added member is removed again so a
// throttled client does not keep extending its own block.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}

	lim := l.get(bucket)
	now := time.Now().UnixNano() / 1e6 // ms
	start := now - lim.Window.Milliseconds()
	limitKey := fmt.Sprintf("authbridge:rl:%s:%s", bucket, key)
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(l.ctx, limitKey, redis.Z{Score: float64(now), Member: member})
	pipe.ZRemRangeByScore(l.ctx, limitKey, "0", fmt.Sprintf("%d", start))
	countCmd := pipe.ZCard(l.ctx, limitKey)
	pipe.Expire(l.ctx, limitKey, lim.Window+time.Second)
	if _, err := pipe.Exec(l.ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count, err := countCmd.Result()
	if err != nil {
		return false, err
	}
	if count > int64(lim.Limit) {
		l.rdb.ZRem(l.ctx, limitKey, member)
		return false, nil
	}
	return true, nil
}
