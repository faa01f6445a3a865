package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/broadcast-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec = 100
	window             = time.Second
	keyPrefix          = "broadcast:ratelimit:"
)

// slidingWindowScript keeps one sorted-set member per admitted send, scored by
// its admission time in milliseconds. It returns 0 when the send is admitted,
// otherwise the milliseconds until the oldest member leaves the window.
var slidingWindowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps chat sends per bucket across every worker process
// with a sliding one-second window held in Redis.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	member      func() string
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         time.Now,
		sleep:       sleepWithContext,
		member:      uuid.NewString,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	retryAfter, err := r.acquire(ctx, bucket)
	if err != nil {
		return false, err
	}
	return retryAfter == 0, nil
}

// Wait blocks until the bucket admits a send, sleeping for the retry-after
// reported by Redis between attempts.
func (r *RedisRateLimiter) Wait(ctx context.Context, bucket string) error {
	for {
		retryAfter, err := r.acquire(ctx, bucket)
		if err != nil {
			return err
		}
		if retryAfter == 0 {
			return nil
		}
		if err := r.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) acquire(ctx context.Context, bucket string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	key, err := bucketKey(bucket)
	if err != nil {
		return 0, err
	}

	waitMs, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		r.now().UnixMilli(),
		window.Milliseconds(),
		r.limitPerSec,
		r.member(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit for %q: %w", key, err)
	}

	return time.Duration(waitMs) * time.Millisecond, nil
}

func bucketKey(bucket string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(bucket))
	if normalized == "" {
		return "", fmt.Errorf("bucket is required")
	}
	return keyPrefix + normalized, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
