// Package ratelimit implements a Redis-backed token bucket shared by all
// instances of the service.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// allowScript atomically refills and consumes one token.
const allowScript = `
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local refill_rate = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1]) or capacity
	local last_refill = tonumber(bucket[2]) or now

	local tokens_to_add = math.floor(((now - last_refill) / window) * refill_rate)
	if tokens_to_add > 0 then
		tokens = math.min(capacity, tokens + tokens_to_add)
		last_refill = now
	end

	local allowed = 0
	if tokens > 0 then
		tokens = tokens - 1
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
	redis.call('EXPIRE', key, window * 2)
	return {allowed, tokens}
`

// TokenBucket limits actions per client.
type TokenBucket struct {
	redis    *redis.Client
	capacity int64         // maximum number of tokens
	refill   int64         // tokens added per window
	window   time.Duration // refill window
	now      func() time.Time
}

// NewTokenBucket creates a bucket holding capacity tokens, refilled at
// refillRate tokens per minute.
func NewTokenBucket(redisClient *redis.Client, capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		redis:    redisClient,
		capacity: capacity,
		refill:   refillRate,
		window:   time.Minute,
		now:      time.Now,
	}
}

// Capacity returns the bucket size.
func (tb *TokenBucket) Capacity() int64 { return tb.capacity }

// Window returns the refill window.
func (tb *TokenBucket) Window() time.Duration { return tb.window }

// Allow consumes a token for client/action. It reports whether the action
// is allowed and how many tokens are left.
func (tb *TokenBucket) Allow(ctx context.Context, client, action string) (bool, int64, error) {
	result, err := tb.redis.Eval(ctx, allowScript, []string{bucketKey(client, action)},
		tb.capacity, tb.refill, int64(tb.window.Seconds()), tb.now().Unix()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result type from rate limit script")
	}
	allowed, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected result type from rate limit script")
	}

	return allowed == 1, remaining, nil
}

// Reset clears the bucket for client/action.
func (tb *TokenBucket) Reset(ctx context.Context, client, action string) error {
	return tb.redis.Del(ctx, bucketKey(client, action)).Err()
}

func bucketKey(client, action string) string {
	return fmt.Sprintf("rate_limit:%s:%s", client, action)
}
