package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited signals a fail-fast admission rejection. Callers should tell
// the client to retry later; the request is never queued.
var ErrRateLimited = errors.New("rate limited")

// Limiter implements per-(tenant, priority) token buckets in Redis. Each
// bucket holds a minute's quota and refills continuously at rpm/60 per second.
type Limiter struct {
	client *redis.Client
	tiers  map[string]int // priority -> requests per minute
	ttl    time.Duration
}

// New constructs a limiter. tiers maps priority names to requests/minute.
func New(client *redis.Client, tiers map[string]int, ttl time.Duration) *Limiter {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Limiter{client: client, tiers: tiers, ttl: ttl}
}

// Allow consumes one token from the tenant's bucket for the priority.
// It returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(ctx context.Context, tenant, priority string) error {
	rpm, ok := l.tiers[priority]
	if !ok || rpm <= 0 {
		return fmt.Errorf("no rate tier configured for priority %q", priority)
	}
	key := fmt.Sprintf("ingest:rl:%s:%s", tenant, priority)
	now := time.Now().UnixMilli()
	refill := float64(rpm) / 60.0

	res, err := bucketScript.Run(ctx, l.client, []string{key}, rpm, refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed, _ := arr[0].(int64)
	if allowed != 1 {
		return fmt.Errorf("%w: tenant %s priority %s over %d rpm", ErrRateLimited, tenant, priority, rpm)
	}
	return nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
