package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one trigger attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket limits how often one operator may trigger workflows. State
// lives in Redis so every API replica draws from the same bucket.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	idle     time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket builds a per-operator bucket. Buckets untouched for idle
// are dropped; zero derives idle from the time a full refill takes.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, idle time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if idle <= 0 && refillPerSecond > 0 {
		idle = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		idle:     idle,
		prefix:   "ratelimit:operator:",
		now:      time.Now,
	}
}

// SetClock replaces the time source. The script takes time from the caller,
// so tests drive refills through this.
func (b *TokenBucket) SetClock(now func() time.Time) {
	b.now = now
}

// AllowOperator takes one token from the operator's bucket. Requests
// without an operator share the "anonymous" bucket.
func (b *TokenBucket) AllowOperator(ctx context.Context, operatorID string) (Decision, error) {
	if operatorID == "" {
		operatorID = "anonymous"
	}
	return b.take(ctx, b.prefix+operatorID)
}

func (b *TokenBucket) take(ctx context.Context, key string) (Decision, error) {
	// Redis truncates Lua numbers to integers on the way out, so the
	// script counts in thousandths of a token.
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity*1000, b.refill, b.now().UnixMilli(), b.idle.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: float64(res[1]) / 1000,
	}
	if !d.Allowed && res[2] > 0 {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

// RetryAfterSeconds rounds the wait up for a Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2]) -- tokens/s is also milli-tokens/ms
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local level = tonumber(redis.call('HGET', KEYS[1], 'level'))
local seen = tonumber(redis.call('HGET', KEYS[1], 'seen_ms'))
if level == nil then level = cap end
if seen == nil or seen > now then seen = now end

level = math.min(cap, level + (now - seen) * rate)

local ok = 0
local wait = 0
if level >= 1000 then
  ok = 1
  level = level - 1000
elseif rate > 0 then
  wait = math.ceil((1000 - level) / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'level', level, 'seen_ms', now)
if idle > 0 then redis.call('PEXPIRE', KEYS[1], idle) end
return {ok, math.floor(level), wait}
`)
