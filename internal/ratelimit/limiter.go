// Package ratelimit throttles webhook ingress per provider source with a token
// bucket shared across API replicas through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:webhook:"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// SourceLimiter holds one bucket per source.
type SourceLimiter struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewSourceLimiter builds a limiter. Idle buckets expire after ttl.
func NewSourceLimiter(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *SourceLimiter {
	return &SourceLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes a token from source's bucket if one is available.
func (l *SourceLimiter) Allow(ctx context.Context, source string) (Decision, error) {
	res, err := bucketScript.Run(ctx, l.client, []string{keyPrefix + source},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", source, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", source, res)
	}
	return Decision{Allowed: res[0] == 1, Remaining: res[1]}, nil
}

// Tokens are stored fractionally; the reply truncates them to an integer.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
