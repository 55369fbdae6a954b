package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
)

// ARGV: capacity, refill rate, refill interval ms, now ms, key ttl ms.
// Refill happens in whole intervals and last_refill advances by the intervals
// consumed, so partial progress towards the next token is kept. A full bucket
// restarts its interval at now.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_refill")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
    tokens = capacity
    last = now
end

if now > last then
    local intervals = math.floor((now - last) / interval)
    if intervals > 0 then
        tokens = math.min(capacity, tokens + intervals * rate)
        last = last + intervals * interval
    end
end
if tokens >= capacity then
    tokens = capacity
    last = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "last_refill", last)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, tokens, last}
`)

// TokenBucketLimiter holds up to limit tokens per identifier. Each admitted
// request consumes one token and the bucket regains the refill rate for every
// whole window elapsed since the last refill.
type TokenBucketLimiter struct {
	store *adapter.Store
	opts  options
}

// NewTokenBucket returns a token bucket limiter.
func NewTokenBucket(store *adapter.Store, opts ...Option) *TokenBucketLimiter {
	return &TokenBucketLimiter{store: store, opts: newOptions(opts)}
}

// Algorithm implements Limiter.
func (l *TokenBucketLimiter) Algorithm() Algorithm { return TokenBucket }

// Check implements Limiter. limit is the bucket capacity and window the refill
// interval.
func (l *TokenBucketLimiter) Check(ctx context.Context, identifier string, limit int64, window time.Duration) (Result, error) {
	if err := validate(identifier, limit, window); err != nil {
		return Result{}, err
	}
	rate := l.opts.refillRate
	if rate <= 0 || rate > limit {
		rate = limit
	}
	interval := window.Milliseconds()
	// long enough to refill from empty twice over
	ttl := 2 * interval * ((limit + rate - 1) / rate)
	now := l.opts.now().UnixMilli()

	key := l.store.Key("ratelimit", "bucket", identifier)
	reply, err := runScript(ctx, l.store, tokenBucketScript, []string{key},
		limit, rate, interval, now, ttl)
	if err != nil {
		record(TokenBucket, Result{}, err)
		return Result{}, err
	}
	tokens, last := reply[1], reply[2]
	res := Result{
		Allowed:   reply[0] == 1,
		Current:   limit - tokens,
		Remaining: tokens,
		Limit:     limit,
	}
	if tokens < 1 {
		if wait := time.Duration(last+interval-now) * time.Millisecond; wait > 0 {
			res.ResetAfter = wait
		}
	}
	record(TokenBucket, res, nil)
	return res, nil
}
