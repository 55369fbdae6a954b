package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
)

// ARGV: cutoff (exclusive range bound), now, limit, window ms, member.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
    redis.call("ZADD", KEYS[1], ARGV[2], ARGV[5])
    redis.call("PEXPIRE", KEYS[1], ARGV[4])
    count = count + 1
    allowed = 1
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local first = tonumber(ARGV[2])
if oldest[2] then
    first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// SlidingWindowLimiter keeps the timestamp of every admitted request inside
// the window and admits a request only while fewer than limit remain.
type SlidingWindowLimiter struct {
	store *adapter.Store
	opts  options
}

// NewSlidingWindow returns a sliding window log limiter.
func NewSlidingWindow(store *adapter.Store, opts ...Option) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{store: store, opts: newOptions(opts)}
}

// Algorithm implements Limiter.
func (l *SlidingWindowLimiter) Algorithm() Algorithm { return SlidingWindow }

// Check implements Limiter.
func (l *SlidingWindowLimiter) Check(ctx context.Context, identifier string, limit int64, window time.Duration) (Result, error) {
	if err := validate(identifier, limit, window); err != nil {
		return Result{}, err
	}
	now := l.opts.now().UnixMilli()
	windowMs := window.Milliseconds()
	cutoff := "(" + strconv.FormatInt(now-windowMs, 10)
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	key := l.store.Key("ratelimit", "sliding", identifier)
	reply, err := runScript(ctx, l.store, slidingWindowScript, []string{key},
		cutoff, now, limit, windowMs, member)
	if err != nil {
		record(SlidingWindow, Result{}, err)
		return Result{}, err
	}
	count, oldest := reply[1], reply[2]
	reset := time.Duration(oldest+windowMs-now) * time.Millisecond
	if reset < 0 {
		reset = 0
	}
	res := Result{
		Allowed:    reply[0] == 1,
		Current:    count,
		Remaining:  remaining(limit, count),
		Limit:      limit,
		ResetAfter: reset,
	}
	record(SlidingWindow, res, nil)
	return res, nil
}
