package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
)

// The expiry is set by the increment that creates the counter. A counter
// found without a TTL gets one as well so it can never outlive its window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// FixedWindowLimiter counts requests per identifier in a counter that expires
// after the window.
type FixedWindowLimiter struct {
	store *adapter.Store
	opts  options
}

// NewFixedWindow returns a fixed window limiter.
func NewFixedWindow(store *adapter.Store, opts ...Option) *FixedWindowLimiter {
	return &FixedWindowLimiter{store: store, opts: newOptions(opts)}
}

// Algorithm implements Limiter.
func (l *FixedWindowLimiter) Algorithm() Algorithm { return FixedWindow }

// Check implements Limiter.
func (l *FixedWindowLimiter) Check(ctx context.Context, identifier string, limit int64, window time.Duration) (Result, error) {
	if err := validate(identifier, limit, window); err != nil {
		return Result{}, err
	}
	key := l.store.Key("ratelimit", "fixed", identifier)
	reply, err := runScript(ctx, l.store, fixedWindowScript, []string{key}, window.Milliseconds())
	if err != nil {
		record(FixedWindow, Result{}, err)
		return Result{}, err
	}
	count, ttl := reply[0], reply[1]
	res := Result{
		Allowed:    count <= limit,
		Current:    count,
		Remaining:  remaining(limit, count),
		Limit:      limit,
		ResetAfter: time.Duration(ttl) * time.Millisecond,
	}
	record(FixedWindow, res, nil)
	return res, nil
}
