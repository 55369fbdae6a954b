package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm int

const (
	FixedWindow Algorithm = iota + 1
	SlidingWindow
	TokenBucket
)

func (a Algorithm) String() string {
	switch a {
	case FixedWindow:
		return "fixed_window"
	case SlidingWindow:
		return "sliding_window"
	case TokenBucket:
		return "token_bucket"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// ParseAlgorithm maps a configuration name such as "sliding-window" or
// "token_bucket" to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_") {
	case "fixed", "fixed_window":
		return FixedWindow, nil
	case "sliding", "sliding_window":
		return SlidingWindow, nil
	case "bucket", "token_bucket":
		return TokenBucket, nil
	}
	return 0, fmt.Errorf("ratelimit: %q: %w", name, coorderrors.ErrUnknownAlgorithm)
}

// Result is the outcome of a single check.
type Result struct {
	// Allowed reports whether the request is admitted.
	Allowed bool
	// Current is the usage counted against the limit after this check.
	Current int64
	// Remaining is how many more requests would be admitted right now.
	Remaining int64
	// Limit echoes the limit the check ran with.
	Limit int64
	// ResetAfter approximates when capacity frees up again.
	ResetAfter time.Duration
}

// Limiter decides whether a request from identifier fits in limit requests
// per window.
type Limiter interface {
	Check(ctx context.Context, identifier string, limit int64, window time.Duration) (Result, error)
	Algorithm() Algorithm
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now        func() time.Time
	refillRate int64
}

// WithClock sets the time source. It defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRefillRate sets how many tokens a TokenBucket regains per window. The
// default refills the whole bucket once per window. Other algorithms ignore it.
func WithRefillRate(n int64) Option {
	return func(o *options) {
		o.refillRate = n
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the limiter implementing alg.
func New(alg Algorithm, store *adapter.Store, opts ...Option) (Limiter, error) {
	switch alg {
	case FixedWindow:
		return NewFixedWindow(store, opts...), nil
	case SlidingWindow:
		return NewSlidingWindow(store, opts...), nil
	case TokenBucket:
		if o := newOptions(opts); o.refillRate < 0 {
			return nil, fmt.Errorf("ratelimit: refill rate %d: %w", o.refillRate, coorderrors.ErrInvalidArgument)
		}
		return NewTokenBucket(store, opts...), nil
	}
	return nil, fmt.Errorf("ratelimit: %s: %w", alg, coorderrors.ErrUnknownAlgorithm)
}

func validate(identifier string, limit int64, window time.Duration) error {
	switch {
	case identifier == "":
		return fmt.Errorf("ratelimit: empty identifier: %w", coorderrors.ErrInvalidArgument)
	case limit <= 0:
		return fmt.Errorf("ratelimit: limit %d: %w", limit, coorderrors.ErrInvalidArgument)
	case window < time.Millisecond:
		return fmt.Errorf("ratelimit: window %v: %w", window, coorderrors.ErrInvalidArgument)
	}
	return nil
}

// runScript executes script and returns its reply as integers.
func runScript(ctx context.Context, store *adapter.Store, script *redis.Script, keys []string, args ...any) ([]int64, error) {
	var reply []int64
	err := store.Do(ctx, func(ctx context.Context) error {
		res, err := script.Run(ctx, store.Client(), keys, args...).Int64Slice()
		reply = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func record(alg Algorithm, res Result, err error) {
	outcome := "denied"
	switch {
	case err != nil:
		outcome = "error"
	case res.Allowed:
		outcome = "allowed"
	}
	metrics.RateLimitDecisions.WithLabelValues(alg.String(), outcome).Inc()
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
