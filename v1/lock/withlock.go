package lock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-coord/v1/backoff"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const (
	defaultTTL        = 10 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = 100 * time.Millisecond
)

type withLockOptions struct {
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
	strategy   backoff.Strategy
}

// WithLockOption configures a WithLock call.
type WithLockOption func(*withLockOptions)

// WithTTL sets the lock TTL. Defaults to 10s.
func WithTTL(d time.Duration) WithLockOption {
	return func(o *withLockOptions) { o.ttl = d }
}

// WithRetries sets how many times acquisition is retried after the first
// attempt. Defaults to 3; zero means a single attempt.
func WithRetries(n int) WithLockOption {
	return func(o *withLockOptions) { o.retries = n }
}

// WithRetryDelay sets the base delay of the default linear backoff, so retry
// n waits delay*n. Defaults to 100ms.
func WithRetryDelay(d time.Duration) WithLockOption {
	return func(o *withLockOptions) { o.retryDelay = d }
}

// WithBackoff replaces the linear backoff between attempts.
func WithBackoff(s backoff.Strategy) WithLockOption {
	return func(o *withLockOptions) { o.strategy = s }
}

// WithLock runs fn while holding the lock on resource. Acquisition is
// retried with backoff; once every attempt found the lock held it returns an
// error wrapping errors.ErrLockUnavailable and fn is not called. The lock is
// released on every exit path, including a panic in fn, and fn's error is
// returned unchanged.
func (l *Locker) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error, opts ...WithLockOption) (err error) {
	o := withLockOptions{ttl: defaultTTL, retries: defaultRetries, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retries < 0 {
		return fmt.Errorf("lock: retries %d: %w", o.retries, coorderrors.ErrInvalidArgument)
	}
	if o.strategy == nil {
		o.strategy = backoff.NewLinear(o.retryDelay, 0)
	}

	ctx, span := tracer.Start(ctx, "Lock.WithLock", trace.WithAttributes(attribute.String("lock.resource", resource)))
	defer span.End()

	token, err := l.acquireWithRetry(ctx, resource, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.store.Timeout())
		defer cancel()
		released, rerr := l.Release(rctx, resource, token)
		switch {
		case rerr != nil:
			l.logger.Warn("coord: lock release failed", "resource", resource, "error", rerr)
			if err == nil {
				err = fmt.Errorf("lock: release %s: %w", resource, rerr)
			}
		case !released:
			l.logger.Warn("coord: lock expired before release", "resource", resource, "ttl", o.ttl)
		}
	}()

	return fn(ctx)
}

func (l *Locker) acquireWithRetry(ctx context.Context, resource string, o withLockOptions) (string, error) {
	attempts := o.retries + 1
	for attempt := 1; ; attempt++ {
		token, ok, err := l.Acquire(ctx, resource, o.ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if attempt >= attempts {
			break
		}
		if err := l.wait(ctx, resource, o.strategy.Delay(attempt)); err != nil {
			return "", err
		}
	}
	metrics.LockOperations.WithLabelValues("with_lock", "unavailable").Inc()
	return "", fmt.Errorf("lock: %s after %d attempts: %w", resource, attempts, coorderrors.ErrLockUnavailable)
}

// wait sleeps for d, returning early when a release of resource is announced
// on the bus. Only a done ctx is reported as an error.
func (l *Locker) wait(ctx context.Context, resource string, d time.Duration) error {
	if l.bus == nil {
		return backoff.Sleep(ctx, d)
	}
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	topic := unlockTopic(resource)
	ch, err := l.bus.Subscribe(wctx, topic)
	if err != nil {
		l.logger.Warn("coord: lock release subscription failed", "resource", resource, "error", err)
		<-wctx.Done()
		return ctx.Err()
	}
	defer func() { _ = l.bus.Unsubscribe(context.Background(), topic, ch) }()
	select {
	case <-ch:
	case <-wctx.Done():
	}
	return ctx.Err()
}
