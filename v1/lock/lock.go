package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
	"github.com/mirkobrombin/go-coord/v1/notify"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/lock")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Locker hands out TTL-bound locks stored in Redis.
type Locker struct {
	store  *adapter.Store
	bus    notify.Bus
	logger *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithNotifier publishes release events on bus and lets WithLock wait on them.
func WithNotifier(bus notify.Bus) Option {
	return func(l *Locker) { l.bus = bus }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New returns a Locker using the provided store.
func New(store *adapter.Store, opts ...Option) *Locker {
	l := &Locker{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(resource string) string {
	return l.store.Key("lock", resource)
}

func unlockTopic(resource string) string {
	return "unlock:" + resource
}

func validate(resource string, ttl time.Duration) error {
	if resource == "" {
		return fmt.Errorf("lock: empty resource: %w", coorderrors.ErrInvalidArgument)
	}
	if ttl < time.Millisecond {
		return fmt.Errorf("lock: ttl %v: %w", ttl, coorderrors.ErrInvalidArgument)
	}
	return nil
}

// Acquire tries once to take the lock on resource for ttl. On success it
// returns the owner token. A held lock is reported as ok == false with a nil
// error.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	if err := validate(resource, ttl); err != nil {
		return "", false, err
	}
	ctx, span := tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(attribute.String("lock.resource", resource)))
	defer span.End()

	token, err := uuid.GenerateUUID()
	if err != nil {
		return "", false, err
	}
	var ok bool
	err = l.store.Do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = l.store.Client().SetNX(ctx, l.key(resource), token, ttl).Result()
		return err
	})
	if err != nil {
		metrics.LockOperations.WithLabelValues("acquire", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	if !ok {
		metrics.LockOperations.WithLabelValues("acquire", "contended").Inc()
		return "", false, nil
	}
	metrics.LockOperations.WithLabelValues("acquire", "ok").Inc()
	return token, true, nil
}

// Release deletes the lock if token still owns it. It returns false when the
// lock expired or belongs to someone else; the current holder is never
// affected.
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Lock.Release", trace.WithAttributes(attribute.String("lock.resource", resource)))
	defer span.End()

	ok, err := l.runOwned(ctx, "release", releaseScript, resource, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if ok && l.bus != nil {
		if err := l.bus.Publish(ctx, unlockTopic(resource)); err != nil {
			l.logger.Warn("coord: lock release notification failed", "resource", resource, "error", err)
		}
	}
	return ok, nil
}

// Extend resets the TTL of the lock to ttl if token still owns it.
func (l *Locker) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if err := validate(resource, ttl); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "Lock.Extend", trace.WithAttributes(attribute.String("lock.resource", resource)))
	defer span.End()

	ok, err := l.runOwned(ctx, "extend", extendScript, resource, token, ttl.Milliseconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

func (l *Locker) runOwned(ctx context.Context, op string, script *redis.Script, resource, token string, extra ...any) (bool, error) {
	if resource == "" {
		return false, fmt.Errorf("lock: empty resource: %w", coorderrors.ErrInvalidArgument)
	}
	if token == "" {
		metrics.LockOperations.WithLabelValues(op, "stale").Inc()
		return false, nil
	}
	var n int64
	err := l.store.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = script.Run(ctx, l.store.Client(), []string{l.key(resource)}, append([]any{token}, extra...)...).Int64()
		return err
	})
	if err != nil {
		metrics.LockOperations.WithLabelValues(op, "error").Inc()
		return false, err
	}
	if n == 0 {
		metrics.LockOperations.WithLabelValues(op, "stale").Inc()
		return false, nil
	}
	metrics.LockOperations.WithLabelValues(op, "ok").Inc()
	return true, nil
}
