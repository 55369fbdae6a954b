package adapter

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultKeyPrefix      = "coord:"
)

// Store is the handle every coordination primitive is built on. It wraps a
// caller-owned Redis client, bounds each operation with a timeout and maps
// transport failures to the sentinels in the errors package.
type Store struct {
	client  redis.UniversalClient
	timeout time.Duration
	prefix  string
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		o.timeout = d
	}
}

// WithPrefix sets the namespace prepended to every key built with Key.
func WithPrefix(prefix string) Option {
	return func(o *storeOptions) {
		o.prefix = prefix
	}
}

// New returns a Store using the provided Redis client. The caller keeps
// ownership of the client and is responsible for closing it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := storeOptions{timeout: defaultRedisOpTimeout, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultRedisOpTimeout
	}
	return &Store{client: client, timeout: o.timeout, prefix: o.prefix}
}

// Options describes how to reach a single Redis server.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis, verifies the connection with PING and returns a Store
// owning the new client. Close releases it.
func Connect(ctx context.Context, o Options, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	s := New(client, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Timeout returns the per-operation timeout.
func (s *Store) Timeout() time.Duration { return s.timeout }

// Key joins parts with ':' under the store prefix.
func (s *Store) Key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Do runs fn with a context bounded by the store timeout. Errors returned by
// fn are translated with MapError; redis.Nil is passed through untouched.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.do(ctx, s.timeout, fn)
}

// DoBlocking is Do for commands that block server side, such as XREADGROUP
// with BLOCK. The timeout is extended by block.
func (s *Store) DoBlocking(ctx context.Context, block time.Duration, fn func(ctx context.Context) error) error {
	if block < 0 {
		block = 0
	}
	return s.do(ctx, s.timeout+block, fn)
}

func (s *Store) do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return MapError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		return MapError(err)
	}
	return nil
}

// MapError converts context and connection failures into the package
// sentinels. Any other error, redis.Nil included, is returned unchanged.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return coorderrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return coorderrors.ErrConnectionClosed
	}
	return err
}
