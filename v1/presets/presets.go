package presets

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	"github.com/mirkobrombin/go-coord/v1/lock"
	"github.com/mirkobrombin/go-coord/v1/notify"
	"github.com/mirkobrombin/go-coord/v1/pqueue"
	"github.com/mirkobrombin/go-coord/v1/queue"
	"github.com/mirkobrombin/go-coord/v1/ratelimit"
)

const (
	defaultConnectTimeout = 5 * time.Second
	breakerThreshold      = 3
	breakerCooldown       = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Defaults to "coord:".
	Prefix string
	// Timeout bounds each store operation. Defaults to 5s.
	Timeout time.Duration
}

// Suite bundles every primitive over a single Redis connection.
type Suite struct {
	Store *adapter.Store
	// Bus carries lock release signals over Redis pub/sub behind a circuit
	// breaker.
	Bus    *notify.Breaker
	Locker *lock.Locker
}

// NewRedis connects to Redis and builds a Suite on it. The locker publishes
// release notifications on Redis pub/sub so WithLock waiters wake up early.
func NewRedis(opts RedisOptions) (*Suite, error) {
	var storeOpts []adapter.Option
	if opts.Prefix != "" {
		storeOpts = append(storeOpts, adapter.WithPrefix(opts.Prefix))
	}
	if opts.Timeout > 0 {
		storeOpts = append(storeOpts, adapter.WithTimeout(opts.Timeout))
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	store, err := adapter.Connect(ctx, adapter.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}, storeOpts...)
	if err != nil {
		return nil, err
	}
	return NewSuite(store), nil
}

// NewSuite builds a Suite on an existing store.
func NewSuite(store *adapter.Store) *Suite {
	bus := notify.NewBreaker(notify.NewRedisBus(store), breakerThreshold, breakerCooldown)
	return &Suite{
		Store:  store,
		Bus:    bus,
		Locker: lock.New(store, lock.WithNotifier(bus)),
	}
}

// Limiter returns a rate limiter using alg.
func (s *Suite) Limiter(alg ratelimit.Algorithm, opts ...ratelimit.Option) (ratelimit.Limiter, error) {
	return ratelimit.New(alg, s.Store, opts...)
}

// Queue returns a reliable queue consumer on stream name.
func (s *Suite) Queue(name, group, consumer string, opts ...queue.Option) *queue.Queue {
	return queue.New(s.Store, name, group, consumer, opts...)
}

// PriorityQueue returns a priority queue of T on the suite's store.
func PriorityQueue[T any](s *Suite, name string, opts ...pqueue.Option) *pqueue.Queue[T] {
	return pqueue.New[T](s.Store, name, opts...)
}

// Close releases the Redis connection.
func (s *Suite) Close() error {
	return s.Store.Close()
}
