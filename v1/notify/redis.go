package notify

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
)

// RedisBus implements Bus with Redis pub/sub on the coordination store.
type RedisBus struct {
	store *adapter.Store

	mu        sync.Mutex
	subs      map[chan struct{}]*redis.PubSub
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a RedisBus publishing on channels under the store prefix.
func NewRedisBus(store *adapter.Store) *RedisBus {
	return &RedisBus{store: store, subs: make(map[chan struct{}]*redis.PubSub)}
}

func (b *RedisBus) channel(key string) string {
	return b.store.Key("notify", key)
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	err := b.store.Do(ctx, func(ctx context.Context) error {
		return b.store.Client().Publish(ctx, b.channel(key), "1").Err()
	})
	if err == nil {
		b.published.Add(1)
	}
	return err
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so a Publish issued afterwards is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ps := b.store.Client().Subscribe(ctx, b.channel(key))
	err := b.store.Do(ctx, func(ctx context.Context) error {
		_, err := ps.Receive(ctx)
		return err
	})
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				b.mu.Lock()
				if _, live := b.subs[ch]; live {
					select {
					case ch <- struct{}{}:
						b.delivered.Add(1)
					default:
					}
				}
				b.mu.Unlock()
			case <-ctx.Done():
				_ = b.Unsubscribe(context.Background(), key, ch)
				return
			}
		}
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
