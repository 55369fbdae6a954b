package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Breaker while publishing is suspended.
var ErrCircuitOpen = errors.New("notify: circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Bus so that a failing transport stops costing a round
// trip on every Publish. After threshold consecutive failures publishing is
// skipped for cooldown; then a single probe decides whether to resume.
// Subscriptions pass through unchanged.
type Breaker struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewBreaker wraps bus. A threshold below 1 is treated as 1.
func NewBreaker(bus Bus, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{bus: bus, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Healthy reports whether Publish calls currently reach the wrapped bus.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateOpen || b.now().Sub(b.openedAt) >= b.cooldown
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return true
		}
	}
	// Half open: the probe in flight decides.
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// Publish implements Bus.Publish.
func (b *Breaker) Publish(ctx context.Context, key string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.bus.Publish(ctx, key)
	// A caller giving up is not a transport failure.
	if err != nil && ctx.Err() != nil {
		b.mu.Lock()
		if b.state == stateHalfOpen {
			b.state = stateOpen
		}
		b.mu.Unlock()
		return err
	}
	b.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *Breaker) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	return b.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *Breaker) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return b.bus.Unsubscribe(ctx, key, ch)
}
