package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	"github.com/mirkobrombin/go-coord/v1/backoff"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/queue")

const (
	fieldPayload     = "payload"
	fieldPublishedAt = "published_at"

	defaultCount      = 10
	defaultBlock      = 2 * time.Second
	defaultRetryDelay = time.Second
	defaultErrorDelay = time.Second
)

// Message is a delivered queue entry.
type Message struct {
	ID          string
	Payload     []byte
	PublishedAt time.Time
	// Redelivered is set when the entry came from a pending list rather than
	// being read for the first time.
	Redelivered bool
}

// Handler processes one message. Returning nil acknowledges the message; any
// error leaves it pending for another delivery.
type Handler func(ctx context.Context, msg Message) error

// Stats describes the state of the stream and its consumer group.
type Stats struct {
	Length    int64
	Pending   int64
	Consumers map[string]int64
}

// Queue is one consumer's view of a stream consumer group. Producers can use
// any Queue on the same stream to publish. Consume must not run concurrently
// on the same Queue; use one Queue per consumer.
type Queue struct {
	store    *adapter.Store
	name     string
	stream   string
	group    string
	consumer string

	count        int64
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	errorBackoff backoff.Strategy
	logger       *slog.Logger

	stopped       atomic.Bool
	pendingCursor string
}

// Option configures a Queue.
type Option func(*Queue)

// WithCount sets how many entries are read per iteration. Defaults to 10.
func WithCount(n int64) Option {
	return func(q *Queue) { q.count = n }
}

// WithBlock sets how long a read for new entries blocks. A non-positive
// duration disables blocking. Defaults to 2s.
func WithBlock(d time.Duration) Option {
	return func(q *Queue) { q.block = d }
}

// WithClaimIdle enables taking over entries that stayed pending on any
// consumer for at least d. Disabled by default.
func WithClaimIdle(d time.Duration) Option {
	return func(q *Queue) { q.claimIdle = d }
}

// WithRetryDelay sets the pause after an iteration in which a handler failed.
// Defaults to 1s.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryDelay = d }
}

// WithErrorBackoff sets the delay policy applied after store errors.
// Defaults to a constant 1s.
func WithErrorBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.errorBackoff = s }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New returns a Queue bound to stream name, group and consumer. An empty
// consumer gets a unique generated name.
func New(store *adapter.Store, name, group, consumer string, opts ...Option) *Queue {
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	q := &Queue{
		store:         store,
		name:          name,
		stream:        store.Key("queue", name),
		group:         group,
		consumer:      consumer,
		count:         defaultCount,
		block:         defaultBlock,
		retryDelay:    defaultRetryDelay,
		errorBackoff:  backoff.NewConstant(defaultErrorDelay),
		logger:        slog.Default(),
		pendingCursor: "0",
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.count <= 0 {
		q.count = defaultCount
	}
	return q
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer"
	}
	return host
}

func defaultConsumerName() string {
	return hostname() + "-" + uuid.NewString()[:8]
}

// Consumer returns the consumer name.
func (q *Queue) Consumer() string { return q.consumer }

// Initialize creates the stream and the consumer group, starting at messages
// published from now on. An existing group is left untouched, its start
// position included.
func (q *Queue) Initialize(ctx context.Context) error {
	err := q.store.Do(ctx, func(ctx context.Context) error {
		return q.store.Client().XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	})
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("queue: create group %s on %s: %w", q.group, q.name, err)
	}
	return nil
}

// Publish appends payload to the stream and returns the id assigned by Redis.
func (q *Queue) Publish(ctx context.Context, payload []byte) (string, error) {
	var id string
	err := q.store.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = q.store.Client().XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{
				fieldPayload:     payload,
				fieldPublishedAt: time.Now().UnixMilli(),
			},
		}).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("queue: publish to %s: %w", q.name, err)
	}
	metrics.QueuePublished.Inc()
	return id, nil
}

// Ack acknowledges ids for this consumer group and returns how many were
// pending. Acknowledging an id twice is a no-op.
func (q *Queue) Ack(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := q.store.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.store.Client().XAck(ctx, q.stream, q.group, ids...).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue: ack on %s: %w", q.name, err)
	}
	metrics.QueueAcked.Add(float64(n))
	return n, nil
}

// Stats returns the stream length and the group's pending entries.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := q.store.Do(ctx, func(ctx context.Context) error {
		pipe := q.store.Client().Pipeline()
		lenCmd := pipe.XLen(ctx, q.stream)
		pendingCmd := pipe.XPending(ctx, q.stream, q.group)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		st.Length = lenCmd.Val()
		p := pendingCmd.Val()
		if p != nil {
			st.Pending = p.Count
			st.Consumers = p.Consumers
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats for %s: %w", q.name, err)
	}
	return st, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func decode(xm redis.XMessage, redelivered bool) (Message, bool) {
	raw, ok := xm.Values[fieldPayload]
	if !ok {
		return Message{}, false
	}
	msg := Message{ID: xm.ID, Redelivered: redelivered}
	switch v := raw.(type) {
	case string:
		msg.Payload = []byte(v)
	case []byte:
		msg.Payload = v
	default:
		return Message{}, false
	}
	if s, ok := xm.Values[fieldPublishedAt].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			msg.PublishedAt = time.UnixMilli(ms)
		}
	}
	return msg, true
}
