// Package pqueue provides a priority queue stored in Redis sorted sets.
//
// Items wait in a pending set ordered by priority and move to a processing
// set, scored by the time they were taken, when dequeued. Complete removes a
// processed item. RequeueStale returns items whose worker never completed
// them to pending with a lowered priority, so a poison item sinks instead of
// blocking the head of the queue.
package pqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	"github.com/mirkobrombin/go-coord/v1/codec"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/pqueue")

// Pending scores are negated priorities so the head of the set is the item
// with the highest priority.
var dequeueScript = redis.NewScript(`
local head = redis.call("ZRANGE", KEYS[1], 0, 0)
if #head == 0 then
    return false
end
redis.call("ZREM", KEYS[1], head[1])
redis.call("ZADD", KEYS[2], ARGV[1], head[1])
return head[1]
`)

var completeScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 1 then
    redis.call("HDEL", KEYS[2], ARGV[1])
end
return removed
`)

var requeueScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local penalty = tonumber(ARGV[2])
for _, member in ipairs(stale) do
    local priority = tonumber(redis.call("HGET", KEYS[3], member) or "0") - penalty
    redis.call("ZREM", KEYS[1], member)
    redis.call("ZADD", KEYS[2], -priority, member)
    redis.call("HSET", KEYS[3], member, priority)
end
return #stale
`)

const defaultRequeuePenalty = 1

// Stats holds the size of both sets.
type Stats struct {
	Pending    int64
	Processing int64
}

// Queue is a priority queue of T. Items are identified by their encoded form,
// so enqueuing an equal item twice keeps a single entry with the latest
// priority.
type Queue[T any] struct {
	store      *adapter.Store
	name       string
	pending    string
	processing string
	priorities string

	codec   codec.Codec
	penalty float64
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	codec   codec.Codec
	penalty float64
	now     func() time.Time
}

// WithCodec sets the codec used to encode items. Items are matched by their
// encoded bytes, so the codec must encode equal values identically; JSON and
// MsgpackCodec do, GobCodec does not for maps. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithRequeuePenalty sets how much priority a stale item loses when it is
// requeued. Defaults to 1.
func WithRequeuePenalty(p float64) Option {
	return func(o *options) { o.penalty = p }
}

// WithClock overrides the time source used to stamp dequeued items.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns a Queue named name.
func New[T any](store *adapter.Store, name string, opts ...Option) *Queue[T] {
	o := options{codec: codec.JSONCodec{}, penalty: defaultRequeuePenalty, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		store:      store,
		name:       name,
		pending:    store.Key("pqueue", name, "pending"),
		processing: store.Key("pqueue", name, "processing"),
		priorities: store.Key("pqueue", name, "priority"),
		codec:      o.codec,
		penalty:    o.penalty,
		now:        o.now,
	}
}

func (q *Queue[T]) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "PriorityQueue."+op, trace.WithAttributes(attribute.String("coord.pqueue", q.name)))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Enqueue adds item with priority. Higher priorities are dequeued first; an
// item already in the queue is moved back to pending with the new priority.
func (q *Queue[T]) Enqueue(ctx context.Context, item T, priority float64) error {
	if math.IsNaN(priority) || math.IsInf(priority, 0) {
		return fmt.Errorf("pqueue: priority %v: %w", priority, coorderrors.ErrInvalidArgument)
	}
	data, err := q.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("pqueue: encode: %w", err)
	}
	ctx, span := q.span(ctx, "Enqueue")
	defer span.End()

	member := string(data)
	err = q.store.Do(ctx, func(ctx context.Context) error {
		_, err := q.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.processing, member)
			pipe.ZAdd(ctx, q.pending, redis.Z{Score: -priority, Member: member})
			pipe.HSet(ctx, q.priorities, member, priority)
			return nil
		})
		return err
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("pqueue: enqueue on %s: %w", q.name, err)
	}
	metrics.PriorityQueueOperations.WithLabelValues("enqueue").Inc()
	return nil
}

// Dequeue atomically moves the highest priority item to processing and
// returns it. An empty queue yields ok == false.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool, error) {
	var zero T
	ctx, span := q.span(ctx, "Dequeue")
	defer span.End()

	var member string
	err := q.store.Do(ctx, func(ctx context.Context) error {
		var err error
		member, err = dequeueScript.Run(ctx, q.store.Client(),
			[]string{q.pending, q.processing}, q.now().UnixMilli()).Text()
		return err
	})
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("coord.pqueue.empty", true))
		return zero, false, nil
	}
	if err != nil {
		fail(span, err)
		return zero, false, fmt.Errorf("pqueue: dequeue on %s: %w", q.name, err)
	}
	metrics.PriorityQueueOperations.WithLabelValues("dequeue").Inc()

	var item T
	if err := q.codec.Unmarshal([]byte(member), &item); err != nil {
		// The item stays in processing and comes back through RequeueStale.
		fail(span, err)
		return zero, false, fmt.Errorf("pqueue: decode item from %s: %w", q.name, err)
	}
	return item, true, nil
}

// Complete removes a processed item. It returns false if the item was not
// in processing, for example because it was already requeued.
func (q *Queue[T]) Complete(ctx context.Context, item T) (bool, error) {
	data, err := q.codec.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("pqueue: encode: %w", err)
	}
	ctx, span := q.span(ctx, "Complete")
	defer span.End()

	var n int64
	err = q.store.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = completeScript.Run(ctx, q.store.Client(),
			[]string{q.processing, q.priorities}, string(data)).Int64()
		return err
	})
	if err != nil {
		fail(span, err)
		return false, fmt.Errorf("pqueue: complete on %s: %w", q.name, err)
	}
	metrics.PriorityQueueOperations.WithLabelValues("complete").Inc()
	return n == 1, nil
}

// RequeueStale moves items that have been processing for at least maxAge back
// to pending, lowering their priority by the requeue penalty. A zero maxAge
// requeues every item in processing.
func (q *Queue[T]) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("pqueue: max age %v: %w", maxAge, coorderrors.ErrInvalidArgument)
	}
	ctx, span := q.span(ctx, "RequeueStale")
	defer span.End()

	cutoff := q.now().Add(-maxAge).UnixMilli()
	var n int64
	err := q.store.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = requeueScript.Run(ctx, q.store.Client(),
			[]string{q.processing, q.pending, q.priorities},
			cutoff, strconv.FormatFloat(q.penalty, 'f', -1, 64)).Int64()
		return err
	})
	if err != nil {
		fail(span, err)
		return 0, fmt.Errorf("pqueue: requeue on %s: %w", q.name, err)
	}
	span.SetAttributes(attribute.Int64("coord.pqueue.requeued", n))
	metrics.PriorityQueueOperations.WithLabelValues("requeue").Inc()
	metrics.PriorityQueueRequeued.Add(float64(n))
	return n, nil
}

// Stats returns the number of pending and processing items.
func (q *Queue[T]) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := q.store.Do(ctx, func(ctx context.Context) error {
		pipe := q.store.Client().Pipeline()
		pending := pipe.ZCard(ctx, q.pending)
		processing := pipe.ZCard(ctx, q.processing)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		st.Pending, st.Processing = pending.Val(), processing.Val()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("pqueue: stats for %s: %w", q.name, err)
	}
	return st, nil
}
