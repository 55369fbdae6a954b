package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-coord/v1/backoff"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const ackTimeout = 5 * time.Second

// Consume runs the consume loop until Stop is called or ctx is done. Each
// iteration reprocesses this consumer's pending entries, optionally claims
// idle entries of other consumers, then reads new entries. In-flight
// handlers always complete before Consume returns.
func (q *Queue) Consume(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("queue: nil handler: %w", coorderrors.ErrInvalidArgument)
	}
	metrics.ActiveConsumers.Inc()
	defer metrics.ActiveConsumers.Dec()

	q.logger.Info("coord: queue consumer started", "stream", q.name, "group", q.group, "consumer", q.consumer)
	defer q.logger.Info("coord: queue consumer stopped", "stream", q.name, "group", q.group, "consumer", q.consumer)

	attempt := 0
	for !q.stopped.Load() && ctx.Err() == nil {
		failed, err := q.iterate(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isNoGroup(err) {
				q.pendingCursor = "0"
				q.logger.Warn("coord: queue group missing, recreating", "stream", q.name, "group", q.group)
				err = q.Initialize(ctx)
				if err == nil {
					continue
				}
			}
			attempt++
			delay := q.errorBackoff.Delay(attempt)
			q.logger.Error("coord: queue iteration failed", "stream", q.name, "consumer", q.consumer, "attempt", attempt, "retry_in", delay, "error", err)
			if backoff.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		attempt = 0
		if failed > 0 && q.retryDelay > 0 {
			if backoff.Sleep(ctx, q.retryDelay) != nil {
				return nil
			}
		}
	}
	return nil
}

// Stop asks Consume to return after the current iteration. A stopped Queue
// does not consume again; create a new one with the same consumer name.
func (q *Queue) Stop() {
	q.stopped.Store(true)
}

// iterate runs one pass of the consume loop and reports how many handlers
// failed.
func (q *Queue) iterate(ctx context.Context, h Handler) (int, error) {
	pending, err := q.readPending(ctx)
	if err != nil {
		return 0, err
	}
	failed := q.dispatch(ctx, h, pending, true)

	if q.claimIdle > 0 && !q.stopped.Load() {
		claimed, err := q.claim(ctx)
		if err != nil {
			return failed, err
		}
		if len(claimed) > 0 {
			metrics.QueueReclaimed.Add(float64(len(claimed)))
			q.logger.Info("coord: queue claimed idle entries", "stream", q.name, "consumer", q.consumer, "count", len(claimed))
		}
		failed += q.dispatch(ctx, h, claimed, true)
		pending = append(pending, claimed...)
	}

	if q.stopped.Load() {
		return failed, nil
	}
	// Only block when there is nothing left to retry.
	block := q.block
	if len(pending) > 0 {
		block = -1
	}
	fresh, err := q.read(ctx, ">", block)
	if err != nil {
		return failed, err
	}
	failed += q.dispatch(ctx, h, fresh, false)
	return failed, nil
}

// readPending returns the next page of this consumer's pending entries. The
// cursor walks the whole pending list across iterations, so entries that keep
// failing at its head do not starve the ones behind them.
func (q *Queue) readPending(ctx context.Context) ([]redis.XMessage, error) {
	msgs, err := q.read(ctx, q.pendingCursor, -1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && q.pendingCursor != "0" {
		q.pendingCursor = "0"
		if msgs, err = q.read(ctx, "0", -1); err != nil {
			return nil, err
		}
	}
	if int64(len(msgs)) < q.count {
		q.pendingCursor = "0"
	} else {
		q.pendingCursor = msgs[len(msgs)-1].ID
	}
	return msgs, nil
}

func (q *Queue) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	if block <= 0 {
		block = -1
	}
	wait := block
	if wait < 0 {
		wait = 0
	}
	var streams []redis.XStream
	err := q.store.DoBlocking(ctx, wait, func(ctx context.Context) error {
		res, err := q.store.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, id},
			Count:    q.count,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		streams = res
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (q *Queue) claim(ctx context.Context) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := q.store.Do(ctx, func(ctx context.Context) error {
		var err error
		msgs, _, err = q.store.Client().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    q.count,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	return msgs, err
}

func (q *Queue) dispatch(ctx context.Context, h Handler, entries []redis.XMessage, redelivered bool) int {
	failed := 0
	for _, xm := range entries {
		if !q.handle(ctx, h, xm, redelivered) {
			failed++
		}
	}
	return failed
}

func (q *Queue) handle(ctx context.Context, h Handler, xm redis.XMessage, redelivered bool) bool {
	msg, ok := decode(xm, redelivered)
	if !ok {
		// The entry was trimmed from the stream; only its pending record is left.
		q.logger.Warn("coord: queue entry has no payload, dropping pending record", "stream", q.name, "id", xm.ID)
		_, err := q.ack(ctx, xm.ID)
		return err == nil
	}

	ctx, span := tracer.Start(ctx, "Queue.Handle", trace.WithAttributes(
		attribute.String("coord.queue", q.name),
		attribute.String("coord.message_id", xm.ID),
		attribute.Bool("coord.redelivered", redelivered),
	))
	defer span.End()

	if err := invoke(ctx, h, msg); err != nil {
		metrics.QueueHandlerFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("coord: queue handler failed, message stays pending", "stream", q.name, "id", xm.ID, "error", err)
		return false
	}
	if _, err := q.ack(ctx, xm.ID); err != nil {
		span.RecordError(err)
		q.logger.Warn("coord: queue ack failed, message will be redelivered", "stream", q.name, "id", xm.ID, "error", err)
		return false
	}
	return true
}

// ack survives cancellation of ctx so completed work is not redelivered.
func (q *Queue) ack(ctx context.Context, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	return q.Ack(ctx, id)
}

func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
