package queue

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-coord/v1/codec"
)

// Typed wraps a Queue with a codec so producers and handlers deal in values
// of T instead of raw payloads.
type Typed[T any] struct {
	q     *Queue
	codec codec.Codec
}

// NewTyped returns a typed view of q. A nil codec defaults to JSON.
func NewTyped[T any](q *Queue, c codec.Codec) *Typed[T] {
	if c == nil {
		c = codec.JSONCodec{}
	}
	return &Typed[T]{q: q, codec: c}
}

// Queue returns the underlying queue.
func (t *Typed[T]) Queue() *Queue { return t.q }

// Publish encodes v and appends it to the stream.
func (t *Typed[T]) Publish(ctx context.Context, v T) (string, error) {
	data, err := t.codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("queue: encode: %w", err)
	}
	return t.q.Publish(ctx, data)
}

// Consume decodes every message before calling h. A message that cannot be
// decoded counts as a handler failure and stays pending.
func (t *Typed[T]) Consume(ctx context.Context, h func(ctx context.Context, id string, v T) error) error {
	return t.q.Consume(ctx, func(ctx context.Context, msg Message) error {
		var v T
		if err := t.codec.Unmarshal(msg.Payload, &v); err != nil {
			return fmt.Errorf("queue: decode %s: %w", msg.ID, err)
		}
		return h(ctx, msg.ID, v)
	})
}
