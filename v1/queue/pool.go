package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

const defaultPoolClaimIdle = time.Minute

// RunPool initializes the group and runs workers consumers on it until ctx is
// done. Consumer names are derived from the hostname and the worker index so
// a restarted pool picks up the pending entries of its previous run. Entries
// left by workers that never return are claimed after one minute unless
// WithClaimIdle says otherwise.
func RunPool(ctx context.Context, store *adapter.Store, name, group string, workers int, h Handler, opts ...Option) error {
	if workers <= 0 {
		return fmt.Errorf("queue: workers must be positive: %w", coorderrors.ErrInvalidArgument)
	}
	opts = append([]Option{WithClaimIdle(defaultPoolClaimIdle)}, opts...)

	host := hostname()
	queues := make([]*Queue, workers)
	for i := range queues {
		queues[i] = New(store, name, group, fmt.Sprintf("%s-%d", host, i), opts...)
	}
	if err := queues[0].Initialize(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error { return q.Consume(gctx, h) })
	}
	return g.Wait()
}
