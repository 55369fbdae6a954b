package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
	"github.com/mirkobrombin/go-coord/v1/backoff"
	"github.com/mirkobrombin/go-coord/v1/codec"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

func newStore(t *testing.T) (*adapter.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.New(client), mr
}

func fastOpts(extra ...Option) []Option {
	return append([]Option{WithBlock(20 * time.Millisecond), WithRetryDelay(10 * time.Millisecond)}, extra...)
}

// runConsume starts q.Consume and returns a channel closed when it returns.
func runConsume(ctx context.Context, t *testing.T, q *Queue, h Handler) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, h) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return")
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	q := New(store, "jobs", "workers", "w1", fastOpts()...)

	for i := 0; i < 2; i++ {
		if err := q.Initialize(ctx); err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
	}
	if !mr.Exists("coord:queue:jobs") {
		t.Fatal("expected stream to be created")
	}
	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Length != 0 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestConsumeDeliversAndAcks(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	q := New(store, "jobs", "workers", "w1", fastOpts()...)
	if err := q.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if _, err := q.Publish(ctx, []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []string
	done := runConsume(ctx, t, q, func(_ context.Context, msg Message) error {
		if msg.Redelivered {
			t.Errorf("unexpected redelivery of %s", msg.ID)
		}
		if msg.PublishedAt.IsZero() {
			t.Errorf("missing publish time on %s", msg.ID)
		}
		got = append(got, string(msg.Payload))
		if len(got) == 3 {
			q.Stop()
		}
		return nil
	})
	waitDone(t, done)

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected deliveries %v", got)
	}
	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Length != 3 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestHandlerFailureKeepsMessagePending(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	q := New(store, "jobs", "workers", "w1", fastOpts()...)
	_ = q.Initialize(ctx)
	id, _ := q.Publish(ctx, []byte("flaky"))

	var calls int
	done := runConsume(ctx, t, q, func(_ context.Context, msg Message) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		if !msg.Redelivered || msg.ID != id {
			t.Errorf("expected redelivery of %s, got %+v", id, msg)
		}
		q.Stop()
		return nil
	})
	waitDone(t, done)

	if calls != 2 {
		t.Fatalf("expected 2 deliveries, got %d", calls)
	}
	if st, _ := q.Stats(ctx); st.Pending != 0 {
		t.Fatalf("expected nothing pending, got %d", st.Pending)
	}
}

func TestRestartedConsumerRecoversPending(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	crashed := New(store, "jobs", "workers", "w1", fastOpts()...)
	_ = crashed.Initialize(ctx)
	id, _ := crashed.Publish(ctx, []byte("payload"))

	waitDone(t, runConsume(ctx, t, crashed, func(context.Context, Message) error {
		crashed.Stop()
		panic("worker crashed")
	}))
	st, err := crashed.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 1 || st.Consumers["w1"] != 1 {
		t.Fatalf("expected entry pending on w1, got %+v", st)
	}

	restarted := New(store, "jobs", "workers", "w1", fastOpts()...)
	var seen string
	waitDone(t, runConsume(ctx, t, restarted, func(_ context.Context, msg Message) error {
		seen = msg.ID
		restarted.Stop()
		return nil
	}))
	if seen != id {
		t.Fatalf("expected %s to be redelivered, got %q", id, seen)
	}
	if st, _ := restarted.Stats(ctx); st.Pending != 0 {
		t.Fatalf("expected nothing pending, got %d", st.Pending)
	}
}

func TestClaimIdleTakesOverAbandonedEntries(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	gone := New(store, "jobs", "workers", "gone", fastOpts()...)
	_ = gone.Initialize(ctx)
	id, _ := gone.Publish(ctx, []byte("orphan"))
	waitDone(t, runConsume(ctx, t, gone, func(context.Context, Message) error {
		gone.Stop()
		return errors.New("lost")
	}))

	time.Sleep(10 * time.Millisecond)

	other := New(store, "jobs", "workers", "other", fastOpts(WithClaimIdle(time.Millisecond))...)
	var seen Message
	waitDone(t, runConsume(ctx, t, other, func(_ context.Context, msg Message) error {
		seen = msg
		other.Stop()
		return nil
	}))
	if seen.ID != id || string(seen.Payload) != "orphan" || !seen.Redelivered {
		t.Fatalf("expected claimed %s, got %+v", id, seen)
	}
	if st, _ := other.Stats(ctx); st.Pending != 0 {
		t.Fatalf("expected nothing pending, got %d", st.Pending)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	q := New(store, "jobs", "workers", "w1")
	_ = q.Initialize(ctx)
	id, _ := q.Publish(ctx, []byte("x"))

	if _, err := store.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "w1",
		Streams:  []string{store.Key("queue", "jobs"), ">"},
		Count:    1,
		Block:    -1,
	}).Result(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n, err := q.Ack(ctx, id); err != nil || n != 1 {
		t.Fatalf("first ack: n %d err %v", n, err)
	}
	if n, err := q.Ack(ctx, id); err != nil || n != 0 {
		t.Fatalf("second ack: n %d err %v", n, err)
	}
	if n, err := q.Ack(ctx); err != nil || n != 0 {
		t.Fatalf("empty ack: n %d err %v", n, err)
	}
}

func TestConsumeRecreatesMissingGroup(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	q := New(store, "jobs", "workers", "w1", fastOpts(WithErrorBackoff(backoff.NewConstant(10*time.Millisecond)))...)
	_ = q.Initialize(ctx)
	mr.Del("coord:queue:jobs")

	got := make(chan string, 1)
	done := runConsume(ctx, t, q, func(_ context.Context, msg Message) error {
		got <- string(msg.Payload)
		q.Stop()
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists("coord:queue:jobs") {
		if time.Now().After(deadline) {
			t.Fatal("group was not recreated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := q.Publish(ctx, []byte("after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if p != "after" {
			t.Fatalf("unexpected payload %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered after recreating group")
	}
	waitDone(t, done)
}

func TestStopAndCancelEndIdleConsumer(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	q := New(store, "jobs", "workers", "w1", fastOpts()...)
	_ = q.Initialize(ctx)
	done := runConsume(ctx, t, q, func(context.Context, Message) error { return nil })
	time.Sleep(50 * time.Millisecond)
	q.Stop()
	waitDone(t, done)

	cctx, cancel := context.WithCancel(ctx)
	q2 := New(store, "jobs", "workers", "w2", fastOpts()...)
	done = runConsume(cctx, t, q2, func(context.Context, Message) error { return nil })
	time.Sleep(50 * time.Millisecond)
	cancel()
	waitDone(t, done)
}

func TestConsumeRejectsNilHandler(t *testing.T) {
	store, _ := newStore(t)
	q := New(store, "jobs", "workers", "")
	if q.Consumer() == "" {
		t.Fatal("expected generated consumer name")
	}
	if err := q.Consume(context.Background(), nil); !errors.Is(err, coorderrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRunPoolProcessesEverything(t *testing.T) {
	store, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := New(store, "jobs", "workers", "producer")
	if err := producer.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	const total = 20
	for i := 0; i < total; i++ {
		if _, err := producer.Publish(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var (
		seen  sync.Map
		count atomic.Int32
	)
	err := RunPool(ctx, store, "jobs", "workers", 4, func(_ context.Context, msg Message) error {
		if _, dup := seen.LoadOrStore(msg.ID, true); !dup && count.Add(1) == total {
			cancel()
		}
		return nil
	}, fastOpts()...)
	if err != nil {
		t.Fatalf("run pool: %v", err)
	}
	if count.Load() != total {
		t.Fatalf("expected %d messages, got %d", total, count.Load())
	}
	st, err := producer.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 0 {
		t.Fatalf("expected nothing pending, got %d", st.Pending)
	}

	if err := RunPool(ctx, store, "jobs", "workers", 0, func(context.Context, Message) error { return nil }); !errors.Is(err, coorderrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

type job struct {
	Name    string
	Retries int
}

func TestTypedRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	q := New(store, "typed", "workers", "w1", fastOpts()...)
	_ = q.Initialize(ctx)
	typed := NewTyped[job](q, codec.MsgpackCodec{})

	if _, err := typed.Publish(ctx, job{Name: "resize", Retries: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var got job
	done := make(chan error, 1)
	go func() {
		done <- typed.Consume(ctx, func(_ context.Context, _ string, v job) error {
			got = v
			q.Stop()
			return nil
		})
	}()
	waitDone(t, done)
	if got != (job{Name: "resize", Retries: 2}) {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestFailingPendingEntriesDoNotStarveOthers(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	q := New(store, "jobs", "workers", "w1", fastOpts(WithCount(2))...)
	_ = q.Initialize(ctx)

	var ids []string
	for _, p := range []string{"poison-1", "poison-2", "ok-1", "ok-2"} {
		id, err := q.Publish(ctx, []byte(p))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}
	// Claim everything for w1 without processing, as a crashed run would.
	if _, err := store.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "w1",
		Streams:  []string{store.Key("queue", "jobs"), ">"},
		Count:    4,
		Block:    -1,
	}).Result(); err != nil {
		t.Fatalf("read: %v", err)
	}

	done := make(map[string]bool)
	finished := runConsume(ctx, t, q, func(_ context.Context, msg Message) error {
		if string(msg.Payload) == "poison-1" || string(msg.Payload) == "poison-2" {
			return errors.New("cannot process")
		}
		done[msg.ID] = true
		if len(done) == 2 {
			q.Stop()
		}
		return nil
	})
	waitDone(t, finished)

	if !done[ids[2]] || !done[ids[3]] {
		t.Fatalf("entries behind failing ones were not retried: %v", done)
	}
	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 2 {
		t.Fatalf("expected the two failing entries to stay pending, got %d", st.Pending)
	}
}
