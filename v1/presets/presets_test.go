package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-coord/v1/ratelimit"
)

func newSuite(t *testing.T) (*Suite, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := NewRedis(RedisOptions{Addr: mr.Addr(), Prefix: "app:", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewRedisWiresEveryPrimitive(t *testing.T) {
	s, mr := newSuite(t)
	ctx := context.Background()

	limiter, err := s.Limiter(ratelimit.FixedWindow)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	if res, err := limiter.Check(ctx, "user", 1, time.Minute); err != nil || !res.Allowed {
		t.Fatalf("check: %+v err %v", res, err)
	}
	if !mr.Exists("app:ratelimit:fixed:user") {
		t.Fatal("expected limiter key under the suite prefix")
	}

	if !s.Bus.Healthy() {
		t.Fatal("expected notify bus to start healthy")
	}
	token, ok, err := s.Locker.Acquire(ctx, "job", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if released, err := s.Locker.Release(ctx, "job", token); err != nil || !released {
		t.Fatalf("release: %v err %v", released, err)
	}

	q := s.Queue("events", "workers", "w1")
	if err := q.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := q.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if st, err := q.Stats(ctx); err != nil || st.Length != 1 {
		t.Fatalf("stats: %+v err %v", st, err)
	}

	pq := PriorityQueue[string](s, "tasks")
	if err := pq.Enqueue(ctx, "t1", 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item, ok, err := pq.Dequeue(ctx); err != nil || !ok || item != "t1" {
		t.Fatalf("dequeue: %q ok %v err %v", item, ok, err)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedis(RedisOptions{Addr: addr, Timeout: 100 * time.Millisecond}); err == nil {
		t.Fatal("expected connection error")
	}
}
