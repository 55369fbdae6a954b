package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/adapter"
)

func newRedisBus(t *testing.T) *RedisBus {
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
	return NewRedisBus(adapter.New(client))
}

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	return NewNATSBus(conn)
}

type metered interface {
	Bus
	Metrics() Metrics
}

func testBus(t *testing.T, bus metered) {
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "unlock:orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := bus.Subscribe(ctx, "unlock:payments")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:orders"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
	select {
	case <-other:
		t.Fatal("signal delivered to unrelated key")
	case <-time.After(50 * time.Millisecond):
	}

	if err := bus.Unsubscribe(ctx, "unlock:orders", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if err := bus.Unsubscribe(ctx, "unlock:orders", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}

	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBus(t *testing.T) { testBus(t, NewInMemoryBus()) }

func TestRedisBus(t *testing.T) { testBus(t, newRedisBus(t)) }

func TestNATSBus(t *testing.T) { testBus(t, newNATSBus(t)) }

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on context cancel")
	}
}

func TestNATSBusSubscribeHonoursDeadline(t *testing.T) {
	bus := newNATSBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := bus.Subscribe(ctx, "unlock:orders")
	if err != nil {
		t.Fatalf("subscribe with deadline: %v", err)
	}
	if err := bus.Publish(context.Background(), "unlock:orders"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	if _, err := bus.Subscribe(expired, "unlock:payments"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
