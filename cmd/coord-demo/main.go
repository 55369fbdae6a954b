package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-coord/v1/codec"
	"github.com/mirkobrombin/go-coord/v1/lock"
	"github.com/mirkobrombin/go-coord/v1/metrics"
	"github.com/mirkobrombin/go-coord/v1/presets"
	"github.com/mirkobrombin/go-coord/v1/queue"
	"github.com/mirkobrombin/go-coord/v1/ratelimit"
)

type task struct {
	ID   int    `msgpack:"id"`
	Kind string `msgpack:"kind"`
}

func main() {
	defaultAddr := os.Getenv("REDIS_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:6379"
	}
	redisAddr := flag.String("redis-addr", defaultAddr, "Redis address (REDIS_ADDR)")
	prefix := flag.String("prefix", "coord-demo:", "Key prefix")
	metricsAddr := flag.String("metrics-addr", ":2112", "Address serving /metrics")
	trace := flag.Bool("trace", false, "Print spans to stdout")
	serve := flag.Bool("serve", false, "Keep serving /metrics after the demo")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
	defer func() { _ = srv.Close() }()

	suite, err := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, Prefix: *prefix})
	if err != nil {
		log.Fatalf("connect to %s: %v", *redisAddr, err)
	}
	defer func() { _ = suite.Close() }()

	steps := []struct {
		name string
		run  func(context.Context, *presets.Suite) error
	}{
		{"rate limiter", demoRateLimit},
		{"lock", demoLock},
		{"reliable queue", demoQueue},
		{"priority queue", demoPriorityQueue},
	}
	for _, s := range steps {
		log.Printf("== %s", s.name)
		if err := s.run(ctx, suite); err != nil {
			log.Fatalf("%s: %v", s.name, err)
		}
	}

	if *serve {
		log.Printf("serving metrics on %s", *metricsAddr)
		<-ctx.Done()
	}
}

func demoRateLimit(ctx context.Context, s *presets.Suite) error {
	for _, alg := range []ratelimit.Algorithm{ratelimit.FixedWindow, ratelimit.SlidingWindow, ratelimit.TokenBucket} {
		limiter, err := s.Limiter(alg)
		if err != nil {
			return err
		}
		id := fmt.Sprintf("demo-%d", time.Now().UnixNano())
		allowed := 0
		for i := 0; i < 8; i++ {
			res, err := limiter.Check(ctx, id, 5, 10*time.Second)
			if err != nil {
				return err
			}
			if res.Allowed {
				allowed++
			}
		}
		log.Printf("%s: %d of 8 requests allowed with limit 5", alg, allowed)
	}
	return nil
}

func demoLock(ctx context.Context, s *presets.Suite) error {
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
		errs    = make(chan error, 3)
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Locker.WithLock(ctx, "report", func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inside.Add(-1)
				log.Printf("worker %d holds the lock", i)
				time.Sleep(100 * time.Millisecond)
				return nil
			}, lock.WithTTL(2*time.Second), lock.WithRetries(20), lock.WithRetryDelay(50*time.Millisecond))
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	if overlap.Load() {
		return errors.New("two workers held the lock at once")
	}
	return nil
}

func demoQueue(ctx context.Context, s *presets.Suite) error {
	const total = 10
	producer := s.Queue("demo-events", "demo-workers", "producer")
	if err := producer.Initialize(ctx); err != nil {
		return err
	}
	typed := queue.NewTyped[task](producer, codec.MsgpackCodec{})
	for i := 0; i < total; i++ {
		if _, err := typed.Publish(ctx, task{ID: i, Kind: "email"}); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var done atomic.Int32
	failedOnce := sync.Map{}
	err := queue.RunPool(runCtx, s.Store, "demo-events", "demo-workers", 3, func(ctx context.Context, msg queue.Message) error {
		var t task
		if err := (codec.MsgpackCodec{}).Unmarshal(msg.Payload, &t); err != nil {
			return err
		}
		// Every third task fails once to show redelivery.
		if t.ID%3 == 0 {
			if _, seen := failedOnce.LoadOrStore(msg.ID, true); !seen {
				return fmt.Errorf("task %d: transient failure", t.ID)
			}
		}
		if done.Add(1) == total {
			cancel()
		}
		return nil
	}, queue.WithBlock(200*time.Millisecond), queue.WithRetryDelay(100*time.Millisecond))
	if err != nil {
		return err
	}
	st, err := producer.Stats(ctx)
	if err != nil {
		return err
	}
	log.Printf("processed %d tasks, stream length %d, pending %d", done.Load(), st.Length, st.Pending)
	return nil
}

func demoPriorityQueue(ctx context.Context, s *presets.Suite) error {
	pq := presets.PriorityQueue[task](s, "demo-tasks")
	for i, kind := range []string{"thumbnail", "invoice", "backup"} {
		if err := pq.Enqueue(ctx, task{ID: i, Kind: kind}, float64(i*10)); err != nil {
			return err
		}
	}

	// Take the head and abandon it, as a crashed worker would.
	abandoned, ok, err := pq.Dequeue(ctx)
	if err != nil || !ok {
		return fmt.Errorf("dequeue: ok %v err %v", ok, err)
	}
	log.Printf("abandoned %s", abandoned.Kind)
	n, err := pq.RequeueStale(ctx, 0)
	if err != nil {
		return err
	}
	log.Printf("requeued %d stale item(s)", n)

	for {
		t, ok, err := pq.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		log.Printf("processing %s", t.Kind)
		if _, err := pq.Complete(ctx, t); err != nil {
			return err
		}
	}
}
