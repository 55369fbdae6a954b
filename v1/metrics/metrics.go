package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RateLimitDecisions counts limiter decisions by algorithm and outcome
	// ("allowed", "denied" or "error").
	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_ratelimit_decisions_total",
		Help: "Total number of rate limit decisions",
	}, []string{"algorithm", "outcome"})
	// LockOperations counts lock operations by op and result.
	LockOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_lock_operations_total",
		Help: "Total number of lock operations",
	}, []string{"op", "result"})
	// QueuePublished tracks messages appended to reliable queues.
	QueuePublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_queue_published_total",
		Help: "Total number of messages published",
	})
	// QueueAcked tracks acknowledged messages.
	QueueAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_queue_acked_total",
		Help: "Total number of messages acknowledged",
	})
	// QueueHandlerFailures tracks handler calls that left a message pending.
	QueueHandlerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_queue_handler_failures_total",
		Help: "Total number of failed handler invocations",
	})
	// QueueReclaimed tracks entries taken over from idle consumers.
	QueueReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_queue_reclaimed_total",
		Help: "Total number of pending entries claimed from idle consumers",
	})
	// PriorityQueueOperations counts priority queue operations by op.
	PriorityQueueOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_pqueue_operations_total",
		Help: "Total number of priority queue operations",
	}, []string{"op"})
	// PriorityQueueRequeued tracks stale items returned to pending.
	PriorityQueueRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_pqueue_requeued_total",
		Help: "Total number of stale items requeued",
	})
	// ActiveConsumers reports the number of running queue consumer loops.
	ActiveConsumers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coord_queue_consumers",
		Help: "Current number of running queue consumers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the coordination metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RateLimitDecisions,
		LockOperations,
		QueuePublished,
		QueueAcked,
		QueueHandlerFailures,
		QueueReclaimed,
		PriorityQueueOperations,
		PriorityQueueRequeued,
		ActiveConsumers,
	)
}
