package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the agent communication server.
//
// Naming convention: namespace_subsystem_name
// - namespace: agentmesh (application-level grouping)
// - subsystem: session, queue, router, hub, discussion (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (sessions, queue depth, hub connections)
// - Counter: cumulative events (deliveries, DLQ appends, rate-limit rejections)
// - Histogram: latency distributions (delivery time)

var (
	// ActiveSessions tracks the current number of tracked sessions per project and status.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentmesh",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of tracked sessions",
	}, []string{"project_id", "status"})

	// QueueDepth tracks the current per-session queue depth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentmesh",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of messages queued per session",
	}, []string{"project_id", "session_id"})

	// EnqueuedMessages counts messages accepted into per-session queues.
	EnqueuedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total messages enqueued",
	}, []string{"project_id"})

	// DequeuedMessages counts messages drained from per-session queues.
	DequeuedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Total messages dequeued",
	}, []string{"project_id"})

	// DeliveryResults counts point-to-point delivery outcomes.
	DeliveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "deliveries_total",
		Help:      "Total point-to-point delivery attempts by outcome",
	}, []string{"project_id", "outcome"})

	// BroadcastRecipients counts per-recipient broadcast outcomes.
	BroadcastRecipients = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "broadcast_recipients_total",
		Help:      "Total broadcast recipient deliveries by outcome",
	}, []string{"project_id", "outcome"})

	// DeadLetters counts messages appended to the dead-letter queue.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "dead_letters_total",
		Help:      "Total messages appended to the dead-letter queue",
	}, []string{"project_id", "reason"})

	// DeliveryDuration tracks point-to-point delivery latency.
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentmesh",
		Subsystem: "router",
		Name:      "delivery_seconds",
		Help:      "Time spent delivering a point-to-point message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HubConnections tracks active WebSocket subscribers per hub kind.
	HubConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentmesh",
		Subsystem: "hub",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket subscribers",
	}, []string{"hub"})

	// HubEvents counts hub events sent by kind.
	HubEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "hub",
		Name:      "events_total",
		Help:      "Total hub events sent",
	}, []string{"hub", "event"})

	// DiscussionTransitions counts discussion phase transitions.
	DiscussionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "discussion",
		Name:      "phase_transitions_total",
		Help:      "Total discussion phase transitions",
	}, []string{"phase"})

	// RateLimitExceeded counts rejected requests per limiter and scope.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"limiter", "scope"})

	// CircuitBreakerState reports breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentmesh",
		Subsystem: "storage",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Subsystem: "storage",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"backend"})
)
