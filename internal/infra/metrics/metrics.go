// Package metrics provides Prometheus metrics for the EPUM/PDC control
// plane: decider cycles, launch/destroy actions, dispatch queue depth and
// process accounting, subscriber notifications, and heartbeat handling.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── EPUM decide cycles ─────────────────────────────────────────────────────

// DecideCycles tracks completed decide-loop invocations per domain.
var DecideCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "decide_cycles_total",
	Help:      "Total Decision Engine Decide invocations.",
}, []string{"domain"})

// DecideDuration tracks how long one domain's Decide call takes.
var DecideDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "epu",
	Name:      "decide_duration_seconds",
	Help:      "Duration of a single Decision Engine Decide call.",
	Buckets:   prometheus.DefBuckets,
}, []string{"domain"})

// DecideErrors tracks Decide/Initialize/Reconfigure failures per domain.
var DecideErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "decide_errors_total",
	Help:      "Total Decision Engine errors by domain and kind.",
}, []string{"domain", "kind"})

// ─── Instance lifecycle ─────────────────────────────────────────────────────

// InstanceLaunches tracks Control.Launch calls per domain.
var InstanceLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "instance_launches_total",
	Help:      "Total instances launched by a domain's engine.",
}, []string{"domain"})

// InstanceDestroys tracks Control.DestroyInstances calls per domain.
var InstanceDestroys = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "instance_destroys_total",
	Help:      "Total instances requested for termination by a domain's engine.",
}, []string{"domain"})

// InstancesByState tracks the current instance count per domain and state.
var InstancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "epu",
	Name:      "instances_by_state",
	Help:      "Current instance count by domain and instance state.",
}, []string{"domain", "state"})

// ─── Heartbeats / health ────────────────────────────────────────────────────

// HeartbeatsReceived tracks inbound instance heartbeats.
var HeartbeatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "heartbeats_received_total",
	Help:      "Total heartbeats received, by health outcome (healthy/unhealthy).",
}, []string{"outcome"})

// HeartbeatAge tracks time since an instance's last heartbeat when checked.
var HeartbeatAge = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "epu",
	Name:      "heartbeat_age_seconds",
	Help:      "Age of an instance's last heartbeat at the moment it is evaluated.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
})

// ─── Subscriber notifications ───────────────────────────────────────────────

// NotificationsSent tracks subscriber notifications by sink and outcome.
var NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "notifications_sent_total",
	Help:      "Total subscriber notifications attempted, by sink and outcome.",
}, []string{"sink", "outcome"})

// ─── PDC dispatch ────────────────────────────────────────────────────────────

// QueueDepth tracks the current FIFO dispatch queue length per node pool.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "epu",
	Name:      "dispatch_queue_depth",
	Help:      "Current number of processes waiting in the dispatch queue.",
})

// ProcessesByState tracks current process count by state.
var ProcessesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "epu",
	Name:      "processes_by_state",
	Help:      "Current process count by process state.",
}, []string{"state"})

// DispatchLatency tracks time from a process entering the queue to being
// matched onto a node.
var DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "epu",
	Name:      "dispatch_latency_seconds",
	Help:      "Time from process queued to matched onto a node.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
})

// Reschedules tracks how many times a process has been rescheduled, by
// reason (node_died, needs_reschedule).
var Reschedules = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "reschedules_total",
	Help:      "Total process reschedules by reason.",
}, []string{"reason"})

// NodesByState tracks current node count by heartbeat-derived state
// (alive, stale).
var NodesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "epu",
	Name:      "nodes_by_state",
	Help:      "Current node count by heartbeat state.",
}, []string{"state"})

// ─── Transport / circuit breaker ────────────────────────────────────────────

// CircuitBreakerState tracks the current circuit breaker state (0=closed,
// 1=open, 2=half_open) per named breaker.
var CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "epu",
	Name:      "circuit_breaker_state",
	Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open).",
}, []string{"breaker"})

// RetriesScheduled tracks calls queued for retry after a Transport error.
var RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "retries_scheduled_total",
	Help:      "Total outbound calls scheduled for retry, by operation.",
}, []string{"op"})

// RetriesExhausted tracks calls that gave up after MaxAttempts.
var RetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epu",
	Name:      "retries_exhausted_total",
	Help:      "Total outbound calls that exhausted their retry budget, by operation.",
}, []string{"op"})
