package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestDecideMetrics(t *testing.T) {
	DecideCycles.WithLabelValues("acme/web").Inc()
	DecideDuration.WithLabelValues("acme/web").Observe(0.05)
	DecideErrors.WithLabelValues("acme/web", "transport").Inc()

	names := gatheredNames(t)
	for _, want := range []string{
		"epu_decide_cycles_total",
		"epu_decide_duration_seconds",
		"epu_decide_errors_total",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestInstanceLifecycleMetrics(t *testing.T) {
	InstanceLaunches.WithLabelValues("acme/web").Inc()
	InstanceDestroys.WithLabelValues("acme/web").Inc()
	InstancesByState.WithLabelValues("acme/web", "running").Set(3)

	names := gatheredNames(t)
	for _, want := range []string{
		"epu_instance_launches_total",
		"epu_instance_destroys_total",
		"epu_instances_by_state",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestHeartbeatMetrics(t *testing.T) {
	HeartbeatsReceived.WithLabelValues("healthy").Inc()
	HeartbeatAge.Observe(12.5)

	names := gatheredNames(t)
	for _, want := range []string{
		"epu_heartbeats_received_total",
		"epu_heartbeat_age_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestNotificationMetrics(t *testing.T) {
	NotificationsSent.WithLabelValues("slack", "success").Inc()

	names := gatheredNames(t)
	if !names["epu_notifications_sent_total"] {
		t.Error("metric epu_notifications_sent_total not found")
	}
}

func TestDispatchMetrics(t *testing.T) {
	QueueDepth.Set(7)
	ProcessesByState.WithLabelValues("queued").Set(7)
	DispatchLatency.Observe(0.2)
	Reschedules.WithLabelValues("node_died").Inc()
	NodesByState.WithLabelValues("alive").Set(4)

	names := gatheredNames(t)
	for _, want := range []string{
		"epu_dispatch_queue_depth",
		"epu_processes_by_state",
		"epu_dispatch_latency_seconds",
		"epu_reschedules_total",
		"epu_nodes_by_state",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestTransportMetrics(t *testing.T) {
	CircuitBreakerState.WithLabelValues("provisioner").Set(0)
	RetriesScheduled.WithLabelValues("provision_instance").Inc()
	RetriesExhausted.WithLabelValues("provision_instance").Inc()

	names := gatheredNames(t)
	for _, want := range []string{
		"epu_circuit_breaker_state",
		"epu_retries_scheduled_total",
		"epu_retries_exhausted_total",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}
