package retry

import (
	"errors"
	"testing"
	"time"
)

func newTestQueue(cfg Config, now func() time.Time) *Queue {
	q := NewQueue(cfg)
	q.now = now
	return q
}

func TestQueue_ScheduleAndDrain(t *testing.T) {
	clock := time.Now()
	q := newTestQueue(Config{MaxAttempts: 3, BaseDelay: 1 * time.Second, MaxDelay: 100 * time.Second}, func() time.Time { return clock })

	ok := q.Schedule(Entry{Op: "provision_instance", Owner: "acme", DomainID: "web"}, errors.New("timeout"))
	if !ok {
		t.Fatal("expected Schedule to succeed for first retry")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	// Not yet due.
	if _, ready := q.NextReady(); ready {
		t.Error("entry should not be ready before backoff elapses")
	}

	clock = clock.Add(2 * time.Second)
	ready := q.DrainReady()
	if len(ready) != 1 {
		t.Fatalf("DrainReady() len = %d, want 1", len(ready))
	}
	if ready[0].Op != "provision_instance" {
		t.Errorf("Op = %q, want provision_instance", ready[0].Op)
	}
	if ready[0].Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", ready[0].Attempt)
	}
	if ready[0].LastError != "timeout" {
		t.Errorf("LastError = %q, want timeout", ready[0].LastError)
	}
}

func TestQueue_MaxAttemptsExhausted(t *testing.T) {
	clock := time.Now()
	q := newTestQueue(Config{MaxAttempts: 2, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second}, func() time.Time { return clock })

	e := Entry{Op: "terminate_instances"}
	if !q.Schedule(e, nil) {
		t.Fatal("attempt 1 should succeed")
	}
	e.Attempt = 1
	if !q.Schedule(e, nil) {
		t.Fatal("attempt 2 should succeed")
	}
	e.Attempt = 2
	if q.Schedule(e, nil) {
		t.Fatal("attempt 3 should fail (exceeds MaxAttempts=2)")
	}

	stats := q.Stats()
	if stats.TotalExhausted != 1 {
		t.Errorf("TotalExhausted = %d, want 1", stats.TotalExhausted)
	}
}

func TestQueue_ExponentialBackoff(t *testing.T) {
	clock := time.Now()
	q := newTestQueue(Config{MaxAttempts: 5, BaseDelay: 10 * time.Second, MaxDelay: 1 * time.Hour}, func() time.Time { return clock })

	q.Schedule(Entry{Op: "heartbeat"}, nil)
	if _, ready := q.NextReady(); ready {
		t.Error("entry should not be ready immediately (10s backoff)")
	}

	clock = clock.Add(15 * time.Second)
	if _, ready := q.NextReady(); !ready {
		t.Error("entry should be ready after 15s (10s backoff)")
	}
}

func TestQueue_BackoffCapsAtMaxDelay(t *testing.T) {
	clock := time.Now()
	q := newTestQueue(Config{MaxAttempts: 10, BaseDelay: 1 * time.Second, MaxDelay: 4 * time.Second}, func() time.Time { return clock })

	e := Entry{Op: "provision_instance"}
	for i := 0; i < 5; i++ {
		q.Schedule(e, nil)
		e.Attempt++
		clock = clock.Add(10 * time.Second) // always past due, pop for next round
		q.DrainReady()
	}
	// Regardless of attempt count, delay never exceeds MaxDelay: scheduling
	// once more and checking it's ready well within MaxDelay confirms the cap.
	e.Attempt = 9
	q.Schedule(e, nil)
	clock = clock.Add(5 * time.Second)
	if _, ready := q.NextReady(); !ready {
		t.Error("entry should be ready once elapsed time exceeds the capped MaxDelay")
	}
}

func TestQueue_EarliestFirst(t *testing.T) {
	clock := time.Now()
	q := newTestQueue(Config{MaxAttempts: 5, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second}, func() time.Time { return clock })

	q.Schedule(Entry{Op: "late"}, nil)
	clock = clock.Add(1 * time.Millisecond)
	q.Schedule(Entry{Op: "early", Attempt: -1}, nil) // attempt 0 -> base delay, but scheduled later in wall time

	clock = clock.Add(2 * time.Second)
	ready := q.DrainReady()
	if len(ready) != 2 {
		t.Fatalf("DrainReady() len = %d, want 2", len(ready))
	}
	if ready[0].NextRetry.After(ready[1].NextRetry) {
		t.Error("entries should drain in earliest-NextRetry-first order")
	}
}

func TestQueue_EmptyQueue(t *testing.T) {
	q := NewQueue(DefaultConfig())

	if _, ready := q.NextReady(); ready {
		t.Error("empty queue should return not ready")
	}
	if ready := q.DrainReady(); len(ready) != 0 {
		t.Errorf("empty drain should return 0 items, got %d", len(ready))
	}
}

func TestQueue_Stats(t *testing.T) {
	clock := time.Now()
	q := newTestQueue(Config{MaxAttempts: 1, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second}, func() time.Time { return clock })

	q.Schedule(Entry{Op: "s1"}, nil)
	q.Schedule(Entry{Op: "s2", Attempt: 1}, nil) // already at max

	stats := q.Stats()
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.TotalScheduled != 1 {
		t.Errorf("TotalScheduled = %d, want 1", stats.TotalScheduled)
	}
	if stats.TotalExhausted != 1 {
		t.Errorf("TotalExhausted = %d, want 1", stats.TotalExhausted)
	}
}
