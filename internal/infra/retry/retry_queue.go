// Package retry schedules retries of failed outbound provisioner/EE-agent
// calls, per spec.md §5's no-synchronous-retry rule and §7's policy that
// Transport errors are "logged and retried next cycle." Grounded on the
// shape of the teacher's internal/infra/scheduler retry_queue.go (the
// exponential-backoff ScheduleRetry/NextReady/DrainReady API), rebuilt on
// stdlib container/heap in place of the teacher's deleted DSA package —
// this control plane has no task-routing or node-affinity concept, so the
// consistent hash ring that package also carried has no home here.
package retry

import (
	"container/heap"
	"sync"
	"time"
)

// Config configures the retry queue's backoff behavior.
type Config struct {
	MaxAttempts int           // attempts exhausted after this many failures
	BaseDelay   time.Duration // initial backoff delay (doubles each attempt)
	MaxDelay    time.Duration // cap on backoff delay
}

// DefaultConfig returns production retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Entry tracks one failed call's retry state. Op names the operation that
// failed (e.g. "provision_instance", "terminate_instances") purely for
// logging; the queue itself is opaque to what Op actually does.
type Entry struct {
	Op        string
	Owner     string
	DomainID  string
	Attempt   int       // attempts made so far (0 before the first retry)
	NextRetry time.Time // earliest time this is eligible to run again
	FailedAt  time.Time
	LastError string
}

// heapItem is the container/heap element; ordered by NextRetry so the
// earliest-eligible entry is always at the root.
type heapItem struct {
	entry Entry
	index int
}

type itemHeap []*heapItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].entry.NextRetry.Before(h[j].entry.NextRetry) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*heapItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue schedules retries by earliest-eligible-time, backed by a
// container/heap min-heap. Thread-safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	config Config
	items  itemHeap
	now    func() time.Time // injectable clock for testing

	totalScheduled int64
	totalExhausted int64
}

// NewQueue creates a retry queue with the given config.
func NewQueue(cfg Config) *Queue {
	q := &Queue{config: cfg, now: time.Now}
	heap.Init(&q.items)
	return q
}

// Schedule records a failed call and queues it for retry with exponential
// backoff. Returns false if attempts are exhausted, in which case the
// caller should surface the failure instead of retrying further.
func (q *Queue) Schedule(e Entry, lastErr error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.Attempt++
	if e.Attempt > q.config.MaxAttempts {
		q.totalExhausted++
		return false
	}

	delay := q.config.BaseDelay
	for i := 1; i < e.Attempt; i++ {
		delay *= 2
		if delay > q.config.MaxDelay {
			delay = q.config.MaxDelay
			break
		}
	}

	now := q.now()
	e.FailedAt = now
	e.NextRetry = now.Add(delay)
	if lastErr != nil {
		e.LastError = lastErr.Error()
	}

	heap.Push(&q.items, &heapItem{entry: e})
	q.totalScheduled++
	return true
}

// NextReady pops and returns the earliest entry if it is due, without
// disturbing entries that are not yet eligible.
func (q *Queue) NextReady() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return Entry{}, false
	}
	top := q.items[0]
	if q.now().Before(top.entry.NextRetry) {
		return Entry{}, false
	}
	heap.Pop(&q.items)
	return top.entry, true
}

// DrainReady pops every currently-due entry, earliest first.
func (q *Queue) DrainReady() []Entry {
	var ready []Entry
	for {
		e, ok := q.NextReady()
		if !ok {
			break
		}
		ready = append(ready, e)
	}
	return ready
}

// Len returns the number of entries pending retry.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats holds retry queue statistics.
type Stats struct {
	Pending        int   `json:"pending"`
	TotalScheduled int64 `json:"total_scheduled"`
	TotalExhausted int64 `json:"total_exhausted"`
}

// Stats returns current retry queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:        q.items.Len(),
		TotalScheduled: q.totalScheduled,
		TotalExhausted: q.totalExhausted,
	}
}
