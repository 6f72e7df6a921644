package pdc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/registry"
)

type fakeEEClient struct {
	mu      sync.Mutex
	launches []string
}

func (f *fakeEEClient) LaunchProcess(ctx context.Context, eeID, upid string, round int, spec domain.ProcessSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, eeID+":"+upid)
	return nil
}
func (f *fakeEEClient) TerminateProcess(ctx context.Context, eeID, upid string, round int) error { return nil }
func (f *fakeEEClient) CleanupProcess(ctx context.Context, eeID, upid string, round int) error   { return nil }

type fakeEPUMClient struct{}

func (f *fakeEPUMClient) RegisterNeed(ctx context.Context, dt string, constraints domain.Constraints, baseNeed int, owner, op string) error {
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notifs  []domain.InstanceNotification
}

func (f *fakeNotifier) NotifyByName(ctx context.Context, name, op string, n domain.InstanceNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifs)
}

func newTestCore(t *testing.T) (*Core, *fakeEEClient, *fakeNotifier) {
	t.Helper()
	reg := registry.New()
	ee := &fakeEEClient{}
	notif := &fakeNotifier{}
	c := New("test-pdc", reg, ee, &fakeEPUMClient{}, notif)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(cancel)
	return c, ee, notif
}

// addResource directly seeds the resource table by routing through a
// synthetic EEHeartbeat on a pre-registered node, since Core exposes no
// raw resource-injection API (matching production code paths). slots
// comes from an EE registry entry keyed by a dt synthesized from eeID,
// matching the real ee_heartbeat path's registry lookup (spec.md §4.6)
// rather than trusting a client-reported slot count.
func addResource(t *testing.T, c *Core, nodeID, eeID string, slots int) {
	t.Helper()
	ctx := context.Background()
	dt := "dt-" + eeID
	c.registry.Register(domain.EngineSpec{DeployableType: dt, EngineID: dt + "-engine", Slots: slots})
	c.DtState(ctx, nodeID, dt, domain.InstanceRunning, nil)
	c.EEHeartbeat(ctx, domain.Heartbeat{SenderEEID: eeID}, 0, map[string]any{"node_id": nodeID})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatchProcessIsIdempotent(t *testing.T) {
	c, ee, _ := newTestCore(t)
	addResource(t, c, "n1", "ee1", 4)

	ctx := context.Background()
	spec := domain.ProcessSpec{RunType: "run"}

	rec1, err := c.DispatchProcess(ctx, "p1", spec, nil, nil, false)
	if err != nil {
		t.Fatalf("DispatchProcess() error: %v", err)
	}
	rec2, err := c.DispatchProcess(ctx, "p1", spec, nil, nil, false)
	if err != nil {
		t.Fatalf("DispatchProcess() error: %v", err)
	}
	if rec1.State != rec2.State || rec1.Assigned != rec2.Assigned {
		t.Fatalf("idempotent dispatch mismatch: %+v vs %+v", rec1, rec2)
	}

	waitForCondition(t, func() bool {
		ee.mu.Lock()
		defer ee.mu.Unlock()
		return len(ee.launches) == 1
	})
}

func TestMatchmakeCompactionPrefersSmallerSlotCount(t *testing.T) {
	c, ee, _ := newTestCore(t)
	addResource(t, c, "n1", "r1", 1)
	addResource(t, c, "n2", "r2", 4)

	ctx := context.Background()
	rec, err := c.DispatchProcess(ctx, "p1", domain.ProcessSpec{RunType: "run"}, nil, nil, false)
	if err != nil {
		t.Fatalf("DispatchProcess() error: %v", err)
	}
	if rec.State != domain.ProcessPending {
		t.Fatalf("state = %v, want PENDING", rec.State)
	}
	if rec.Assigned != "r1" {
		t.Fatalf("assigned = %s, want r1 (smaller slot_count)", rec.Assigned)
	}

	waitForCondition(t, func() bool {
		ee.mu.Lock()
		defer ee.mu.Unlock()
		for _, l := range ee.launches {
			if l == "r1:p1" {
				return true
			}
		}
		return false
	})
}

func TestNodeLossReschedulesAndNotifiesTwice(t *testing.T) {
	c, _, notif := newTestCore(t)
	addResource(t, c, "n1", "ee1", 1)
	addResource(t, c, "n2", "ee2", 4)

	ctx := context.Background()
	subs := []domain.SubscriberRef{{Name: "watcher", Op: "process_state"}}
	rec, err := c.DispatchProcess(ctx, "p1", domain.ProcessSpec{RunType: "run"}, subs, nil, false)
	if err != nil {
		t.Fatalf("DispatchProcess() error: %v", err)
	}
	if rec.Assigned != "ee1" {
		t.Fatalf("assigned = %s, want ee1", rec.Assigned)
	}

	// Promote to RUNNING via heartbeat so state starts below TERMINATING.
	c.EEHeartbeat(ctx, domain.Heartbeat{SenderEEID: "ee1", Processes: []domain.HeartbeatProcessState{
		{UPID: "p1", Round: 0, State: domain.ProcessRunning},
	}}, 1, map[string]any{"node_id": "n1"})

	before := notif.count()

	c.DtState(ctx, "n1", "dt1", domain.InstanceTerminated, nil)

	waitForCondition(t, func() bool { return notif.count() >= before+2 })

	snap := c.Dump(ctx)
	var got *domain.ProcessRecord
	for _, p := range snap.Processes {
		if p.UPID == "p1" {
			got = p
		}
	}
	if got == nil {
		t.Fatal("process p1 missing from dump")
	}
	if got.Round < 1 {
		t.Fatalf("round = %d, want >= 1 after reschedule", got.Round)
	}
	if got.State != domain.ProcessPending && got.State != domain.ProcessWaiting {
		t.Fatalf("state after reschedule = %v, want PENDING or WAITING", got.State)
	}
}

func TestStaleHeartbeatRoundIsDropped(t *testing.T) {
	c, _, notif := newTestCore(t)
	addResource(t, c, "n1", "ee1", 1)

	ctx := context.Background()
	subs := []domain.SubscriberRef{{Name: "watcher", Op: "process_state"}}
	rec, err := c.DispatchProcess(ctx, "p1", domain.ProcessSpec{RunType: "run"}, subs, nil, false)
	if err != nil {
		t.Fatalf("DispatchProcess() error: %v", err)
	}
	_ = rec

	// Force the record's round to 3 directly via dump+re-dispatch is not
	// possible (idempotent); instead drive two reschedules to bump round
	// to reach round=1, then send a stale heartbeat at round=0.
	before := notif.count()
	c.EEHeartbeat(ctx, domain.Heartbeat{SenderEEID: "ee1", Processes: []domain.HeartbeatProcessState{
		{UPID: "p1", Round: -1, State: domain.ProcessRunning},
	}}, 1, map[string]any{"node_id": "n1"})

	// No new notification should arrive from a heartbeat reporting a
	// round behind the process's current round (0 here, so -1 < 0).
	time.Sleep(50 * time.Millisecond)
	if notif.count() != before {
		t.Fatalf("notif count changed on stale heartbeat: before=%d after=%d", before, notif.count())
	}
}
