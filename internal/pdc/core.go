// Package pdc implements the Process Dispatcher Core: a single-writer
// actor that holds the runnable process queue, the execution-engine
// resource table, and the node table, matchmaking dispatched processes
// against advertised EE capacity. Grounded on
// epu/processdispatcher/core.py.
package pdc

import (
	"context"
	"log"
	"sync"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/registry"
)

// intent is an outbound side-effect emitted by the actor loop while
// holding no lock — the command loop enqueues these and returns
// immediately; a separate worker pool drains and executes them, keeping
// I/O off the critical section (spec.md §5).
type intent struct {
	kind  intentKind
	eeID  string
	upid  string
	round int
	spec  domain.ProcessSpec
	notif domain.InstanceNotification
	subs  []domain.SubscriberRef // notify targets for a notify intent
}

type intentKind int

const (
	intentLaunch intentKind = iota
	intentTerminate
	intentCleanup
	intentNotify
)

// command is one request to the actor loop; reply carries the result
// back to the synchronous caller.
type command struct {
	run   func(c *Core) any
	reply chan any
}

// Core is the Process Dispatcher Core actor. All mutation of its
// process/resource/node tables happens on the single goroutine run by
// Start; callers interact exclusively through the exported methods,
// which marshal a command onto cmds and block for the reply.
type Core struct {
	Name string

	registry   *registry.Registry
	eeClient   domain.EEAgentClient
	epumClient domain.EPUMClient
	notifier   domain.Subscriber

	processes map[string]*domain.ProcessRecord
	resources map[string]*domain.ExecutionEngineResource
	nodes     map[string]*nodeEntry
	queue     *domain.Queue

	cmds    chan command
	intents chan intent

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// nodeEntry pairs a DeployedNode with the set of ee_ids hosted on it, so
// teardown can walk both directions from a single table (spec.md §9
// "cycle-free ownership": nodes hold ee_id indices, not owning
// pointers).
type nodeEntry struct {
	node      domain.DeployedNode
	resources map[string]struct{}
}

// New constructs a Core. Call Start before issuing any requests.
func New(name string, reg *registry.Registry, eeClient domain.EEAgentClient, epumClient domain.EPUMClient, notifier domain.Subscriber) *Core {
	return &Core{
		Name:       name,
		registry:   reg,
		eeClient:   eeClient,
		epumClient: epumClient,
		notifier:   notifier,
		processes:  map[string]*domain.ProcessRecord{},
		resources:  map[string]*domain.ExecutionEngineResource{},
		nodes:      map[string]*nodeEntry{},
		queue:      &domain.Queue{},
		cmds:       make(chan command),
		intents:    make(chan intent, 256),
	}
}

// Start launches the command-processing actor loop and a pool of intent
// workers that perform outbound I/O. Both stop when ctx is canceled.
func (c *Core) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.runLoop(ctx)

	const intentWorkers = 4
	for i := 0; i < intentWorkers; i++ {
		c.wg.Add(1)
		go c.runIntentWorker(ctx)
	}
}

// Stop cancels the actor loop and intent workers and waits for them to
// exit.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Core) runLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			result := cmd.run(c)
			cmd.reply <- result
		}
	}
}

func (c *Core) runIntentWorker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-c.intents:
			c.executeIntent(ctx, in)
		}
	}
}

func (c *Core) executeIntent(ctx context.Context, in intent) {
	switch in.kind {
	case intentLaunch:
		if err := c.eeClient.LaunchProcess(ctx, in.eeID, in.upid, in.round, in.spec); err != nil {
			log.Printf("[pdc] launch_process(%s, %s) failed: %v", in.eeID, in.upid, err)
		}
	case intentTerminate:
		if err := c.eeClient.TerminateProcess(ctx, in.eeID, in.upid, in.round); err != nil {
			log.Printf("[pdc] terminate_process(%s, %s) failed: %v", in.eeID, in.upid, err)
		}
	case intentCleanup:
		if err := c.eeClient.CleanupProcess(ctx, in.eeID, in.upid, in.round); err != nil {
			log.Printf("[pdc] cleanup_process(%s, %s) failed: %v", in.eeID, in.upid, err)
		}
	case intentNotify:
		for _, sub := range in.subs {
			if err := c.notifier.NotifyByName(ctx, sub.Name, sub.Op, in.notif); err != nil {
				log.Printf("[pdc] notify %s failed: %v", sub.Name, err)
			}
		}
	}
}

// submit sends fn to the actor loop and blocks for its result. Must
// never be called from within the actor loop itself (i.e. not from fn).
func (c *Core) submit(fn func(c *Core) any) any {
	reply := make(chan any, 1)
	c.cmds <- command{run: fn, reply: reply}
	return <-reply
}

func (c *Core) enqueueIntent(in intent) {
	select {
	case c.intents <- in:
	default:
		// Intent queue is saturated; drop with a log rather than block
		// the actor loop — the next heartbeat/tick will retry the
		// underlying condition (launch/terminate is re-derived from
		// state, not fire-and-forget unrecoverable).
		log.Printf("[pdc] intent queue full, dropping intent kind=%d upid=%s", in.kind, in.upid)
	}
}

// Initialize registers base_need with EPUM for every deployable type in
// the registry, subscribed against this core's name with op "dt_state".
func (c *Core) Initialize(ctx context.Context) error {
	for _, spec := range c.registry.All() {
		if err := c.epumClient.RegisterNeed(ctx, spec.DeployableType, nil, 0, c.Name, "dt_state"); err != nil {
			return domain.NewTransportError("pdc.Initialize", err)
		}
	}
	return nil
}

// DispatchProcess is idempotent by upid: a repeat call returns the
// existing record unchanged. Never blocks on an actual EE launch.
func (c *Core) DispatchProcess(ctx context.Context, upid string, spec domain.ProcessSpec, subscribers []domain.SubscriberRef, constraints domain.Constraints, immediate bool) (*domain.ProcessRecord, error) {
	result := c.submit(func(c *Core) any {
		if existing, ok := c.processes[upid]; ok {
			return cloneProcess(existing)
		}
		rec := &domain.ProcessRecord{
			UPID:        upid,
			Spec:        spec,
			Subscribers: subscribers,
			Constraints: constraints,
			Immediate:   immediate,
			State:       domain.ProcessRequested,
		}
		c.processes[upid] = rec
		c.matchmakeProcess(rec)
		return cloneProcess(rec)
	})
	return result.(*domain.ProcessRecord), nil
}

// TerminateProcess is idempotent. Absent upid is NotFound; a process
// already at or past TERMINATED is a no-op; an unassigned process is
// finalized immediately; otherwise an EE terminate is requested and the
// process moves to TERMINATING.
func (c *Core) TerminateProcess(ctx context.Context, upid string) (*domain.ProcessRecord, error) {
	type outcome struct {
		rec *domain.ProcessRecord
		err error
	}
	result := c.submit(func(c *Core) any {
		rec, ok := c.processes[upid]
		if !ok {
			return outcome{nil, domain.ErrProcessNotFound}
		}
		if rec.State == domain.ProcessTerminated || rec.State == domain.ProcessFailed || rec.State == domain.ProcessRejected {
			return outcome{cloneProcess(rec), nil}
		}
		if rec.Assigned == "" {
			rec.State = domain.ProcessTerminated
			return outcome{cloneProcess(rec), nil}
		}
		c.enqueueIntent(intent{kind: intentTerminate, eeID: rec.Assigned, upid: upid, round: rec.Round})
		rec.State = domain.ProcessTerminating
		return outcome{cloneProcess(rec), nil}
	}).(outcome)
	return result.rec, result.err
}

// DtState is the subscription sink for EPUM instance-state
// notifications keyed by node.
func (c *Core) DtState(ctx context.Context, nodeID, dt string, state domain.InstanceState, properties map[string]any) {
	c.submit(func(c *Core) any {
		c.handleDtState(nodeID, dt, state, properties)
		return nil
	})
}

// EEHeartbeat reconciles one execution engine's reported process states
// against the core's tables and triggers opportunistic scheduling.
func (c *Core) EEHeartbeat(ctx context.Context, beat domain.Heartbeat, slotCount int, senderProperties map[string]any) {
	c.submit(func(c *Core) any {
		c.handleEEHeartbeat(beat, slotCount, senderProperties)
		return nil
	})
}

// DumpSnapshot is an introspection snapshot of the core's tables.
type DumpSnapshot struct {
	Processes []*domain.ProcessRecord
	Resources []*domain.ExecutionEngineResource
	Queue     []string
}

// Dump returns a point-in-time snapshot of processes, resources, and the
// waiting queue.
func (c *Core) Dump(ctx context.Context) DumpSnapshot {
	result := c.submit(func(c *Core) any {
		snap := DumpSnapshot{Queue: c.queue.Snapshot()}
		for _, p := range c.processes {
			snap.Processes = append(snap.Processes, cloneProcess(p))
		}
		for _, r := range c.resources {
			snap.Resources = append(snap.Resources, r)
		}
		return snap
	})
	return result.(DumpSnapshot)
}

func cloneProcess(p *domain.ProcessRecord) *domain.ProcessRecord {
	c := *p
	return &c
}
