package pdc

import (
	"log"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/metrics"
)

// matchmakeProcess implements _matchmake_process from core.py. Must only
// be called from within the actor loop.
func (c *Core) matchmakeProcess(p *domain.ProcessRecord) {
	var best *domain.ExecutionEngineResource
	for _, r := range c.resources {
		if r.AvailableSlots() <= 0 {
			continue
		}
		if !p.CheckResourceMatch(r) {
			continue
		}
		// Smallest total slot_count wins — a deliberate compaction
		// heuristic, not smallest available_slots.
		if best == nil || r.SlotCount < best.SlotCount {
			best = r
		}
	}

	if best == nil {
		if p.Immediate {
			p.State = domain.ProcessRejected
		} else {
			p.State = domain.ProcessWaiting
			p.QueuedAt = time.Now()
			c.queue.Push(p.UPID)
			metrics.QueueDepth.Set(float64(c.queue.Len()))
		}
		return
	}

	c.dispatchMatchedProcess(p, best)
}

// dispatchMatchedProcess assigns p onto r and emits the EE launch intent.
func (c *Core) dispatchMatchedProcess(p *domain.ProcessRecord, r *domain.ExecutionEngineResource) {
	if !p.QueuedAt.IsZero() {
		metrics.DispatchLatency.Observe(time.Since(p.QueuedAt).Seconds())
		p.QueuedAt = time.Time{}
	}
	p.Assigned = r.EEID
	p.State = domain.ProcessPending
	r.AddPendingProcess(p.UPID)
	c.enqueueIntent(intent{kind: intentLaunch, eeID: r.EEID, upid: p.UPID, round: p.Round, spec: p.Spec})
}

// considerResource iterates the waiting queue in FIFO order, dispatching
// every match until r's available slots are exhausted, grounded on
// _consider_resource in core.py.
func (c *Core) considerResource(r *domain.ExecutionEngineResource) {
	if c.queue.Len() == 0 || r.AvailableSlots() <= 0 {
		return
	}
	var dispatched []string
	for _, upid := range c.queue.Snapshot() {
		if r.AvailableSlots() <= 0 {
			break
		}
		p, ok := c.processes[upid]
		if !ok || !p.CheckResourceMatch(r) {
			continue
		}
		c.dispatchMatchedProcess(p, r)
		dispatched = append(dispatched, upid)
	}
	for _, upid := range dispatched {
		c.queue.Remove(upid)
	}
	if len(dispatched) > 0 {
		metrics.QueueDepth.Set(float64(c.queue.Len()))
	}
}

// handleDtState implements the dt_state transition handling from
// core.py: RUNNING registers a node if new; TERMINATING/TERMINATED
// disables and tears down the node's resources, best-effort terminates
// every live process on them, and reschedules survivors.
func (c *Core) handleDtState(nodeID, dt string, state domain.InstanceState, properties map[string]any) {
	switch state {
	case domain.InstanceRunning:
		if _, exists := c.nodes[nodeID]; !exists {
			c.nodes[nodeID] = &nodeEntry{
				node:      domain.DeployedNode{NodeID: nodeID, DT: dt, Properties: properties},
				resources: map[string]struct{}{},
			}
		}
	case domain.InstanceTerminating, domain.InstanceTerminated:
		c.teardownNode(nodeID)
	}
}

func (c *Core) teardownNode(nodeID string) {
	entry, ok := c.nodes[nodeID]
	if !ok {
		return
	}

	for eeID := range entry.resources {
		r, ok := c.resources[eeID]
		if !ok {
			continue
		}
		r.Enabled = false

		for upid := range unionSets(r.Processes, r.Pending) {
			p, ok := c.processes[upid]
			if !ok {
				continue
			}
			if p.State < domain.ProcessTerminated {
				c.enqueueIntent(intent{kind: intentTerminate, eeID: eeID, upid: upid, round: p.Round})
			}

			switch {
			case p.State == domain.ProcessTerminating:
				p.State = domain.ProcessTerminated
				p.Assigned = ""
				c.notifyProcess(p)
			case p.State < domain.ProcessTerminating:
				p.Round++
				p.Assigned = ""
				p.State = domain.ProcessDiedRequested
				c.notifyProcess(p)
				c.matchmakeProcess(p)
				c.notifyProcess(p)
				metrics.Reschedules.WithLabelValues("node_died").Inc()
			}
		}

		delete(c.resources, eeID)
	}

	delete(c.nodes, nodeID)
}

func unionSets(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// notifyProcess emits a best-effort notification for p's current state to
// every (name, op) subscriber the dispatching client registered on it at
// DispatchProcess time (spec.md §3, §4.6, §7). A process dispatched with
// no subscribers is silently not notified.
func (c *Core) notifyProcess(p *domain.ProcessRecord) {
	if len(p.Subscribers) == 0 {
		return
	}
	kind := domain.NotifyFailed
	if p.State == domain.ProcessRunning || p.State == domain.ProcessPending || p.State == domain.ProcessDiedRequested || p.State == domain.ProcessWaiting {
		kind = domain.NotifyRunning
	}
	c.enqueueIntent(intent{
		kind: intentNotify,
		subs: append([]domain.SubscriberRef(nil), p.Subscribers...),
		notif: domain.InstanceNotification{
			InstanceID: p.UPID,
			State:      kind,
		},
	})
}

// handleEEHeartbeat reconciles one EE agent's reported process states,
// grounded on ee_heartbeart in core.py (the original's own misspelling
// is not carried forward here). slotCount is the wire message's reported
// figure (spec.md §6); a first-seen resource's actual slot_count and
// engine_type property are always taken from the EE registry entry for
// the node's dt instead, per spec.md §4.6 — the reported value is not
// trusted for the compaction heuristic.
func (c *Core) handleEEHeartbeat(beat domain.Heartbeat, slotCount int, senderProperties map[string]any) {
	r, known := c.resources[beat.SenderEEID]
	if !known {
		nodeID, node := c.findNodeForEE(beat.SenderEEID, senderProperties)
		if node == nil {
			// The initial dt_state update for this node may still be in
			// flight; scheduling onto an unconfirmed EE is unsafe.
			return
		}
		spec, err := c.registry.Lookup(node.node.DT)
		if err != nil {
			log.Printf("[pdc] ee_heartbeat: no engine spec for deployable_type %q (node %s): %v", node.node.DT, nodeID, err)
			return
		}
		props := map[string]any{}
		for k, v := range node.node.Properties {
			props[k] = v
		}
		for k, v := range senderProperties {
			props[k] = v
		}
		props["engine_type"] = spec.EngineID
		r = domain.NewExecutionEngineResource(beat.SenderEEID, nodeID, spec.Slots, props)
		c.resources[beat.SenderEEID] = r
		node.resources[beat.SenderEEID] = struct{}{}
	}

	runningUPIDs := map[string]struct{}{}

	for _, ps := range beat.Processes {
		if ps.State <= domain.ProcessRunning {
			runningUPIDs[ps.UPID] = struct{}{}
		}

		p, ok := c.processes[ps.UPID]
		if !ok {
			continue
		}
		if ps.Round < p.Round {
			continue // stale: process is being redeployed under a new round
		}
		delete(r.Pending, ps.UPID)

		if ps.State == p.State {
			continue
		}

		switch {
		case p.State == domain.ProcessPending && ps.State == domain.ProcessRunning:
			p.State = domain.ProcessRunning
			c.notifyProcess(p)

		case ps.State == domain.ProcessTerminated || ps.State == domain.ProcessFailed:
			switch {
			case p.State == domain.ProcessTerminating:
				p.State = domain.ProcessTerminated
				p.Assigned = ""
				c.notifyProcess(p)
			case p.State == domain.ProcessPending || p.State == domain.ProcessRunning:
				p.State = domain.ProcessDiedRequested
				p.Assigned = ""
				p.Round++
				c.notifyProcess(p)
				c.matchmakeProcess(p)
				metrics.Reschedules.WithLabelValues("needs_reschedule").Inc()
			}
			c.enqueueIntent(intent{kind: intentCleanup, eeID: beat.SenderEEID, upid: ps.UPID, round: p.Round})
		}
	}

	r.Processes = runningUPIDs

	if c.queue.Len() > 0 && r.AvailableSlots() > 0 {
		c.considerResource(r)
	}
}

// findNodeForEE locates the node entry an EE belongs to. The heartbeat
// payload doesn't carry a node_id directly in every transport; callers
// wire senderProperties["node_id"] when the EE agent reports it.
func (c *Core) findNodeForEE(eeID string, senderProperties map[string]any) (string, *nodeEntry) {
	nodeID, _ := senderProperties["node_id"].(string)
	if nodeID == "" {
		return "", nil
	}
	node, ok := c.nodes[nodeID]
	if !ok {
		return "", nil
	}
	return nodeID, node
}
