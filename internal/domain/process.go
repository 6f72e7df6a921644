package domain

import "time"

// ProcessSpec is the immutable launch spec a caller supplies to
// DispatchProcess: which run type to invoke and what parameters to pass
// to the execution engine agent.
type ProcessSpec struct {
	RunType    string         `json:"run_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Constraints is a wildcard-aware match expression evaluated against a
// node's Properties by MatchConstraints. A nil value for a key means
// "any"; a list/slice value means "one of".
type Constraints map[string]any

// ProcessRecord is one dispatched process tracked by the PDC core,
// grounded on ProcessRecord in the original processdispatcher/core.py.
type ProcessRecord struct {
	UPID        string        `json:"upid"`
	Owner       string        `json:"owner"`
	Spec        ProcessSpec   `json:"spec"`
	Constraints Constraints   `json:"constraints,omitempty"`
	Immediate   bool          `json:"immediate"`

	// Subscribers is the list of (name, op) targets notified on this
	// process's observable state transitions, supplied by the dispatching
	// client at DispatchProcess time (spec.md §3, §4.6, §7).
	Subscribers []SubscriberRef `json:"subscribers,omitempty"`

	State    ProcessState `json:"state"`
	Assigned string       `json:"assigned,omitempty"` // ee_id, empty when unassigned
	Round    int          `json:"round"`

	// QueuedAt is set when the process enters the waiting queue and
	// cleared once matched, so the dispatcher can report how long a
	// process actually waited rather than just that it was dispatched.
	QueuedAt time.Time `json:"queued_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckResourceMatch reports whether r's properties satisfy p's
// constraints.
func (p *ProcessRecord) CheckResourceMatch(r *ExecutionEngineResource) bool {
	return MatchConstraints(p.Constraints, r.Properties)
}

// DeployedNode is a provisioned compute node hosting zero or more
// execution engine resources, grounded on DeployedNode in core.py.
type DeployedNode struct {
	NodeID     string         `json:"node_id"`
	DomainID   string         `json:"domain_id"`
	DT         string         `json:"dt,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Round      int            `json:"round"`
}

// ExecutionEngineResource is one execution-engine-agent slot pool
// running on a node, grounded on ExecutionEngineResource in core.py.
type ExecutionEngineResource struct {
	EEID       string         `json:"ee_id"`
	NodeID     string         `json:"node_id"`
	SlotCount  int            `json:"slot_count"`
	Properties map[string]any `json:"properties,omitempty"`
	Enabled    bool           `json:"enabled"`

	Processes map[string]struct{} `json:"-"` // upids running here
	Pending   map[string]struct{} `json:"-"` // upids dispatched, not yet ack'd
}

// NewExecutionEngineResource builds a resource with empty process sets.
func NewExecutionEngineResource(eeID, nodeID string, slotCount int, properties map[string]any) *ExecutionEngineResource {
	return &ExecutionEngineResource{
		EEID:       eeID,
		NodeID:     nodeID,
		SlotCount:  slotCount,
		Properties: properties,
		Enabled:    true,
		Processes:  map[string]struct{}{},
		Pending:    map[string]struct{}{},
	}
}

// AvailableSlots mirrors the available_slots property in core.py: zero
// when disabled, else slot_count minus everything running or pending,
// floored at zero.
func (r *ExecutionEngineResource) AvailableSlots() int {
	if !r.Enabled {
		return 0
	}
	n := r.SlotCount - len(r.Processes) - len(r.Pending)
	if n < 0 {
		return 0
	}
	return n
}

// CheckProcessMatch reports whether p's constraints are satisfied by r.
func (r *ExecutionEngineResource) CheckProcessMatch(p *ProcessRecord) bool {
	return MatchConstraints(p.Constraints, r.Properties)
}

// AddPendingProcess records upid as dispatched-but-unacked on r. Callers
// must ensure upid is already pending or a slot is free — the original
// core.py asserts this invariant rather than silently clamping.
func (r *ExecutionEngineResource) AddPendingProcess(upid string) {
	if r.Pending == nil {
		r.Pending = map[string]struct{}{}
	}
	r.Pending[upid] = struct{}{}
}

// MatchConstraints implements the wildcard matching rules from
// match_constraints in core.py: a nil constraints map always matches; a
// nil value for a key is a wildcard; a missing property key fails the
// match; list/slice constraint values are containment checks; anything
// else is scalar equality.
func MatchConstraints(constraints Constraints, properties map[string]any) bool {
	if constraints == nil {
		return true
	}
	for k, want := range constraints {
		if want == nil {
			continue
		}
		if properties == nil {
			return false
		}
		have, ok := properties[k]
		if !ok || have == nil {
			return false
		}
		switch w := want.(type) {
		case []any:
			if !containsValue(w, have) {
				return false
			}
		case []string:
			s, ok := have.(string)
			if !ok {
				return false
			}
			found := false
			for _, v := range w {
				if v == s {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if want != have {
				return false
			}
		}
	}
	return true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Queue is a plain FIFO of waiting upids — no priority classes, matching
// the dispatch order used by _consider_resource in core.py.
type Queue struct {
	items []string
}

func (q *Queue) Push(upid string) { q.items = append(q.items, upid) }

func (q *Queue) Len() int { return len(q.items) }

// Remove drops every occurrence of upid from the queue.
func (q *Queue) Remove(upid string) {
	kept := q.items[:0]
	for _, u := range q.items {
		if u != upid {
			kept = append(kept, u)
		}
	}
	q.items = kept
}

// Snapshot returns a copy of the queue contents in FIFO order.
func (q *Queue) Snapshot() []string {
	return append([]string(nil), q.items...)
}
