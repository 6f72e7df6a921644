package domain

import "context"

// ProvisionerClient is EPUM's outbound seam to the IaaS provisioner,
// grounded on epu_client usage in needy.py / reactor.py. Implementations
// live in internal/infra/httpclients; calls that fail should be wrapped
// with NewTransportError so the caller can retry next cycle instead of
// failing the decide loop.
type ProvisionerClient interface {
	ProvisionInstance(ctx context.Context, site, allocation, deployableType string, extraVars map[string]any) (instanceID string, err error)
	TerminateInstances(ctx context.Context, instanceIDs []string) error
}

// EEAgentClient is PDC's outbound seam to the per-node execution engine
// agent, grounded on eeagent_client usage in core.py.
type EEAgentClient interface {
	LaunchProcess(ctx context.Context, eeID, upid string, round int, spec ProcessSpec) error
	TerminateProcess(ctx context.Context, eeID, upid string, round int) error
	CleanupProcess(ctx context.Context, eeID, upid string, round int) error
}

// EPUMClient is PDC's outbound seam back into EPUM for base-need
// registration, grounded on epum_client.register_need in core.py's
// Initialize.
type EPUMClient interface {
	RegisterNeed(ctx context.Context, deployableType string, constraints Constraints, baseNeed int, ownerName, subscriberOp string) error
}

// NotifyKind classifies an instance-state notification dispatched to
// subscribers, grounded on the RUNNING/FAILED classification in
// EPUMReactor.new_instance_state.
type NotifyKind string

const (
	NotifyRunning NotifyKind = "RUNNING"
	NotifyFailed  NotifyKind = "FAILED"
)

// InstanceNotification is the payload EPUM and PDC push to subscribers
// when an instance or process reaches a state worth reporting.
type InstanceNotification struct {
	DomainID   string     `json:"domain_id"`
	InstanceID string     `json:"instance_id"`
	State      NotifyKind `json:"state"`
}

// Subscriber is the fan-out sink for instance notifications, grounded on
// the notifier argument threaded through EPUMReactor. Errors are logged
// by the caller and never propagated — a bad subscriber must not stall
// the reactor (reactor.py: "except Exception, e: log.error(...)").
type Subscriber interface {
	NotifyByName(ctx context.Context, subscriberName, op string, n InstanceNotification) error
}

// HeartbeatProcessState is one process's reported state within a single
// execution-engine heartbeat payload, grounded on beat['processes'] in
// core.py's ee_heartbeart.
type HeartbeatProcessState struct {
	UPID  string       `json:"upid"`
	Round int          `json:"round"`
	State ProcessState `json:"state"`
}

// Heartbeat is the payload an execution engine agent sends describing
// its node and the processes it currently tracks.
type Heartbeat struct {
	SenderEEID string                  `json:"sender"`
	Processes  []HeartbeatProcessState `json:"processes"`
}

// InstanceHeartbeat is the payload a provisioned instance's dt/doctor
// process sends describing its own health, grounded on new_heartbeat in
// reactor.py. State carries the sender's full reported health
// (UNKNOWN/OK/MISSING/ERROR/ZOMBIE), not a reduced healthy/unhealthy bit:
// reactor.py's new_heartbeat branches on the exact reported state rather
// than on an OK/not-OK boolean.
type InstanceHeartbeat struct {
	InstanceID      string              `json:"instance_id"`
	State           InstanceHealthState `json:"state" validate:"gte=0,lte=4"`
	Timestamp       int64               `json:"timestamp"`
	ErrorMessage    string              `json:"error,omitempty"`
	FailedProcesses []string            `json:"failed_processes,omitempty"`
}
