// Package epum implements the Elastic Processing Unit Manager: the
// reactor that handles inbound domain/instance/heartbeat messages, the
// decider that drives per-domain decision engines, and the control/state
// adapters connecting them to the Store and provisioner. Grounded on
// epu/epumanagement/reactor.py.
package epum

import (
	"context"
	"log"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/metrics"
)

// Reactor handles inbound EPUM messages. Each method is its own short
// transaction against the Store; the reactor holds no lock of its own —
// ordering and isolation come from the Store's per-row version CAS.
type Reactor struct {
	Store    Store
	Notifier domain.Subscriber
}

// NewReactor constructs a Reactor over store, fanning observable
// transitions out through notifier.
func NewReactor(store Store, notifier domain.Subscriber) *Reactor {
	return &Reactor{Store: store, Notifier: notifier}
}

// AddDomain creates a new domain. Fails with AlreadyExists if (owner,
// domainID) is already present.
func (r *Reactor) AddDomain(ctx context.Context, owner, domainID string, general, engine, health domain.Config, subscriber *domain.SubscriberRef) error {
	dom := &domain.Domain{
		Owner:    owner,
		DomainID: domainID,
		General:  general,
		Engine:   engine,
		Health:   health,
	}
	if subscriber != nil {
		dom.AddSubscriber(subscriber.Name, subscriber.Op)
	}
	return r.Store.AddDomain(dom)
}

// RemoveDomain deletes a domain and its instances.
func (r *Reactor) RemoveDomain(ctx context.Context, owner, domainID string) error {
	return r.Store.RemoveDomain(owner, domainID)
}

// ListDomains returns every domain owned by owner.
func (r *Reactor) ListDomains(ctx context.Context, owner string) ([]*domain.Domain, error) {
	return r.Store.ListDomainsByOwner(owner)
}

// DescribeDomain returns the domain's config sections plus its current
// instances.
func (r *Reactor) DescribeDomain(ctx context.Context, owner, domainID string) (*domain.DomainDescription, error) {
	dom, err := r.Store.GetDomain(owner, domainID)
	if err != nil {
		return nil, err
	}
	instances, err := r.Store.GetInstances(owner, domainID)
	if err != nil {
		return nil, err
	}
	desc := &domain.DomainDescription{
		Name:    domainID,
		General: dom.General,
		Engine:  dom.Engine,
		Health:  dom.Health,
	}
	for _, i := range instances {
		desc.Instances = append(desc.Instances, *i)
	}
	return desc, nil
}

// ReconfigureDomain additively merges each non-nil section into the
// domain's existing configuration.
func (r *Reactor) ReconfigureDomain(ctx context.Context, owner, domainID string, general, engine, health domain.Config) error {
	if general != nil {
		if err := r.Store.AddGeneralConfig(owner, domainID, general); err != nil {
			return err
		}
	}
	if engine != nil {
		if err := r.Store.AddEngineConfig(owner, domainID, engine); err != nil {
			return err
		}
	}
	if health != nil {
		if err := r.Store.AddHealthConfig(owner, domainID, health); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeDomain registers (name, op) as a notification target for the
// domain's instance transitions.
func (r *Reactor) SubscribeDomain(ctx context.Context, owner, domainID, name, op string) error {
	return r.Store.AddSubscriber(owner, domainID, name, op)
}

// UnsubscribeDomain removes name from the domain's subscribers.
func (r *Reactor) UnsubscribeDomain(ctx context.Context, owner, domainID, name string) error {
	return r.Store.RemoveSubscriber(owner, domainID, name)
}

// InstanceStateMessage is the content of an inbound instance-state
// update, per spec.md §6.
type InstanceStateMessage struct {
	InstanceID string
	State      domain.InstanceState
	Site       string
	Allocation string
	ExtraVars  map[string]any
}

// NewInstanceState records a new instance state and, for externally
// observable transitions, fans the change out to the domain's
// subscribers. Classification: state < RUNNING is silent; state ==
// RUNNING notifies RUNNING; state > RUNNING notifies FAILED. Notifier
// errors are caught and logged, never propagated — grounded on
// new_instance_state in reactor.py.
func (r *Reactor) NewInstanceState(ctx context.Context, msg InstanceStateMessage) error {
	dom, err := r.Store.GetDomainForInstanceID(msg.InstanceID)
	if err != nil {
		return err
	}

	if err := r.Store.NewInstanceState(msg.InstanceID, msg.State, msg.Site, msg.Allocation, msg.ExtraVars); err != nil {
		return err
	}

	if msg.State < domain.InstanceRunning {
		return nil
	}

	kind := domain.NotifyRunning
	if msg.State > domain.InstanceRunning {
		kind = domain.NotifyFailed
	}
	r.fanOut(ctx, dom, msg.InstanceID, kind)
	return nil
}

func (r *Reactor) fanOut(ctx context.Context, dom *domain.Domain, instanceID string, kind domain.NotifyKind) {
	n := domain.InstanceNotification{DomainID: dom.DomainID, InstanceID: instanceID, State: kind}
	for _, sub := range dom.Subscribers {
		if err := r.Notifier.NotifyByName(ctx, sub.Name, sub.Op, n); err != nil {
			log.Printf("[epum] notify subscriber %s failed: %v", sub.Name, err)
			metrics.NotificationsSent.WithLabelValues(sub.Name, "error").Inc()
			continue
		}
		metrics.NotificationsSent.WithLabelValues(sub.Name, "ok").Inc()
	}
}

// HeartbeatMessage is the content of an inbound instance health
// heartbeat, per spec.md §6. State carries the sender's full reported
// health (UNKNOWN/OK/MISSING/ERROR/ZOMBIE) rather than a reduced
// healthy/unhealthy bit, so every InstanceHealthState value is reachable
// exactly as content['state'] is in new_heartbeat in reactor.py.
type HeartbeatMessage struct {
	InstanceID      string
	State           domain.InstanceHealthState
	ErrorMessage    string
	FailedProcesses []string
	Timestamp       time.Time
}

// NewHeartbeat processes an instance health heartbeat, grounded on
// new_heartbeat in reactor.py. Ignored entirely if the owning domain has
// health checking disabled. The last-heartbeat timestamp is only
// advanced after any health-state work has committed, so a re-queued or
// duplicate heartbeat never masks a genuine missing-heartbeat detection.
func (r *Reactor) NewHeartbeat(ctx context.Context, msg HeartbeatMessage) error {
	dom, err := r.Store.GetDomainForInstanceID(msg.InstanceID)
	if err != nil {
		return err
	}
	if !dom.IsHealthEnabled() {
		return nil
	}

	inst, err := r.Store.GetInstance(msg.InstanceID)
	if err != nil {
		return err
	}

	if !msg.Timestamp.IsZero() {
		metrics.HeartbeatAge.Observe(time.Since(msg.Timestamp).Seconds())
	}
	outcome := "healthy"
	if msg.State != domain.InstanceHealthOK {
		outcome = "unhealthy"
	}
	metrics.HeartbeatsReceived.WithLabelValues(outcome).Inc()

	if msg.State == domain.InstanceHealthOK {
		// Only updated when we receive an OK heartbeat and the instance's
		// recorded health turned out to be wrong, e.g. it was MISSING and
		// this is the first word from it since. A ZOMBIE instance past
		// TERMINATED never reverts to OK on a stray late heartbeat.
		if inst.Health != domain.InstanceHealthOK && inst.Health != domain.InstanceHealthZombie && inst.State < domain.InstanceTerminated {
			if err := r.Store.NewInstanceHealth(msg.InstanceID, domain.InstanceHealthOK, time.Time{}, "", nil); err != nil {
				return err
			}
		}
	} else {
		newHealth := msg.State
		if newHealth == domain.InstanceHealthZombie && !inst.CanBecomeZombie() {
			newHealth = domain.InstanceHealthError
		}
		if inst.Health != newHealth {
			extra := map[string]any{}
			if len(msg.FailedProcesses) > 0 {
				extra["failed_processes"] = msg.FailedProcesses
			}
			if err := r.Store.NewInstanceHealth(msg.InstanceID, newHealth, msg.Timestamp, msg.ErrorMessage, extra); err != nil {
				return err
			}
		}
	}

	return r.Store.SetInstanceHeartbeatTime(msg.InstanceID, msg.Timestamp)
}
