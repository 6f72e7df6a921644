package epum

import (
	"context"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/metrics"
)

// controlAdapter implements domain.Control for a single (owner, domainID)
// domain, translating engine actions into provisioner-client calls plus
// Store mutations, per spec.md §4.2/§9's note that control is a
// capability object whose effects apply atomically from the engine's
// perspective.
type controlAdapter struct {
	owner      string
	domainID   string
	store      Store
	provisioner domain.ProvisionerClient
}

var _ domain.Control = (*controlAdapter)(nil)

func newControlAdapter(owner, domainID string, store Store, provisioner domain.ProvisionerClient) *controlAdapter {
	return &controlAdapter{owner: owner, domainID: domainID, store: store, provisioner: provisioner}
}

// Launch provisions one instance and records it REQUESTING in the
// Store before returning its id.
func (c *controlAdapter) Launch(ctx context.Context, deployableType, site, allocation string, extraVars map[string]any) (string, error) {
	id, err := c.provisioner.ProvisionInstance(ctx, site, allocation, deployableType, extraVars)
	if err != nil {
		return "", domain.NewTransportError("control.Launch", err)
	}
	inst := &domain.Instance{
		InstanceID:     id,
		Owner:          c.owner,
		DomainID:       c.domainID,
		Site:           site,
		Allocation:     allocation,
		DeployableType: deployableType,
		State:          domain.InstanceRequesting,
		Health:         domain.InstanceHealthUnknown,
		ExtraVars:      extraVars,
	}
	if err := c.store.PutInstance(inst); err != nil {
		return "", err
	}
	metrics.InstanceLaunches.WithLabelValues(c.owner + "/" + c.domainID).Inc()
	return id, nil
}

// DestroyInstances requests termination and marks each instance
// TERMINATING. The provisioner's own instance-state message, once
// delivered through the reactor, carries the transition the rest of the
// way to TERMINATED.
func (c *controlAdapter) DestroyInstances(ctx context.Context, instanceIDs []string) error {
	if err := c.provisioner.TerminateInstances(ctx, instanceIDs); err != nil {
		return domain.NewTransportError("control.DestroyInstances", err)
	}
	for _, id := range instanceIDs {
		if err := c.store.NewInstanceState(id, domain.InstanceTerminating, "", "", nil); err != nil {
			return err
		}
	}
	metrics.InstanceDestroys.WithLabelValues(c.owner+"/"+c.domainID).Add(float64(len(instanceIDs)))
	return nil
}

// InstanceIDs lists every instance id currently known for this domain.
func (c *controlAdapter) InstanceIDs() []string {
	insts, err := c.store.GetInstances(c.owner, c.domainID)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(insts))
	for _, i := range insts {
		ids = append(ids, i.InstanceID)
	}
	return ids
}

// engineStateSnapshot is the immutable domain.EngineState view handed to
// a Decision Engine's Decide call for the duration of one cycle.
type engineStateSnapshot struct {
	instances []*domain.Instance
	unhealthy []*domain.Instance
}

var _ domain.EngineState = (*engineStateSnapshot)(nil)

func newEngineStateSnapshot(store Store, owner, domainID string) (*engineStateSnapshot, error) {
	instances, err := store.GetInstances(owner, domainID)
	if err != nil {
		return nil, err
	}
	unhealthy, err := store.GetUnhealthyInstances(owner, domainID)
	if err != nil {
		return nil, err
	}
	snap := &engineStateSnapshot{}
	for _, i := range instances {
		snap.instances = append(snap.instances, i.Clone())
	}
	for _, i := range unhealthy {
		snap.unhealthy = append(snap.unhealthy, i.Clone())
	}
	return snap, nil
}

func (s *engineStateSnapshot) Instances() []*domain.Instance { return s.instances }

func (s *engineStateSnapshot) InstanceByID(id string) (*domain.Instance, bool) {
	for _, i := range s.instances {
		if i.InstanceID == id {
			return i, true
		}
	}
	return nil, false
}

func (s *engineStateSnapshot) UnhealthyInstances() []*domain.Instance { return s.unhealthy }
