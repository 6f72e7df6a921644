package epum

import (
	"time"

	"github.com/oldpatricka/epu/internal/domain"
)

// Store is the persistence contract EPUM depends on, satisfied by
// internal/infra/store.DB. Declared here (rather than imported
// directly) so the reactor/decider/control adapter can be tested
// against an in-memory fake without pulling in SQLite.
type Store interface {
	AddDomain(dom *domain.Domain) error
	GetDomain(owner, domainID string) (*domain.Domain, error)
	RemoveDomain(owner, domainID string) error
	ListDomainsByOwner(owner string) ([]*domain.Domain, error)
	GetDomainForInstanceID(instanceID string) (*domain.Domain, error)

	AddGeneralConfig(owner, domainID string, delta domain.Config) error
	AddEngineConfig(owner, domainID string, delta domain.Config) error
	AddHealthConfig(owner, domainID string, delta domain.Config) error
	AddSubscriber(owner, domainID, name, op string) error
	RemoveSubscriber(owner, domainID, name string) error

	PutInstance(inst *domain.Instance) error
	GetInstance(instanceID string) (*domain.Instance, error)
	GetInstances(owner, domainID string) ([]*domain.Instance, error)
	GetUnhealthyInstances(owner, domainID string) ([]*domain.Instance, error)
	NewInstanceState(instanceID string, next domain.InstanceState, site, allocation string, extraVars map[string]any) error
	NewInstanceHealth(instanceID string, health domain.InstanceHealthState, errorTime time.Time, errMsg string, extra map[string]any) error
	SetInstanceHeartbeatTime(instanceID string, ts time.Time) error
}
