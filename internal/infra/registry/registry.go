// Package registry holds the static deployable-type → EngineSpec table
// consulted by the Process Dispatcher Core when it first hears from an
// execution engine agent (spec.md §2 "EE Registry", §4.6 ee_heartbeat).
package registry

import (
	"fmt"
	"sync"

	"github.com/oldpatricka/epu/internal/domain"
)

// Registry is a concurrency-safe, name-keyed table of EngineSpecs. It is
// loaded once at daemon startup from TOML configuration and read
// thereafter; no dynamic class loading, per spec.md §9.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]domain.EngineSpec
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{specs: map[string]domain.EngineSpec{}}
}

// Register adds or replaces the EngineSpec for a deployable type.
func (r *Registry) Register(spec domain.EngineSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.DeployableType] = spec
}

// Lookup returns the EngineSpec for dt, or ErrUnknownDeployableType.
func (r *Registry) Lookup(dt string) (domain.EngineSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[dt]
	if !ok {
		return domain.EngineSpec{}, domain.ErrUnknownDeployableType
	}
	return spec, nil
}

// All returns every registered EngineSpec, used by PDC.Initialize to
// register base_need for each deployable type at startup.
func (r *Registry) All() []domain.EngineSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.EngineSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// FileEntry is the TOML shape one [[deployable_types]] table entry
// takes in the daemon config.
type FileEntry struct {
	DeployableType string `toml:"deployable_type"`
	EngineID       string `toml:"engine_id"`
	Slots          int    `toml:"slots"`
}

// LoadEntries validates and registers a slice of FileEntry, as read from
// daemon TOML config by BurntSushi/toml.
func (r *Registry) LoadEntries(entries []FileEntry) error {
	for _, e := range entries {
		if e.DeployableType == "" {
			return fmt.Errorf("registry: deployable_type entry missing deployable_type")
		}
		if e.Slots <= 0 {
			return fmt.Errorf("registry: deployable_type %q must have slots > 0", e.DeployableType)
		}
		r.Register(domain.EngineSpec{
			DeployableType: e.DeployableType,
			EngineID:       e.EngineID,
			Slots:          e.Slots,
		})
	}
	return nil
}
