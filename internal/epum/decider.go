package epum

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/metrics"
)

// LeaderFunc reports whether this worker is the decider leader for
// (owner, domainID). The leadership mechanism itself is out of scope
// (spec.md §5); it is injected so the decider never guesses.
type LeaderFunc func(owner, domainID string) bool

// EngineFactory builds the Decision Engine implementation for a domain's
// engine config, keyed by the config's own declared type (spec.md §9:
// "a static registry by name suffices").
type EngineFactory func(conf domain.Config) (domain.Engine, error)

// domainRuntime tracks the one-time-initialized engine instance for a
// domain, so repeated decide cycles reuse engine state across ticks
// rather than re-initializing every time.
type domainRuntime struct {
	engine      domain.Engine
	initialized bool
}

// Decider is the periodic leader-only loop: for each domain this worker
// leads, build an EngineState snapshot and invoke the engine's
// Initialize (once) or Decide. Grounded on the decider contract in
// spec.md §4.5.
type Decider struct {
	Store       Store
	Provisioner domain.ProvisionerClient
	IsLeader    LeaderFunc
	NewEngine   EngineFactory

	// OnTransportError, if set, is invoked whenever a decide cycle fails
	// with a Transport-kind error, so a caller can schedule an
	// out-of-band backoff retry independent of the next regular tick
	// (spec.md §7's "logged and retried" Transport policy).
	OnTransportError func(owner, domainID string, err error)

	mu       sync.Mutex
	runtimes map[string]*domainRuntime // key: owner+"/"+domainID
}

// NewDecider constructs a Decider.
func NewDecider(store Store, provisioner domain.ProvisionerClient, isLeader LeaderFunc, newEngine EngineFactory) *Decider {
	return &Decider{
		Store:       store,
		Provisioner: provisioner,
		IsLeader:    isLeader,
		NewEngine:   newEngine,
		runtimes:    map[string]*domainRuntime{},
	}
}

func runtimeKey(owner, domainID string) string { return owner + "/" + domainID }

// RunOnce runs one decide cycle over every domain owned by owner that
// this worker leads. Domains run concurrently; each domain's own engine
// instance is only ever touched by one goroutine at a time because
// RunOnce for a given domain key is never invoked concurrently with
// itself (callers are expected to serialize ticks, e.g. via a single
// ticker goroutine).
func (d *Decider) RunOnce(ctx context.Context, owner string) {
	domains, err := d.Store.ListDomainsByOwner(owner)
	if err != nil {
		log.Printf("[epum] decider: list domains for %s failed: %v", owner, err)
		return
	}

	var wg sync.WaitGroup
	for _, dom := range domains {
		if !d.IsLeader(dom.Owner, dom.DomainID) {
			continue
		}
		dom := dom
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.decideAndReport(ctx, dom)
		}()
	}
	wg.Wait()
}

// decideAndReport runs one decide cycle for dom, logging any failure and
// routing Transport-kind errors to OnTransportError when set.
func (d *Decider) decideAndReport(ctx context.Context, dom *domain.Domain) {
	domainLabel := dom.Owner + "/" + dom.DomainID
	start := time.Now()
	err := d.decideDomain(ctx, dom)
	metrics.DecideDuration.WithLabelValues(domainLabel).Observe(time.Since(start).Seconds())
	metrics.DecideCycles.WithLabelValues(domainLabel).Inc()

	if err == nil {
		return
	}
	log.Printf("[epum] decider: domain %s/%s decide failed: %v", dom.Owner, dom.DomainID, err)
	kind, ok := domain.ErrorKind(err)
	if !ok {
		kind = domain.KindInvariant
	}
	metrics.DecideErrors.WithLabelValues(domainLabel, kind.String()).Inc()
	if ok && kind == domain.KindTransport && d.OnTransportError != nil {
		d.OnTransportError(dom.Owner, dom.DomainID, err)
	}
}

// DecideOne runs a single decide cycle for exactly (owner, domainID),
// bypassing the leadership/enumeration pass in RunOnce. Used by the
// backoff retry loop to re-attempt a domain that previously failed with
// a Transport error, without waiting for the next full tick.
func (d *Decider) DecideOne(ctx context.Context, owner, domainID string) {
	dom, err := d.Store.GetDomain(owner, domainID)
	if err != nil {
		log.Printf("[epum] decider: retry lookup for %s/%s failed: %v", owner, domainID, err)
		return
	}
	d.decideAndReport(ctx, dom)
}

func (d *Decider) decideDomain(ctx context.Context, dom *domain.Domain) error {
	key := runtimeKey(dom.Owner, dom.DomainID)

	d.mu.Lock()
	rt, ok := d.runtimes[key]
	if !ok {
		engine, err := d.NewEngine(dom.Engine)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		rt = &domainRuntime{engine: engine}
		d.runtimes[key] = rt
	}
	d.mu.Unlock()

	control := newControlAdapter(dom.Owner, dom.DomainID, d.Store, d.Provisioner)
	state, err := newEngineStateSnapshot(d.Store, dom.Owner, dom.DomainID)
	if err != nil {
		return err
	}

	if !rt.initialized {
		if err := rt.engine.Initialize(ctx, control, state, dom.Engine); err != nil {
			return err
		}
		rt.initialized = true
		return nil
	}

	// Reconfigurations landed in the Store since the last cycle — via
	// reconfigure_domain, register_need's reconfigure branch, or
	// retire_node — are only ever visible to this already-initialized
	// engine instance if re-applied here. Grounded on spec.md §4.5:
	// "Reconfigurations queued since the last cycle are applied via
	// reconfigure before the next decide."
	if len(dom.Engine) > 0 {
		if err := rt.engine.Reconfigure(ctx, control, dom.Engine); err != nil {
			return err
		}
	}
	return rt.engine.Decide(ctx, control, state)
}

// Reconfigure applies a non-empty configuration delta to a domain's
// running engine instance, invalidating nothing else about its state.
// Callers must ensure this is never invoked concurrently with
// decideDomain for the same domain.
func (d *Decider) Reconfigure(ctx context.Context, owner, domainID string, delta domain.Config) error {
	key := runtimeKey(owner, domainID)
	d.mu.Lock()
	rt, ok := d.runtimes[key]
	d.mu.Unlock()
	if !ok {
		return nil // not yet initialized; next decide cycle will pick up the new Store config
	}
	control := newControlAdapter(owner, domainID, d.Store, d.Provisioner)
	return rt.engine.Reconfigure(ctx, control, delta)
}
