// Package daemon wires the Store, EPUM reactor/decider, PDC core, and
// HTTP API into a single runnable process and manages its configuration
// and lifecycle, grounded on the teacher's internal/daemon package
// (TOML config + New/NewWithConfig/Serve/Close shape).
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/oldpatricka/epu/internal/api"
	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/epum"
	"github.com/oldpatricka/epu/internal/health"
	"github.com/oldpatricka/epu/internal/infra/cache"
	"github.com/oldpatricka/epu/internal/infra/healing"
	"github.com/oldpatricka/epu/internal/infra/httpclients"
	"github.com/oldpatricka/epu/internal/infra/metrics"
	"github.com/oldpatricka/epu/internal/infra/needy"
	"github.com/oldpatricka/epu/internal/infra/notifyslack"
	"github.com/oldpatricka/epu/internal/infra/registry"
	"github.com/oldpatricka/epu/internal/infra/retry"
	"github.com/oldpatricka/epu/internal/infra/store"
	"github.com/oldpatricka/epu/internal/pdc"
)

// Daemon owns every long-lived component of one epud process: the
// store, the EPUM reactor/decider, the PDC core, the HTTP API, the
// backoff retry loop, and the health checker.
type Daemon struct {
	Config Config

	Store          *store.DB
	Registry       *registry.Registry
	Reactor        *epum.Reactor
	Decider        *epum.Decider
	NeedTranslator *epum.NeedTranslator
	PDC            *pdc.Core
	Health         *health.Checker
	RetryQueue     *retry.Queue

	domainCache *cache.DomainCache
	httpServer  *http.Server

	cancel context.CancelFunc
}

// New builds a Daemon from the on-disk configuration.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Daemon from an explicit configuration, used by
// tests and by CLI flag overrides.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	for _, e := range cfg.DeployableTypes {
		reg.Register(domain.EngineSpec{DeployableType: e.DeployableType, EngineID: e.EngineID, Slots: e.Slots})
	}

	subscriber := buildSubscriber(cfg)

	reactor := epum.NewReactor(db, subscriber)
	needTranslator := epum.NewNeedTranslator(db, cfg.Node.Owner)

	cbCfg := cfg.CircuitBreaker.Breaker()
	provisioner := httpclients.NewProvisionerClient(cfg.Clients.ProvisionerBaseURL, cbCfg)
	retryQueue := retry.NewQueue(retry.DefaultConfig())

	decider := epum.NewDecider(db, provisioner, soleLeader, engineFactory)
	decider.OnTransportError = func(owner, domainID string, err error) {
		ok := retryQueue.Schedule(retry.Entry{Op: "decide_domain", Owner: owner, DomainID: domainID}, err)
		metrics.RetriesScheduled.WithLabelValues("decide_domain").Inc()
		if !ok {
			metrics.RetriesExhausted.WithLabelValues("decide_domain").Inc()
			log.Printf("[daemon] retry budget exhausted for domain %s/%s: %v", owner, domainID, err)
		}
	}

	eeClient := httpclients.NewEEAgentClient(eeAgentURLFunc(cfg.Clients.EEAgentURLTemplate), cbCfg)
	epumClient := httpclients.NewEPUMClient(cfg.Clients.EPUMBaseURL, cbCfg)
	core := pdc.New(cfg.Node.ID, reg, eeClient, epumClient, subscriber)

	d := &Daemon{
		Config:         cfg,
		Store:          db,
		Registry:       reg,
		Reactor:        reactor,
		Decider:        decider,
		NeedTranslator: needTranslator,
		PDC:            core,
		RetryQueue:     retryQueue,
	}

	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		ttl := time.Duration(cfg.Redis.TTLSeconds) * time.Second
		d.domainCache = cache.NewDomainCache(rdb, db, ttl)
	}

	d.Health = health.NewChecker(db, cfg.Store.Dir, retryQueue)

	d.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler: api.NewServer(reactor, decider, needTranslator, core, d.Health, d.domainCache, cfg.Telemetry.Prometheus).Router(),
	}

	return d, nil
}

// soleLeader is the LeaderFunc for a single-process deployment: this
// worker leads every domain it owns, since there is no peer to contend
// with (spec.md §5's leadership mechanism is out of scope).
func soleLeader(owner, domainID string) bool { return true }

// engineFactory is the static name->engine registry spec.md §9 calls
// for: today only the needy policy is implemented.
func engineFactory(conf domain.Config) (domain.Engine, error) {
	return needy.New(), nil
}

// eeAgentURLFunc builds the per-EE URL resolver from a "{ee_id}"
// template, e.g. "http://{ee_id}:8090".
func eeAgentURLFunc(tmpl string) func(eeID string) string {
	return func(eeID string) string {
		return strings.ReplaceAll(tmpl, "{ee_id}", eeID)
	}
}

// buildSubscriber returns the domain.Subscriber used by both the EPUM
// reactor and the PDC core. notifyslack.Sink already satisfies
// domain.Subscriber directly (its subscriberName parameter IS the Slack
// channel id), so no adapter layer is needed; an empty bot token yields
// a no-op sink rather than a disabled deployment.
func buildSubscriber(cfg Config) domain.Subscriber {
	return notifyslack.NewSink(cfg.Slack.BotToken)
}

// Serve starts every background loop (decider ticker, retry drain,
// circuit breaker metrics refresh, health checker) and blocks serving
// HTTP until ctx is canceled or the server errors.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.PDC.Start(ctx)
	if err := d.PDC.Initialize(ctx); err != nil {
		log.Printf("[daemon] pdc initialize: %v", err)
	}

	go d.Health.Run(ctx)
	go d.runDeciderLoop(ctx)
	go d.runRetryLoop(ctx)
	go d.runMetricsLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s", d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return d.shutdownHTTP()
	case err := <-errCh:
		d.PDC.Stop()
		return err
	}
}

func (d *Daemon) shutdownHTTP() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.httpServer.Shutdown(shutdownCtx)
	d.PDC.Stop()
	return err
}

// Close releases the store. Call after Serve returns.
func (d *Daemon) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	return d.Store.Close()
}

func (d *Daemon) runDeciderLoop(ctx context.Context) {
	interval := time.Duration(d.Config.Decider.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Decider.RunOnce(ctx, d.Config.Node.Owner)
		}
	}
}

// runRetryLoop drains the backoff retry queue at a finer grain than the
// decide ticker, so a domain that failed on a Transport error gets
// re-attempted as soon as its backoff elapses rather than waiting for
// the next regular tick.
func (d *Daemon) runRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range d.RetryQueue.DrainReady() {
				d.Decider.DecideOne(ctx, e.Owner, e.DomainID)
			}
		}
	}
}

// runMetricsLoop refreshes gauges that reflect point-in-time state
// rather than discrete events: circuit breaker state and PDC's
// process/queue counts.
func (d *Daemon) runMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshMetrics(ctx)
		}
	}
}

func (d *Daemon) refreshMetrics(ctx context.Context) {
	snap := d.PDC.Dump(ctx)
	counts := map[domain.ProcessState]int{}
	for _, p := range snap.Processes {
		counts[p.State]++
	}
	for state, n := range counts {
		metrics.ProcessesByState.WithLabelValues(state.String()).Set(float64(n))
	}
	metrics.QueueDepth.Set(float64(len(snap.Queue)))

	d.refreshInstanceMetrics()

	if pc, ok := d.Decider.Provisioner.(*httpclients.ProvisionerClient); ok {
		setBreakerGauge("provisioner", pc.Breaker)
	}
}

// refreshInstanceMetrics recomputes the instance-by-state gauge across
// every domain this worker owns.
func (d *Daemon) refreshInstanceMetrics() {
	domains, err := d.Store.ListDomainsByOwner(d.Config.Node.Owner)
	if err != nil {
		log.Printf("[daemon] refresh instance metrics: %v", err)
		return
	}
	for _, dom := range domains {
		instances, err := d.Store.GetInstances(dom.Owner, dom.DomainID)
		if err != nil {
			log.Printf("[daemon] refresh instance metrics for %s/%s: %v", dom.Owner, dom.DomainID, err)
			continue
		}
		counts := map[domain.InstanceState]int{}
		for _, inst := range instances {
			counts[inst.State]++
		}
		domainLabel := dom.Owner + "/" + dom.DomainID
		for state, n := range counts {
			metrics.InstancesByState.WithLabelValues(domainLabel, state.String()).Set(float64(n))
		}
	}
}

func setBreakerGauge(name string, cb *healing.CircuitBreaker) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(cb.State()))
}
