// Package api provides the HTTP control surface for epud: domain CRUD
// and configuration, instance-state/heartbeat ingestion, need
// registration, and the Process Dispatcher Core's process and node
// routes, plus health and Prometheus endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/epum"
	"github.com/oldpatricka/epu/internal/health"
	"github.com/oldpatricka/epu/internal/infra/cache"
	"github.com/oldpatricka/epu/internal/pdc"
)

// Server is epud's HTTP API server. It holds no state of its own beyond
// references to the already-running reactor/decider/PDC components; all
// mutation happens through them.
type Server struct {
	reactor        *epum.Reactor
	decider        *epum.Decider
	needs          *epum.NeedTranslator
	core           *pdc.Core
	healthChecker  *health.Checker
	domainCache    *cache.DomainCache
	metricsEnabled bool
}

// NewServer constructs a Server over the daemon's already-wired
// components. domainCache may be nil when Redis isn't configured.
func NewServer(reactor *epum.Reactor, decider *epum.Decider, needs *epum.NeedTranslator, core *pdc.Core, healthChecker *health.Checker, domainCache *cache.DomainCache, metricsEnabled bool) *Server {
	return &Server{
		reactor:        reactor,
		decider:        decider,
		needs:          needs,
		core:           core,
		healthChecker:  healthChecker,
		domainCache:    domainCache,
		metricsEnabled: metricsEnabled,
	}
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/domains/{owner}", func(r chi.Router) {
		r.Post("/", s.handleAddDomain)
		r.Get("/", s.handleListDomains)
		r.Route("/{domainID}", func(r chi.Router) {
			r.Get("/", s.handleDescribeDomain)
			r.Delete("/", s.handleRemoveDomain)
			r.Get("/config", s.handleDomainConfig)
			r.Post("/reconfigure", s.handleReconfigureDomain)
			r.Post("/subscribers", s.handleAddSubscriber)
			r.Delete("/subscribers/{name}", s.handleRemoveSubscriber)
		})
	})

	r.Post("/instances/state", s.handleInstanceState)
	r.Post("/instances/heartbeat", s.handleInstanceHeartbeat)

	r.Post("/needs/register", s.handleRegisterNeed)
	r.Post("/needs/retire", s.handleRetireNode)

	r.Post("/processes", s.handleDispatchProcess)
	r.Delete("/processes/{upid}", s.handleTerminateProcess)
	r.Post("/dt_state", s.handleDtState)
	r.Post("/ee_heartbeat", s.handleEEHeartbeat)
	r.Get("/dump", s.handleDump)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthChecker.Statuses()
	status := http.StatusOK
	if !s.healthChecker.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": s.healthChecker.IsHealthy(),
		"checks":  statuses,
	})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
		},
	})
}

// writeFieldErrors writes a 400 response carrying per-field validation
// failures from internal/infra/validate.
func writeFieldErrors(w http.ResponseWriter, fields any) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"message": "validation failed",
			"fields":  fields,
		},
	})
}

// statusForError maps a Kind-tagged domain error to the HTTP status
// spec.md §7's synchronous-failure classes warrant: NotFound/Configuration
// fail the request, anything else is an internal error since Transport
// and Invariant failures are the decider's concern, not the caller's.
func statusForError(err error) int {
	kind, ok := domain.ErrorKind(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyExists:
		return http.StatusConflict
	case domain.KindConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds permissive CORS headers for local dashboards/tools.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
