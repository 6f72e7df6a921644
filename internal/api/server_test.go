package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/epum"
	"github.com/oldpatricka/epu/internal/health"
	"github.com/oldpatricka/epu/internal/infra/needy"
	"github.com/oldpatricka/epu/internal/infra/registry"
	"github.com/oldpatricka/epu/internal/infra/store"
	"github.com/oldpatricka/epu/internal/pdc"
)

type noopSubscriber struct{}

func (noopSubscriber) NotifyByName(ctx context.Context, name, op string, n domain.InstanceNotification) error {
	return nil
}

type noopProvisioner struct{}

func (noopProvisioner) ProvisionInstance(ctx context.Context, site, allocation, deployableType string, extraVars map[string]any) (string, error) {
	return "inst-1", nil
}

func (noopProvisioner) TerminateInstances(ctx context.Context, instanceIDs []string) error { return nil }

type noopEEClient struct{}

func (noopEEClient) LaunchProcess(ctx context.Context, eeID, upid string, round int, spec domain.ProcessSpec) error {
	return nil
}
func (noopEEClient) TerminateProcess(ctx context.Context, eeID, upid string, round int) error {
	return nil
}
func (noopEEClient) CleanupProcess(ctx context.Context, eeID, upid string, round int) error { return nil }

type noopEPUMClient struct{}

func (noopEPUMClient) RegisterNeed(ctx context.Context, deployableType string, constraints domain.Constraints, baseNeed int, ownerName, subscriberOp string) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sub := noopSubscriber{}
	reactor := epum.NewReactor(db, sub)
	needs := epum.NewNeedTranslator(db, "acme")
	decider := epum.NewDecider(db, noopProvisioner{}, func(owner, domainID string) bool { return true },
		func(conf domain.Config) (domain.Engine, error) { return needy.New(), nil })

	core := pdc.New("node-1", registry.New(), noopEEClient{}, noopEPUMClient{}, sub)
	ctx, cancel := context.WithCancel(context.Background())
	core.Start(ctx)
	t.Cleanup(func() { core.Stop(); cancel() })

	healthChecker := health.NewChecker(db, dir, nil)

	return NewServer(reactor, decider, needs, core, healthChecker, nil, false)
}

func doRequest(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	return w
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestAPI_AddAndDescribeDomain(t *testing.T) {
	srv := newTestServer(t)

	body := `{"domain_id": "d1", "engine": {"preserve_n": 2}}`
	w := doRequest(srv, http.MethodPost, "/domains/acme", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("add domain status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/domains/acme/d1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("describe domain status = %d, body=%s", w.Code, w.Body.String())
	}
	var desc domain.DomainDescription
	if err := json.Unmarshal(w.Body.Bytes(), &desc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if desc.Engine["preserve_n"].(float64) != 2 {
		t.Errorf("preserve_n = %v, want 2", desc.Engine["preserve_n"])
	}
}

func TestAPI_AddDomainDuplicateConflicts(t *testing.T) {
	srv := newTestServer(t)
	body := `{"domain_id": "d1"}`
	doRequest(srv, http.MethodPost, "/domains/acme", body)

	w := doRequest(srv, http.MethodPost, "/domains/acme", body)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestAPI_AddDomainMissingDomainID(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/domains/acme", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPI_ReconfigureDomain(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv, http.MethodPost, "/domains/acme", `{"domain_id": "d1", "engine": {"preserve_n": 1}}`)

	w := doRequest(srv, http.MethodPost, "/domains/acme/d1/reconfigure", `{"engine": {"preserve_n": 5}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/domains/acme/d1", "")
	var desc domain.DomainDescription
	json.Unmarshal(w.Body.Bytes(), &desc)
	if desc.Engine["preserve_n"].(float64) != 5 {
		t.Errorf("preserve_n = %v, want 5", desc.Engine["preserve_n"])
	}
}

func TestAPI_SubscribeAndUnsubscribe(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv, http.MethodPost, "/domains/acme", `{"domain_id": "d1"}`)

	w := doRequest(srv, http.MethodPost, "/domains/acme/d1/subscribers", `{"name": "slack-ops", "op": "dt_state"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("subscribe status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodDelete, "/domains/acme/d1/subscribers/slack-ops", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestAPI_RemoveDomain(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv, http.MethodPost, "/domains/acme", `{"domain_id": "d1"}`)

	w := doRequest(srv, http.MethodDelete, "/domains/acme/d1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/domains/acme/d1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPI_RegisterAndRetireNeed(t *testing.T) {
	srv := newTestServer(t)

	body := `{"deployable_type": "worker", "base_need": 3, "owner_name": "node-1", "subscriber_op": "dt_state", "constraints": {"iaas_site": "az1", "iaas_allocation": "small"}}`
	w := doRequest(srv, http.MethodPost, "/needs/register", body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("register status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/domains/acme", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list domains status = %d", w.Code)
	}
	var domains []*domain.Domain
	json.Unmarshal(w.Body.Bytes(), &domains)
	if len(domains) != 1 {
		t.Fatalf("len(domains) = %d, want 1", len(domains))
	}

	w = doRequest(srv, http.MethodPost, "/needs/retire", `{"instance_id": "nonexistent"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("retire unknown instance status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPI_DispatchAndTerminateProcess(t *testing.T) {
	srv := newTestServer(t)

	body := `{"upid": "p1", "spec": {"run_type": "supervisord"}}`
	w := doRequest(srv, http.MethodPost, "/processes", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("dispatch status = %d, body=%s", w.Code, w.Body.String())
	}
	var rec domain.ProcessRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.UPID != "p1" {
		t.Errorf("upid = %q, want p1", rec.UPID)
	}

	w = doRequest(srv, http.MethodDelete, "/processes/p1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("terminate status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestAPI_TerminateUnknownProcessNotFound(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodDelete, "/processes/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPI_DtStateAndDump(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/dt_state", `{"node_id": "n1", "state": 3}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("dt_state status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/dump", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dump status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestAPI_CORS(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodOptions, "/domains/acme", "")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS: Access-Control-Allow-Origin should be *")
	}
}
