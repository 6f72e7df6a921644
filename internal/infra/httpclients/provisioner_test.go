package httpclients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oldpatricka/epu/internal/infra/healing"
)

func TestProvisionerClient_ProvisionInstance(t *testing.T) {
	var gotBody provisionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/provision" {
			t.Errorf("path = %q, want /provision", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewProvisionerClient(srv.URL, healing.DefaultCircuitBreakerConfig())
	id, err := c.ProvisionInstance(context.Background(), "site-a", "small", "dt-epu-worker", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("ProvisionInstance() error = %v", err)
	}
	if id == "" {
		t.Fatal("ProvisionInstance() returned empty instance id")
	}
	if gotBody.InstanceID != id {
		t.Errorf("request InstanceID = %q, want %q", gotBody.InstanceID, id)
	}
	if gotBody.Site != "site-a" || gotBody.Allocation != "small" || gotBody.DeployableType != "dt-epu-worker" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestProvisionerClient_ProvisionInstance_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewProvisionerClient(srv.URL, healing.DefaultCircuitBreakerConfig())
	_, err := c.ProvisionInstance(context.Background(), "site-a", "small", "dt-epu-worker", nil)
	if err == nil {
		t.Fatal("expected error on HTTP 500, got nil")
	}
}

func TestProvisionerClient_TerminateInstances(t *testing.T) {
	var gotBody terminateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/terminate" {
			t.Errorf("path = %q, want /terminate", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewProvisionerClient(srv.URL, healing.DefaultCircuitBreakerConfig())
	if err := c.TerminateInstances(context.Background(), []string{"i-1", "i-2"}); err != nil {
		t.Fatalf("TerminateInstances() error = %v", err)
	}
	if len(gotBody.InstanceIDs) != 2 {
		t.Errorf("InstanceIDs = %v, want 2 entries", gotBody.InstanceIDs)
	}
}

func TestProvisionerClient_CircuitOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewProvisionerClient(srv.URL, healing.DefaultCircuitBreakerConfig())
	for i := 0; i < 5; i++ {
		c.ProvisionInstance(context.Background(), "s", "a", "dt", nil)
	}
	// Threshold (default 5) reached; the breaker should now reject locally
	// without hitting the server again.
	if c.Breaker.State().String() != "OPEN" {
		t.Errorf("breaker state = %s, want OPEN", c.Breaker.State())
	}
}
