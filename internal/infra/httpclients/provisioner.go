// Package httpclients implements EPUM's and PDC's outbound seams
// (domain.ProvisionerClient, domain.EEAgentClient, domain.EPUMClient) as
// plain net/http JSON clients, grounded on the request/response idiom in
// the teacher's internal/infra/registry/manager.go (http.NewRequest +
// http.Client.Do + json decoding). Every outbound call is wrapped in a
// healing.CircuitBreaker so a collaborator that is down stops being
// hammered, per spec.md §7's Transport error policy.
package httpclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/healing"
)

// ProvisionerClient implements domain.ProvisionerClient against an IaaS
// provisioner's HTTP API.
type ProvisionerClient struct {
	BaseURL string
	HTTP    *http.Client
	Breaker *healing.CircuitBreaker
}

var _ domain.ProvisionerClient = (*ProvisionerClient)(nil)

// NewProvisionerClient builds a client pointed at baseURL, circuit-broken
// per cbCfg (an operator-tunable threshold set, not the package default).
func NewProvisionerClient(baseURL string, cbCfg healing.CircuitBreakerConfig) *ProvisionerClient {
	return &ProvisionerClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Breaker: healing.NewCircuitBreaker("provisioner", cbCfg),
	}
}

type provisionRequest struct {
	InstanceID     string         `json:"instance_id"`
	Site           string         `json:"site"`
	Allocation     string         `json:"allocation"`
	DeployableType string         `json:"deployable_type"`
	ExtraVars      map[string]any `json:"extravars,omitempty"`
}

// ProvisionInstance asks the provisioner to launch one instance. The
// instance id is minted client-side with uuid so EPUM can record the
// REQUESTING instance row before the provisioner even acknowledges —
// mirroring launch_nodes in epumanagement/reactor.py, where the id is
// chosen by the caller, not handed back by the provisioner.
func (c *ProvisionerClient) ProvisionInstance(ctx context.Context, site, allocation, deployableType string, extraVars map[string]any) (string, error) {
	id := uuid.NewString()
	body, err := json.Marshal(provisionRequest{
		InstanceID:     id,
		Site:           site,
		Allocation:     allocation,
		DeployableType: deployableType,
		ExtraVars:      extraVars,
	})
	if err != nil {
		return "", fmt.Errorf("marshal provision request: %w", err)
	}

	err = c.Breaker.Call(func() error {
		return c.post(ctx, "/provision", body)
	})
	if err != nil {
		return "", domain.NewTransportError("httpclients.ProvisionInstance", err)
	}
	return id, nil
}

type terminateRequest struct {
	InstanceIDs []string `json:"instance_ids"`
}

// TerminateInstances asks the provisioner to tear down the given
// instances.
func (c *ProvisionerClient) TerminateInstances(ctx context.Context, instanceIDs []string) error {
	body, err := json.Marshal(terminateRequest{InstanceIDs: instanceIDs})
	if err != nil {
		return fmt.Errorf("marshal terminate request: %w", err)
	}
	err = c.Breaker.Call(func() error {
		return c.post(ctx, "/terminate", body)
	})
	if err != nil {
		return domain.NewTransportError("httpclients.TerminateInstances", err)
	}
	return nil
}

func (c *ProvisionerClient) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provisioner %s: HTTP %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}
