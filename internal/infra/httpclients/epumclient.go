package httpclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/healing"
)

// EPUMClient implements domain.EPUMClient, PDC's outbound seam back into
// EPUM for base-need registration.
type EPUMClient struct {
	BaseURL string
	HTTP    *http.Client
	Breaker *healing.CircuitBreaker
}

var _ domain.EPUMClient = (*EPUMClient)(nil)

// NewEPUMClient builds a client pointed at an EPUM HTTP surface,
// circuit-broken per cbCfg.
func NewEPUMClient(baseURL string, cbCfg healing.CircuitBreakerConfig) *EPUMClient {
	return &EPUMClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Breaker: healing.NewCircuitBreaker("epum", cbCfg),
	}
}

type registerNeedRequest struct {
	DeployableType string            `json:"deployable_type"`
	Constraints    domain.Constraints `json:"constraints,omitempty"`
	BaseNeed       int               `json:"base_need"`
	OwnerName      string            `json:"owner_name"`
	SubscriberOp   string            `json:"subscriber_op"`
}

// RegisterNeed registers a base-need subscription with EPUM on PDC's
// behalf, grounded on epum_client.register_need in processdispatcher/core.py.
func (c *EPUMClient) RegisterNeed(ctx context.Context, deployableType string, constraints domain.Constraints, baseNeed int, ownerName, subscriberOp string) error {
	body, err := json.Marshal(registerNeedRequest{
		DeployableType: deployableType,
		Constraints:    constraints,
		BaseNeed:       baseNeed,
		OwnerName:      ownerName,
		SubscriberOp:   subscriberOp,
	})
	if err != nil {
		return fmt.Errorf("marshal register-need request: %w", err)
	}

	err = c.Breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/needs/register", bytes.NewReader(body))
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
			return fmt.Errorf("epum register-need: HTTP %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return domain.NewTransportError("httpclients.RegisterNeed", err)
	}
	return nil
}
