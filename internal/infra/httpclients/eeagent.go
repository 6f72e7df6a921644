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

// EEAgentClient implements domain.EEAgentClient against a per-node
// execution engine agent's HTTP API.
type EEAgentClient struct {
	HTTP     *http.Client
	Breaker  *healing.CircuitBreaker
	eeagentURL func(eeID string) string
}

var _ domain.EEAgentClient = (*EEAgentClient)(nil)

// NewEEAgentClient builds a client that resolves each ee_id to a URL via
// urlFor (execution engine agents are addressed individually, unlike the
// provisioner's single base URL), circuit-broken per cbCfg.
func NewEEAgentClient(urlFor func(eeID string) string, cbCfg healing.CircuitBreakerConfig) *EEAgentClient {
	return &EEAgentClient{
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		Breaker:    healing.NewCircuitBreaker("eeagent", cbCfg),
		eeagentURL: urlFor,
	}
}

type launchRequest struct {
	UPID  string            `json:"upid"`
	Round int               `json:"round"`
	Spec  domain.ProcessSpec `json:"spec"`
}

// LaunchProcess asks an execution engine agent to launch a process.
func (c *EEAgentClient) LaunchProcess(ctx context.Context, eeID, upid string, round int, spec domain.ProcessSpec) error {
	body, err := json.Marshal(launchRequest{UPID: upid, Round: round, Spec: spec})
	if err != nil {
		return fmt.Errorf("marshal launch request: %w", err)
	}
	err = c.Breaker.Call(func() error {
		return c.post(ctx, eeID, "/processes/launch", body)
	})
	if err != nil {
		return domain.NewTransportError("httpclients.LaunchProcess", err)
	}
	return nil
}

type upidRoundRequest struct {
	UPID  string `json:"upid"`
	Round int    `json:"round"`
}

// TerminateProcess asks an execution engine agent to terminate a process.
func (c *EEAgentClient) TerminateProcess(ctx context.Context, eeID, upid string, round int) error {
	body, _ := json.Marshal(upidRoundRequest{UPID: upid, Round: round})
	err := c.Breaker.Call(func() error {
		return c.post(ctx, eeID, "/processes/terminate", body)
	})
	if err != nil {
		return domain.NewTransportError("httpclients.TerminateProcess", err)
	}
	return nil
}

// CleanupProcess asks an execution engine agent to drop bookkeeping for a
// process that has already exited.
func (c *EEAgentClient) CleanupProcess(ctx context.Context, eeID, upid string, round int) error {
	body, _ := json.Marshal(upidRoundRequest{UPID: upid, Round: round})
	err := c.Breaker.Call(func() error {
		return c.post(ctx, eeID, "/processes/cleanup", body)
	})
	if err != nil {
		return domain.NewTransportError("httpclients.CleanupProcess", err)
	}
	return nil
}

func (c *EEAgentClient) post(ctx context.Context, eeID, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eeagentURL(eeID)+path, bytes.NewReader(body))
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
		return fmt.Errorf("eeagent %s %s: HTTP %d", eeID, path, resp.StatusCode)
	}
	return nil
}
