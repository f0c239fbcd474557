// Package n8nclient talks to the workflow automation provider's REST API.
// It is the single outbound path for workflow listing, activation,
// deactivation, and execution history.
package n8nclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	agerrors "antigravity/internal/errors"
	"antigravity/internal/logging"
	jsonx "antigravity/internal/shared/json"
)

const apiKeyHeader = "X-N8N-API-KEY"

// Workflow is one remote automation.
type Workflow struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Execution is one workflow run record.
type Execution struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflowId"`
	WorkflowName string `json:"workflowName"`
	Finished     bool   `json:"finished"`
	Status       string `json:"status"`
	StartedAt    string `json:"startedAt"`
}

// Client is a provider API client. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  logging.Logger
}

// New builds a Client for baseURL authenticating with apiKey.
func New(baseURL, apiKey string, timeout time.Duration, logger logging.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logging.OrNop(logger),
	}
}

// BaseURL returns the configured provider root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, err
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// ListWorkflows returns every workflow visible to the API key.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	data, status, err := c.do(ctx, http.MethodGet, "/api/v1/workflows", nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: provider returned 401", agerrors.ErrAuthFailure)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list workflows: status %d", status)
	}

	var payload struct {
		Data []Workflow `json:"data"`
	}
	if err := jsonx.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return payload.Data, nil
}

// ListExecutions returns up to limit recent executions.
func (c *Client) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 250
	}
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	data, status, err := c.do(ctx, http.MethodGet, "/api/v1/executions", query, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: provider returned 401", agerrors.ErrAuthFailure)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list executions: status %d", status)
	}

	var payload struct {
		Data []Execution `json:"data"`
	}
	if err := jsonx.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return payload.Data, nil
}

// Activate turns a workflow on.
func (c *Client) Activate(ctx context.Context, workflowID string) error {
	return c.toggle(ctx, workflowID, "activate")
}

// Deactivate turns a workflow off.
func (c *Client) Deactivate(ctx context.Context, workflowID string) error {
	return c.toggle(ctx, workflowID, "deactivate")
}

func (c *Client) toggle(ctx context.Context, workflowID, verb string) error {
	path := fmt.Sprintf("/api/v1/workflows/%s/%s", workflowID, verb)
	_, status, err := c.do(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%w: provider returned 401", agerrors.ErrAuthFailure)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s %s: status %d", verb, workflowID, status)
	}
	c.logger.Debug("Workflow %s: %s ok", workflowID, verb)
	return nil
}

// Reachability probes the API root and classifies the result for preflight:
// "ok" on 200, "auth" on 401, "degraded" otherwise, error on no connection.
func (c *Client) Reachability(ctx context.Context) (string, error) {
	_, status, err := c.do(ctx, http.MethodGet, "/api/v1/workflows", url.Values{"limit": []string{"1"}}, nil)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		return "ok", nil
	case http.StatusUnauthorized:
		return "auth", nil
	default:
		return "degraded", nil
	}
}

// WebhookURL returns the canonical ID-based webhook form for a workflow.
func (c *Client) WebhookURL(workflowID string) string {
	return c.baseURL + "/webhook/" + workflowID
}
