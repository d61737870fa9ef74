// Package spawndsdk is a minimal typed client for the spawnd HTTP API.
package spawndsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a spawnd server. Spawns run synchronously, so the client
// timeout must cover the worker's budget; zero disables it.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

// AgentType mirrors the API agent type model.
type AgentType struct {
	AgentType             string   `json:"agent_type"`
	ModelTier             string   `json:"model_tier"`
	Description           string   `json:"description,omitempty"`
	AllowedTools          []string `json:"allowed_tools,omitempty"`
	DeniedTools           []string `json:"denied_tools,omitempty"`
	CapabilityServers     []string `json:"capability_servers,omitempty"`
	WorkspaceJailTemplate string   `json:"workspace_jail_template"`
	ReadOnly              bool     `json:"read_only"`
	CostPerTaskUSD        float64  `json:"cost_per_task_usd"`
}

// SpawnResult mirrors the terminal result of one spawn.
type SpawnResult struct {
	Status               string  `json:"status"`
	Output               string  `json:"output,omitempty"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ExitCode             *int    `json:"exit_code,omitempty"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	StartedAt            string  `json:"started_at"`
	CompletedAt          string  `json:"completed_at"`
}

// AuditRecord mirrors one audit row.
type AuditRecord struct {
	ID           string `json:"id"`
	AgentType    string `json:"agent_type"`
	Task         string `json:"task"`
	WorkspaceDir string `json:"workspace_dir"`
	JailRoot     string `json:"jail_root,omitempty"`
	RequestedBy  string `json:"requested_by,omitempty"`
	SpawnResult
	CreatedAt string `json:"created_at"`
}

// CostSummary mirrors the per-agent-type aggregate.
type CostSummary struct {
	AgentType    string  `json:"agent_type"`
	Spawns       int     `json:"spawns"`
	Successes    int     `json:"successes"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalSeconds float64 `json:"total_seconds"`
}

// AuditFilter narrows ListAudit results; zero values mean no constraint.
type AuditFilter struct {
	AgentType    string
	WorkspaceDir string
	Status       string
	Since        string
	Until        string
	Limit        int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListAgentTypes returns the registered agent types.
func (c *Client) ListAgentTypes(ctx context.Context) ([]AgentType, error) {
	var resp []AgentType
	err := c.do(ctx, http.MethodGet, "v0/agent-types", nil, &resp)
	return resp, err
}

// SpawnAgent runs one task and returns its terminal result. A nil
// timeoutSeconds uses the server's configured default.
func (c *Client) SpawnAgent(ctx context.Context, agentType, task, workspaceDir string, timeoutSeconds *int) (SpawnResult, error) {
	body := map[string]any{
		"agent_type":    agentType,
		"task":          task,
		"workspace_dir": workspaceDir,
	}
	if timeoutSeconds != nil {
		body["timeout_seconds"] = *timeoutSeconds
	}
	var resp SpawnResult
	err := c.do(ctx, http.MethodPost, "v0/spawns", body, &resp)
	return resp, err
}

// ReloadRegistry asks the server to re-read its agent type registry file.
// It returns the number of agent types now serving.
func (c *Client) ReloadRegistry(ctx context.Context) (int, error) {
	var resp struct {
		AgentTypes int `json:"agent_types"`
	}
	err := c.do(ctx, http.MethodPost, "v0/registry/reload", nil, &resp)
	return resp.AgentTypes, err
}

// ListAudit queries audit records, newest first.
func (c *Client) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	q := url.Values{}
	if f.AgentType != "" {
		q.Set("agent_type", f.AgentType)
	}
	if f.WorkspaceDir != "" {
		q.Set("workspace_dir", f.WorkspaceDir)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Since != "" {
		q.Set("since", f.Since)
	}
	if f.Until != "" {
		q.Set("until", f.Until)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "v0/audit"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetAuditRecord fetches one audit record by id.
func (c *Client) GetAuditRecord(ctx context.Context, id string) (AuditRecord, error) {
	var resp AuditRecord
	err := c.do(ctx, http.MethodGet, "v0/audit/records/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AuditSummary aggregates cost and outcomes per agent type, optionally
// bounded to records started at or after since (RFC3339).
func (c *Client) AuditSummary(ctx context.Context, since string) ([]CostSummary, error) {
	endpoint := "v0/audit/summary"
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}
	var resp []CostSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
