// Package client is the Go SDK for the coordination engine API. It
// holds the bearer token issued at registration and retries retryable
// failures (lock conflicts, rate limits, 5xx) with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RetryConfig holds backoff configuration.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryConfig returns sensible backoff defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Client talks to one coordination server on behalf of one agent.
type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryConfig

	token      string
	agentID    string
	adminToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry replaces the backoff configuration.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithToken resumes an existing registration instead of calling
// Register again.
func WithToken(agentID, token string) Option {
	return func(c *Client) {
		c.agentID = agentID
		c.token = token
	}
}

// WithAdminToken attaches the server's operator token, required for
// cross-project surfaces like AggregateMemory.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// New creates a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AgentID returns the registered agent's ID, empty before Register.
func (c *Client) AgentID() string { return c.agentID }

// Register registers this client as an agent and stores the issued
// token for subsequent calls.
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (*RegisterResult, error) {
	var out RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", opts, &out); err != nil {
		return nil, err
	}
	c.token = out.Token
	c.agentID = out.Agent.AgentID
	return &out, nil
}

// Heartbeat refreshes liveness. Call at the interval the server
// recommended at registration.
func (c *Client) Heartbeat(ctx context.Context, status string) (*Agent, error) {
	var out struct {
		Agent *Agent `json:"agent"`
	}
	body := map[string]string{"status": status}
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+c.agentID+"/heartbeat", body, &out)
	if err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// Unregister releases everything the agent holds and invalidates the
// token.
func (c *Client) Unregister(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+c.agentID, nil, nil)
}

// ListAgents lists live agents on this agent's project with the
// coordination summary.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, *CoordinationSummary, error) {
	var out struct {
		Agents       []Agent              `json:"agents"`
		Coordination *CoordinationSummary `json:"coordination"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Agents, out.Coordination, nil
}

// GetAgent fetches one agent on this agent's project.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+agentID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcquireLock requests a file lock. A conflict (409) is retried with
// backoff; if the holder does not release in time the conflict error is
// returned with the holder details intact.
func (c *Client) AcquireLock(ctx context.Context, filePath string, opts LockOptions) (*Lock, error) {
	body := map[string]any{
		"operation": "lock",
		"filePath":  filePath,
	}
	if opts.LockType != "" {
		body["lockType"] = opts.LockType
	}
	if opts.DurationSeconds > 0 {
		body["duration"] = opts.DurationSeconds
	}
	if opts.Reason != "" {
		body["reason"] = opts.Reason
	}

	var out Lock
	err := c.doRetry(ctx, http.MethodPost, "/api/v1/agents/"+c.agentID+"/files", body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseLock releases a lock this agent holds.
func (c *Client) ReleaseLock(ctx context.Context, filePath string) error {
	body := map[string]any{"operation": "unlock", "filePath": filePath}
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+c.agentID+"/files", body, nil)
}

// CheckLock reports the current holders of a path without acquiring.
func (c *Client) CheckLock(ctx context.Context, filePath string) (*LockState, error) {
	body := map[string]any{"operation": "check", "filePath": filePath}
	var out LockState
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+c.agentID+"/files", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HeldLocks lists the locks this agent currently holds.
func (c *Client) HeldLocks(ctx context.Context) ([]Lock, error) {
	var out struct {
		Locks []Lock `json:"locks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+c.agentID+"/files", nil, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// StoreMemory records a memory on this agent's project.
func (c *Client) StoreMemory(ctx context.Context, opts StoreMemoryOptions) (*Memory, error) {
	var out Memory
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+c.agentID+"/memory", opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryMemory queries this agent's project memory.
func (c *Client) QueryMemory(ctx context.Context, q MemoryQuery) ([]Memory, *MemorySummary, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.SinceMillis > 0 {
		params.Set("since", strconv.FormatInt(q.SinceMillis, 10))
	}
	if len(q.Tags) > 0 {
		params.Set("tags", strings.Join(q.Tags, ","))
	}
	if q.MinImportance > 0 {
		params.Set("minImportance", strconv.Itoa(q.MinImportance))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.WithSummary {
		params.Set("summary", "true")
	}

	path := "/api/v1/agents/" + c.agentID + "/memory"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Memories []Memory       `json:"memories"`
		Summary  *MemorySummary `json:"summary,omitempty"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Memories, out.Summary, nil
}

// Session fetches the agent's current session view.
func (c *Client) Session(ctx context.Context) (*SessionView, error) {
	var out SessionView
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+c.agentID+"/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AggregateMemory queries memory across several projects.
func (c *Client) AggregateMemory(ctx context.Context, projectKeys []string) ([]ProjectAggregate, error) {
	path := "/api/v1/memory/aggregate?projectKeys=" + url.QueryEscape(strings.Join(projectKeys, ","))
	var out struct {
		Projects []ProjectAggregate `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// envelope is the server's uniform response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}

	if !env.Success {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "internal_error", Message: "no error detail"}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// doRetry runs do with exponential backoff on retryable API errors.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		lastErr = c.do(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(lastErr, &apiErr) || !apiErr.Retryable() {
			return lastErr
		}
		if attempt == c.retry.MaxAttempts-1 {
			break
		}

		delay := time.Duration(float64(c.retry.BaseDelay) * math.Pow(2, float64(attempt)))
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
		if c.retry.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
