package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	api "github.com/fyrsmithlabs/todosync/internal/http"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
)

const maxErrorBody = 64 * 1024

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to a running todosync daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the daemon URL the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Status calls GET /api/v1/queue/status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/queue/status", nil, &out)
	return out, err
}

// Operations lists pending operations in replay order.
func (c *Client) Operations(ctx context.Context) ([]api.OperationView, error) {
	var out []api.OperationView
	err := c.do(ctx, http.MethodGet, "/api/v1/queue/operations", nil, &out)
	return out, err
}

// Enqueue queues a raw operation and returns its id.
func (c *Client) Enqueue(ctx context.Context, req api.EnqueueRequest) (string, error) {
	var out api.EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queue/operations", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Discard removes one pending operation without applying it.
func (c *Client) Discard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/queue/operations/"+url.PathEscape(id), nil, nil)
}

// Retry attempts one pending operation now.
func (c *Client) Retry(ctx context.Context, id string) (syncengine.Outcome, error) {
	var out syncengine.Outcome
	err := c.do(ctx, http.MethodPost, "/api/v1/queue/operations/"+url.PathEscape(id)+"/retry", nil, &out)
	return out, err
}

// Sync forces a drain pass.
func (c *Client) Sync(ctx context.Context) (api.SyncResponse, error) {
	var out api.SyncResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/queue/sync", nil, &out)
	return out, err
}

// Clear discards every pending operation and returns how many were removed.
func (c *Client) Clear(ctx context.Context) (int, error) {
	var out api.ClearResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queue/clear", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// ClearErrors empties the status error list.
func (c *Client) ClearErrors(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/queue/errors", nil, nil)
}

// SetNetworkHint reports the platform network state to the daemon.
func (c *Client) SetNetworkHint(ctx context.Context, online bool) (connectivity.State, error) {
	var out connectivity.State
	err := c.do(ctx, http.MethodPut, "/api/v1/connectivity/hint", api.HintRequest{Online: &online}, &out)
	return out, err
}

// Probe asks the daemon to test reachability now.
func (c *Client) Probe(ctx context.Context) (api.ProbeResponse, error) {
	var out api.ProbeResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/connectivity/probe", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
