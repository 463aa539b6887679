package remote

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

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 10
	defaultBurst     = 5
	maxResponseSize  = 4 * 1024 * 1024
	restPathPrefix   = "/rest/v1/"
)

// RESTConfig configures RESTClient.
type RESTConfig struct {
	BaseURL   string
	APIKey    config.Secret
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// RESTClient talks to a PostgREST-style backend:
//
//	POST   /rest/v1/{table}           insert, returns [row]
//	PATCH  /rest/v1/{table}?id=eq.ID  update, returns [row]
//	DELETE /rest/v1/{table}?id=eq.ID  delete
//
// Requests carry the project API key and, when a token source is given, the
// signed-in user's bearer token.
type RESTClient struct {
	baseURL    string
	apiKey     config.Secret
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a REST client. tokens may be nil for anonymous access.
func NewRESTClient(cfg RESTConfig, tokens oauth2.TokenSource, logger *zap.Logger) (*RESTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid base URL %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultBurst
	}

	var transport http.RoundTripper = http.DefaultTransport
	if tokens != nil {
		transport = &oauth2.Transport{Source: tokens, Base: http.DefaultTransport}
	}

	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		logger:     logger,
	}, nil
}

// Insert implements Client.
func (c *RESTClient) Insert(ctx context.Context, table queue.Table, payload queue.Payload) (Entity, error) {
	start := time.Now()
	rows, err := c.do(ctx, http.MethodPost, table, "", payload)
	observe("insert", string(table), time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{StatusCode: http.StatusInternalServerError, Message: "insert returned no rows"}
	}
	return rows[0], nil
}

// Update implements Client.
func (c *RESTClient) Update(ctx context.Context, table queue.Table, id string, payload queue.Payload) (Entity, error) {
	start := time.Now()
	rows, err := c.do(ctx, http.MethodPatch, table, id, payload)
	observe("update", string(table), time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("%s %s not found", table, id)}
	}
	return rows[0], nil
}

// Delete implements Client.
func (c *RESTClient) Delete(ctx context.Context, table queue.Table, id string) error {
	start := time.Now()
	_, err := c.do(ctx, http.MethodDelete, table, id, nil)
	observe("delete", string(table), time.Since(start).Seconds(), err)
	return err
}

func (c *RESTClient) do(ctx context.Context, method string, table queue.Table, id string, payload queue.Payload) ([]Entity, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := c.baseURL + restPathPrefix + url.PathEscape(string(table))
	if id != "" {
		endpoint += "?id=eq." + url.QueryEscape(id)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodDelete {
		req.Header.Set("Prefer", "return=representation")
	}
	if c.apiKey.IsSet() {
		req.Header.Set("apikey", c.apiKey.Value())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var rows []Entity
	if err := json.Unmarshal(raw, &rows); err != nil {
		// Some deployments return a single object.
		var row Entity
		if err2 := json.Unmarshal(raw, &row); err2 != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		rows = []Entity{row}
	}

	c.logger.Debug("remote mutation applied",
		zap.String("method", method),
		zap.String("table", string(table)),
		zap.Int("status", resp.StatusCode))
	return rows, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func decodeError(status int, raw []byte) error {
	e := &Error{StatusCode: status}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		e.Code = body.Code
		e.Message = body.Message
		if body.Details != "" {
			e.Message += ": " + body.Details
		}
		return e
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(status)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	e.Message = msg
	return e
}

// AsError returns the backend error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var re *Error
	ok := errors.As(err, &re)
	return re, ok
}
