// Package httpapi implements the session backend contract over HTTP, with
// Server-Sent Events for the per-work streams. It is the only package that
// knows the backend's URL layout; the core addresses it purely through the
// msession.Backend interface.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	msession "github.com/haowjy/meridian-session-go"
)

// Client talks to a session backend over HTTP. Non-streaming requests use a
// bounded-timeout client; subscriptions use a separate client with no
// timeout, since an SSE stream lives as long as the work it observes.
type Client struct {
	baseURL          string
	authToken        string
	httpClient       *http.Client
	streamClient     *http.Client
	heartbeatTimeout time.Duration
	logger           *slog.Logger

	// lastEventID remembers the newest event id seen per work id, replayed
	// via the Last-Event-ID header on reconnect. Diagnostics only; the
	// protocol replays full state regardless.
	lastEventID sync.Map
}

// Option customizes a Client.
type Option func(*Client)

// WithAuthToken sets the opaque bearer token forwarded on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithHTTPClient replaces the client used for non-streaming requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRequestTimeout sets the timeout for non-streaming requests.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHeartbeatTimeout sets how long a stream may stay silent before the
// connection is treated as dead. Zero disables the watchdog.
func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.heartbeatTimeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{Timeout: msession.DefaultRequestTimeout},
		streamClient:     &http.Client{},
		heartbeatTimeout: msession.DefaultHeartbeatTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds a backend client from a session config.
func FromConfig(cfg *msession.Config, opts ...Option) *Client {
	base := []Option{
		WithAuthToken(cfg.AuthToken),
		WithRequestTimeout(cfg.RequestTimeout),
		WithHeartbeatTimeout(cfg.HeartbeatTimeout),
	}
	return NewClient(cfg.BaseURL, append(base, opts...)...)
}

var _ msession.Backend = (*Client)(nil)

// startWorkRequest is the POST body for work creation.
type startWorkRequest struct {
	Input string `json:"input"`
}

// startWorkResponse is the backend's reply to work creation.
type startWorkResponse struct {
	WorkID string `json:"work_id"`
}

// StartWork schedules a unit of work; the backend returns its id
// immediately and continues in the background.
func (c *Client) StartWork(ctx context.Context, conversationID string, input string) (string, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/work", c.baseURL, conversationID)

	var out startWorkResponse
	if err := c.doJSON(ctx, http.MethodPost, url, startWorkRequest{Input: input}, &out); err != nil {
		return "", fmt.Errorf("start work: %w", err)
	}
	if out.WorkID == "" {
		return "", fmt.Errorf("start work: backend returned no work id")
	}

	c.logger.Debug("work started",
		"conversation_id", conversationID,
		"work_id", out.WorkID,
	)
	return out.WorkID, nil
}

// historyResponse wraps the turn list.
type historyResponse struct {
	Turns []msession.TurnRecord `json:"turns"`
}

// History returns the persisted turns of a conversation, oldest first.
func (c *Client) History(ctx context.Context, conversationID string) ([]msession.TurnRecord, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/turns", c.baseURL, conversationID)

	var out historyResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return out.Turns, nil
}

// Status returns the last known server-side state of a unit of work.
func (c *Client) Status(ctx context.Context, conversationID string, workID string) (*msession.WorkStatus, error) {
	url := fmt.Sprintf("%s/api/conversations/%s/work/%s/status", c.baseURL, conversationID, workID)

	var out msession.WorkStatus
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch work status: %w", err)
	}
	return &out, nil
}

// doJSON performs one request with a JSON body and decodes a JSON reply.
func (c *Client) doJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", msession.ErrNotFound, trimBody(data))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend error (status %d): %s", resp.StatusCode, trimBody(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// trimBody keeps error messages readable when the backend replies with a
// large payload.
func trimBody(data []byte) string {
	const max = 512
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
