// Package gateway wraps outbound calls to the remote Wampums API.
//
// Every call attaches the bearer credential and tenant header from the
// injected session provider. Failures are classified into the taxonomy in
// errors.go; the offline classification is the sole signal domain services
// use to decide whether to queue a mutation instead of surfacing an error.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Header names on every outbound request.
const (
	headerOrganization   = "X-Organization-ID"
	headerIdempotencyKey = "X-Idempotency-Key"
)

// maxResponseBody bounds how much of a response is read into memory.
const maxResponseBody = 8 << 20 // 8 MiB

// Response is a parsed API reply. The wire shape is a JSON object
// {success, message?, ...payload}; payload fields stay in Body.
type Response struct {
	HTTPStatus int
	Success    bool
	Message    string
	Body       json.RawMessage
	Header     http.Header
}

// envelope is the portion of the wire shape the gateway itself interprets.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Gateway issues classified HTTP calls against one API base URL.
type Gateway struct {
	baseURL string
	client  *http.Client
	session SessionProvider
	monitor *Monitor
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the HTTP client (timeouts, transport).
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithMonitor attaches a connectivity monitor. When attached, calls made
// while the monitor reports offline fail fast with an offline error, and a
// transport failure flips the monitor offline.
func WithMonitor(m *Monitor) Option {
	return func(g *Gateway) {
		g.monitor = m
	}
}

// New creates a Gateway for the given API base URL.
func New(baseURL string, session SessionProvider, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		session: session,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BaseURL returns the API base URL the gateway targets.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// RequestOption adjusts a single request.
type RequestOption func(*http.Request)

// WithIdempotencyKey attaches the replay idempotency key header.
func WithIdempotencyKey(key string) RequestOption {
	return func(req *http.Request) {
		if key != "" {
			req.Header.Set(headerIdempotencyKey, key)
		}
	}
}

// Do issues one API call. The path may carry a query string. A nil body
// sends no payload; otherwise body is sent as JSON.
//
// Error classification:
//   - transport failure or monitor-reported offline state: offline
//   - 401: unauthorized, after clearing the session (global side effect)
//   - other 4xx: client error
//   - 5xx: server error
func (g *Gateway) Do(ctx context.Context, method, path string, body []byte, opts ...RequestOption) (*Response, error) {
	if g.monitor != nil && !g.monitor.Online() {
		return nil, NewOfflineError(nil)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	url := g.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := g.session.Token(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if org, ok := g.session.Organization(ctx); ok {
		req.Header.Set(headerOrganization, org)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if g.monitor != nil {
			g.monitor.SetOnline(false)
		}
		slog.Debug("request transport failure", "method", method, "path", path, "error", err)
		return nil, NewOfflineError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if g.monitor != nil {
			g.monitor.SetOnline(false)
		}
		return nil, NewOfflineError(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Deliberate global side effect: any 401 anywhere resets the session.
		if clearErr := g.session.Clear(ctx); clearErr != nil {
			slog.Error("session clear after 401 failed", "error", clearErr)
		}
		return nil, NewHTTPError(resp.StatusCode, serverMessage(raw))
	}
	if resp.StatusCode >= 400 {
		return nil, NewHTTPError(resp.StatusCode, serverMessage(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Not an envelope-shaped body; a 2xx still counts as success.
		env = envelope{Success: true}
	}

	return &Response{
		HTTPStatus: resp.StatusCode,
		Success:    env.Success,
		Message:    env.Message,
		Body:       json.RawMessage(raw),
		Header:     resp.Header,
	}, nil
}

// Get issues a GET request.
func (g *Gateway) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Post issues a POST request with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body []byte, opts ...RequestOption) (*Response, error) {
	return g.Do(ctx, http.MethodPost, path, body, opts...)
}

// serverMessage extracts the message field from an error body, if any.
func serverMessage(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Message
}
