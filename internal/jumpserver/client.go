package jumpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/yourorg/connectbox/agent/internal/config"
)

// maxBody bounds how much of a response is read
const maxBody = 1 << 20

// Client talks to the jump server's HTTP API
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for cfg.ServerURL. When cfg.RequestRate is
// positive, outgoing requests are paced to that many per second.
func NewClient(cfg *config.Config, opts ...ClientOption) *Client {
	limit := rate.Inf
	burst := 0
	if cfg.RequestRate > 0 {
		limit = rate.Limit(cfg.RequestRate)
		burst = 1
	}

	c := &Client{
		baseURL: cfg.ServerURL,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestAuth registers the device and returns the server's acknowledgment
func (c *Client) RequestAuth(ctx context.Context, req AuthRequest) (RegistrationAck, error) {
	const op = "request-auth"
	endpoint := c.baseURL + "/api/request-auth"

	body, err := json.Marshal(req)
	if err != nil {
		return RegistrationAck{}, &NetworkError{Op: op, URL: endpoint, Err: err}
	}

	var fields map[string]json.RawMessage
	if err := c.do(ctx, op, http.MethodPost, endpoint, body, &fields); err != nil {
		return RegistrationAck{}, err
	}

	raw, ok := fields["status"]
	if !ok {
		return RegistrationAck{}, &NetworkError{Op: op, URL: endpoint, Err: errors.New("response has no status field")}
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		// Non-string statuses are passed through verbatim.
		status = string(raw)
	}

	slog.Debug("Registration acknowledged", "status", status)
	return RegistrationAck{Status: status, Fields: fields}, nil
}

// IsAuthed asks whether hostname has been approved
func (c *Client) IsAuthed(ctx context.Context, hostname string) (AuthStatus, error) {
	const op = "is-authed"
	endpoint := c.baseURL + "/api/is-authed?" + url.Values{"hostname": {hostname}}.Encode()

	var resp isAuthedResponse
	if err := c.do(ctx, op, http.MethodGet, endpoint, nil, &resp); err != nil {
		return AuthStatus{}, err
	}
	return resp.toStatus(), nil
}

// Ping signals liveness for hostname. Any 2xx response is success.
func (c *Client) Ping(ctx context.Context, hostname string) error {
	endpoint := c.baseURL + "/api/ping/" + url.PathEscape(hostname)
	return c.do(ctx, "ping", http.MethodPost, endpoint, nil, nil)
}

// do performs one request and decodes a JSON response into out when out
// is non-nil
func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &NetworkError{Op: op, URL: endpoint, Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &NetworkError{Op: op, URL: endpoint, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &NetworkError{Op: op, URL: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{
			Op:         op,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: op, URL: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid JSON response: %w", err)}
	}
	return nil
}
