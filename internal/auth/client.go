// Package auth performs the registration handshake with the jump server
// and polls it until the device is approved.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/identity"
	"github.com/yourorg/connectbox/agent/internal/jumpserver"
	"github.com/yourorg/connectbox/agent/internal/metrics"
)

// API is the subset of the jump server client used here
type API interface {
	RequestAuth(ctx context.Context, req jumpserver.AuthRequest) (jumpserver.RegistrationAck, error)
	IsAuthed(ctx context.Context, hostname string) (jumpserver.AuthStatus, error)
}

// Client registers the device and polls for approval
type Client struct {
	api           API
	hostname      string
	requestedPort int
	notes         string
	interval      time.Duration
	clock         clock.Clock
	metrics       *metrics.Metrics
	emit          event.Emitter
}

// Option customizes a Client
type Option func(*Client)

// WithClock replaces the wall clock used between polls
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics attaches instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates an auth client
func NewClient(cfg *config.Config, api API, sink event.Sink, opts ...Option) *Client {
	c := &Client{
		api:           api,
		hostname:      cfg.Hostname,
		requestedPort: cfg.RequestedPort,
		notes:         cfg.Notes,
		interval:      cfg.PollInterval,
		clock:         clock.WallClock,
		emit:          event.Emitter{Sink: sink, Source: event.SourceAuth},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestAuthorization sends a single registration request carrying the
// device's public key. Failures are returned to the caller; there is no
// retry.
func (c *Client) RequestAuthorization(ctx context.Context, pair identity.KeyPair) (jumpserver.RegistrationAck, error) {
	if pair.PublicKey == "" {
		c.emit.Error("Cannot request auth: no public key")
		return jumpserver.RegistrationAck{}, errs.Precondition("no public key")
	}

	req := jumpserver.AuthRequest{
		Hostname:  c.hostname,
		Port:      c.requestedPort,
		PublicKey: pair.PublicKey,
		Notes:     c.notes,
	}

	slog.Info("Requesting authorization", "hostname", c.hostname)
	ack, err := c.api.RequestAuth(ctx, req)
	if err != nil {
		c.emit.Error("Auth request failed: %v", err)
		return jumpserver.RegistrationAck{}, err
	}

	c.emit.Info("Auth requested: %s", ack.Status)
	return ack, nil
}

// PollApproval starts a background loop that queries the approval status
// for hostname every poll interval and returns immediately. Errors and
// pending answers are reported as events and polling continues. On
// approval, onAuthorized is called once with the assigned port and the
// loop ends. Cancelling ctx is the only other way to stop it.
func (c *Client) PollApproval(ctx context.Context, hostname string, onAuthorized func(port int)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go c.poll(ctx, hostname, onAuthorized)
}

func (c *Client) poll(ctx context.Context, hostname string, onAuthorized func(port int)) {
	slog.Info("Polling for approval", "hostname", hostname, "interval", c.interval)

	for {
		if ctx.Err() != nil {
			c.cancelled(hostname)
			return
		}

		status, err := c.api.IsAuthed(ctx, hostname)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				c.cancelled(hostname)
				return
			}
			c.metrics.ObservePoll(metrics.ResultError)
			c.emit.Error("Error polling: %v", err)

		case status.State == jumpserver.ApprovalAuthorized:
			if ctx.Err() != nil {
				c.cancelled(hostname)
				return
			}
			c.metrics.ObservePoll(metrics.ResultAuthorized)
			slog.Info("Device authorized", "hostname", hostname, "port", status.Port)
			c.emit.Success("Authorized! Assigned port: %d", status.Port)
			if onAuthorized != nil {
				onAuthorized(status.Port)
			}
			return

		case status.Status == jumpserver.StatusAuthed:
			// Approved, but without a port the tunnel cannot be opened.
			c.metrics.ObservePoll(metrics.ResultError)
			slog.Warn("Authorized without a usable port", "hostname", hostname)
			c.emit.Error("Authorized without a usable port; still polling.")

		default:
			c.metrics.ObservePoll(metrics.ResultPending)
			c.emit.Info("Waiting for approval...")
		}

		select {
		case <-c.clock.After(c.interval):
		case <-ctx.Done():
			c.cancelled(hostname)
			return
		}
	}
}

func (c *Client) cancelled(hostname string) {
	slog.Info("Approval polling cancelled", "hostname", hostname)
	c.emit.Info("Polling cancelled.")
}
