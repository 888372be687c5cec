// Package heartbeat periodically signals device liveness to the jump server.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/metrics"
)

// Pinger sends one liveness ping
type Pinger interface {
	Ping(ctx context.Context, hostname string) error
}

// Service runs at most one heartbeat loop at a time.
//
// Stop is cooperative: it clears the active flag and wakes the loop, but a
// ping already in flight is allowed to finish (and report) before the loop
// exits. Each Start begins a new loop generation with its own stop channel
// so a lingering previous loop never resumes.
type Service struct {
	api      Pinger
	interval time.Duration
	clock    clock.Clock
	metrics  *metrics.Metrics
	emit     event.Emitter

	mu     sync.Mutex
	active bool
	stop   chan struct{}
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the wall clock used between pings
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// WithMetrics attaches instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a stopped heartbeat service
func NewService(cfg *config.Config, api Pinger, sink event.Sink, opts ...Option) *Service {
	s := &Service{
		api:      api,
		interval: cfg.HeartbeatInterval,
		clock:    clock.WallClock,
		emit:     event.Emitter{Sink: sink, Source: event.SourceHeartbeat},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the heartbeat loop for hostname. Starting an already
// running service reports it and returns a precondition error without
// creating a second loop.
func (s *Service) Start(hostname string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.emit.Info("Heartbeat already running.")
		return errs.Precondition("heartbeat already running")
	}
	stop := make(chan struct{})
	s.active = true
	s.stop = stop
	s.mu.Unlock()

	s.metrics.SetHeartbeatActive(true)
	slog.Info("Heartbeat started", "hostname", hostname, "interval", s.interval)
	s.emit.Success("Heartbeat started.")

	go s.loop(hostname, stop)
	return nil
}

// Stop ends the heartbeat loop. Active reports false as soon as Stop returns.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.emit.Info("Heartbeat not running.")
		return errs.Precondition("heartbeat not running")
	}
	s.active = false
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()

	s.metrics.SetHeartbeatActive(false)
	slog.Info("Heartbeat stopped")
	s.emit.Success("Heartbeat stopped.")
	return nil
}

// Active reports whether a heartbeat loop is scheduled
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PingOnce sends a single ping outside the loop and reports the outcome
func (s *Service) PingOnce(ctx context.Context, hostname string) error {
	return s.ping(ctx, hostname)
}

// current reports whether stop still belongs to the active generation
func (s *Service) current(stop chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.stop == stop
}

func (s *Service) loop(hostname string, stop chan struct{}) {
	for {
		if !s.current(stop) {
			slog.Debug("Heartbeat loop exiting", "hostname", hostname)
			return
		}

		// In-flight pings are not interrupted by Stop.
		_ = s.ping(context.Background(), hostname)

		select {
		case <-s.clock.After(s.interval):
		case <-stop:
		}
	}
}

func (s *Service) ping(ctx context.Context, hostname string) error {
	if err := s.api.Ping(ctx, hostname); err != nil {
		s.metrics.ObservePing(metrics.ResultError)
		slog.Warn("Ping failed", "hostname", hostname, "error", err)
		s.emit.Error("Ping failed: %v", err)
		return err
	}
	s.metrics.ObservePing(metrics.ResultOK)
	s.emit.Info("Ping sent successfully.")
	return nil
}
