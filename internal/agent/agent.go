// Package agent composes identity, authorization, heartbeat and tunnel
// supervision behind a single façade. Front-ends talk only to *Agent.
//
// All operations report progress as events on the agent's bus. One-shot
// operations (key generation, registration, tunnel start/stop) also
// return errors to their caller; background loops never do.
package agent

import (
	"context"
	"net/http"
	"sync"

	"github.com/juju/clock"

	"github.com/yourorg/connectbox/agent/internal/auth"
	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/heartbeat"
	"github.com/yourorg/connectbox/agent/internal/identity"
	"github.com/yourorg/connectbox/agent/internal/jumpserver"
	"github.com/yourorg/connectbox/agent/internal/metrics"
	"github.com/yourorg/connectbox/agent/internal/tunnel"
)

// Options carries optional collaborators. Zero values select production
// defaults.
type Options struct {
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	HTTPClient   *http.Client
	KeygenRunner identity.Runner
	Starter      tunnel.Starter
}

// Agent is the device-side connection agent
type Agent struct {
	cfg       *config.Config
	bus       *event.Bus
	emit      event.Emitter
	identity  *identity.Manager
	auth      *auth.Client
	heartbeat *heartbeat.Service
	tunnel    *tunnel.Supervisor

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards assignedPort and closed, and serializes heartbeat and
	// tunnel start against Close and the poll loop recording a new port.
	mu           sync.Mutex
	assignedPort int
	closed       bool
}

// New wires all components for cfg
func New(cfg *config.Config, opts Options) (*Agent, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	bus := event.NewBus()

	var clientOpts []jumpserver.ClientOption
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, jumpserver.WithHTTPClient(opts.HTTPClient))
	}
	api := jumpserver.NewClient(cfg, clientOpts...)

	idOpts := []identity.Option{identity.WithMetrics(opts.Metrics)}
	if opts.KeygenRunner != nil {
		idOpts = append(idOpts, identity.WithRunner(opts.KeygenRunner))
	}

	tunOpts := []tunnel.Option{tunnel.WithMetrics(opts.Metrics)}
	if opts.Starter != nil {
		tunOpts = append(tunOpts, tunnel.WithStarter(opts.Starter))
	}
	sup, err := tunnel.NewSupervisor(cfg, bus, tunOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Agent{
		cfg:       cfg,
		bus:       bus,
		emit:      event.Emitter{Sink: bus, Source: event.SourceAgent},
		identity:  identity.NewManager(cfg, bus, idOpts...),
		auth:      auth.NewClient(cfg, api, bus, auth.WithClock(clk), auth.WithMetrics(opts.Metrics)),
		heartbeat: heartbeat.NewService(cfg, api, bus, heartbeat.WithClock(clk), heartbeat.WithMetrics(opts.Metrics)),
		tunnel:    sup,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Subscribe registers an observer for every status event
func (a *Agent) Subscribe(o event.Observer) (unsubscribe func()) {
	return a.bus.Subscribe(o)
}

// Hostname returns the device name used with the jump server
func (a *Agent) Hostname() string {
	return a.cfg.Hostname
}

// GenerateKey ensures the device key pair exists
func (a *Agent) GenerateKey(ctx context.Context) (identity.KeyPair, error) {
	return a.identity.EnsureKeyPair(ctx)
}

// RequestAuth registers the device, generating the key first if needed
func (a *Agent) RequestAuth(ctx context.Context) (jumpserver.RegistrationAck, error) {
	pair, err := a.identity.EnsureKeyPair(ctx)
	if err != nil {
		return jumpserver.RegistrationAck{}, err
	}
	return a.auth.RequestAuthorization(ctx, pair)
}

// PollApproval starts polling in the background. On approval the assigned
// port is recorded and then onAuthorized, if non-nil, is called. The loop
// stops when ctx is cancelled or the agent is closed.
func (a *Agent) PollApproval(ctx context.Context, onAuthorized func(port int)) {
	pollCtx, cancel := context.WithCancel(a.ctx)
	if ctx != nil {
		stop := context.AfterFunc(ctx, cancel)
		context.AfterFunc(pollCtx, func() { stop() })
	}

	a.auth.PollApproval(pollCtx, a.cfg.Hostname, func(port int) {
		a.mu.Lock()
		if a.closed || pollCtx.Err() != nil {
			a.mu.Unlock()
			a.emit.Info("Approval ignored: polling was cancelled.")
			return
		}
		a.assignedPort = port
		a.mu.Unlock()
		cancel()

		if onAuthorized != nil {
			onAuthorized(port)
		}
	})
}

// SendPing sends a single liveness ping
func (a *Agent) SendPing(ctx context.Context) error {
	return a.heartbeat.PingOnce(ctx, a.cfg.Hostname)
}

// StartHeartbeat starts the periodic liveness loop
func (a *Agent) StartHeartbeat() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return a.refuseClosed()
	}
	return a.heartbeat.Start(a.cfg.Hostname)
}

// StopHeartbeat stops the periodic liveness loop
func (a *Agent) StopHeartbeat() error {
	return a.heartbeat.Stop()
}

// StartTunnel opens the reverse tunnel on the assigned port
func (a *Agent) StartTunnel(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return a.refuseClosed()
	}
	if a.assignedPort <= 0 {
		// The supervisor reports the missing port.
		return a.tunnel.Start(identity.KeyPair{}, 0)
	}

	pair, err := a.identity.EnsureKeyPair(ctx)
	if err != nil {
		return err
	}
	return a.tunnel.Start(pair, a.assignedPort)
}

// StopTunnel closes the reverse tunnel
func (a *Agent) StopTunnel() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tunnel.Stop()
}

// Connect runs the whole flow: ensure the key, register, then poll in the
// background and start heartbeat and tunnel once approved. It returns
// after registration; the rest is reported through events.
func (a *Agent) Connect(ctx context.Context) error {
	if _, err := a.RequestAuth(ctx); err != nil {
		return err
	}

	a.PollApproval(ctx, func(port int) {
		if err := a.StartHeartbeat(); err != nil && !errs.IsPrecondition(err) {
			a.emit.Error("Heartbeat start failed: %v", err)
		}
		// Failures are already reported by the supervisor.
		_ = a.StartTunnel(a.ctx)
	})
	return nil
}

// Snapshot returns a copy of the current state
func (a *Agent) Snapshot() State {
	a.mu.Lock()
	port := a.assignedPort
	a.mu.Unlock()

	st := State{
		Hostname:        a.cfg.Hostname,
		PublicKey:       a.identity.PublicKey(),
		AssignedPort:    port,
		HeartbeatActive: a.heartbeat.Active(),
	}
	if pid, tport, ok := a.tunnel.Running(); ok {
		st.TunnelPID = pid
		st.TunnelPort = tport
	}
	return st
}

// Close stops polling, the heartbeat and the tunnel. Once it returns,
// the heartbeat and tunnel cannot be started again.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.cancel()
	if a.heartbeat.Active() {
		_ = a.heartbeat.Stop()
	}
	if _, _, ok := a.tunnel.Running(); ok {
		_ = a.tunnel.Stop()
	}
}

// refuseClosed reports a start attempted after Close. Callers hold a.mu.
func (a *Agent) refuseClosed() error {
	a.emit.Error("Agent is shut down.")
	return errs.Precondition("agent closed")
}
