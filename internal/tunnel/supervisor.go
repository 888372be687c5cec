// Package tunnel supervises the external ssh process that holds the
// reverse tunnel from the jump server back to the device.
package tunnel

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/identity"
	"github.com/yourorg/connectbox/agent/internal/metrics"
)

// Supervisor owns at most one tunnel process.
//
// The process is not watched after it starts: if ssh dies on its own the
// handle stays set until Stop is called.
type Supervisor struct {
	starter   Starter
	binary    string
	user      string
	host      string
	localPort int
	extraArgs []string
	metrics   *metrics.Metrics
	emit      event.Emitter

	mu   sync.Mutex
	proc Process
	port int
}

// Option customizes a Supervisor
type Option func(*Supervisor)

// WithStarter replaces the process starter
func WithStarter(st Starter) Option {
	return func(s *Supervisor) { s.starter = st }
}

// WithMetrics attaches instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor creates an idle supervisor. It fails if the configured
// extra ssh arguments cannot be parsed.
func NewSupervisor(cfg *config.Config, sink event.Sink, opts ...Option) (*Supervisor, error) {
	extra, err := shellquote.Split(cfg.Tunnel.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel extra_args: %w", err)
	}

	s := &Supervisor{
		starter:   ExecStarter{},
		binary:    cfg.Tunnel.SSHBinary,
		user:      cfg.Tunnel.User,
		host:      cfg.Tunnel.Host,
		localPort: cfg.Tunnel.LocalPort,
		extraArgs: extra,
		emit:      event.Emitter{Sink: sink, Source: event.SourceTunnel},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Args returns the ssh arguments that forward remotePort on the jump
// server to the device's local SSH port
func (s *Supervisor) Args(pair identity.KeyPair, remotePort int) []string {
	args := []string{
		"-i", pair.PrivateKeyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-N",
		"-R", ForwardSpec(remotePort, s.localPort),
	}
	args = append(args, s.extraArgs...)
	return append(args, s.user+"@"+s.host)
}

// ForwardSpec formats a reverse forward from remotePort to localhost:localPort
func ForwardSpec(remotePort, localPort int) string {
	return strconv.Itoa(remotePort) + ":localhost:" + strconv.Itoa(localPort)
}

// Start spawns the tunnel for remotePort. It refuses, with a precondition
// error, when a tunnel is already held or no port has been assigned.
func (s *Supervisor) Start(pair identity.KeyPair, remotePort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		s.emit.Info("Tunnel already running (pid %d).", s.proc.Pid())
		return errs.Precondition("tunnel already running")
	}
	if remotePort <= 0 {
		s.emit.Error("Cannot start tunnel: no port assigned yet.")
		return errs.Precondition("no assigned port")
	}

	args := s.Args(pair, remotePort)
	slog.Info("Starting tunnel", "command", shellquote.Join(append([]string{s.binary}, args...)...))

	proc, err := s.starter.Start(s.binary, args)
	if err != nil {
		s.metrics.ObserveTunnelStart(metrics.ResultError)
		serr := &SpawnError{Binary: s.binary, Err: err}
		slog.Error("Failed to start tunnel", "error", err)
		s.emit.Error("Tunnel failed to start: %v", err)
		return serr
	}

	s.proc = proc
	s.port = remotePort
	s.metrics.ObserveTunnelStart(metrics.ResultOK)
	s.metrics.SetTunnelRunning(true)
	slog.Info("Tunnel started", "pid", proc.Pid(), "remote_port", remotePort)
	s.emit.Success("Tunnel started on port %d.", remotePort)
	return nil
}

// Stop terminates the tunnel if one is held. The handle is cleared even if
// signalling fails; the process is reaped in the background.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		s.emit.Info("No tunnel to stop.")
		return errs.Precondition("no tunnel running")
	}

	proc := s.proc
	s.proc = nil
	s.port = 0
	s.metrics.SetTunnelRunning(false)

	err := proc.Terminate()
	go func() {
		if werr := proc.Wait(); werr != nil {
			slog.Debug("Tunnel process exited", "pid", proc.Pid(), "status", werr)
		}
	}()

	if err != nil {
		slog.Error("Failed to terminate tunnel", "pid", proc.Pid(), "error", err)
		s.emit.Error("Tunnel stop failed: %v", err)
		return fmt.Errorf("failed to terminate tunnel: %w", err)
	}

	slog.Info("Tunnel stopped", "pid", proc.Pid())
	s.emit.Success("Tunnel stopped.")
	return nil
}

// Running returns the held process id and remote port
func (s *Supervisor) Running() (pid, port int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0, 0, false
	}
	return s.proc.Pid(), s.port, true
}
