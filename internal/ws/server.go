// Package ws serves the agent's local control surface: a WebSocket that
// streams status events and accepts commands, plus JSON status and
// Prometheus metrics endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/yourorg/connectbox/agent/internal/agent"
	"github.com/yourorg/connectbox/agent/internal/errs"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/identity"
	"github.com/yourorg/connectbox/agent/internal/jumpserver"
)

// Controller is the agent surface exposed to front-ends
type Controller interface {
	Subscribe(o event.Observer) (unsubscribe func())
	Snapshot() agent.State
	GenerateKey(ctx context.Context) (identity.KeyPair, error)
	RequestAuth(ctx context.Context) (jumpserver.RegistrationAck, error)
	PollApproval(ctx context.Context, onAuthorized func(port int))
	SendPing(ctx context.Context) error
	StartHeartbeat() error
	StopHeartbeat() error
	StartTunnel(ctx context.Context) error
	StopTunnel() error
}

// Server is the local control server
type Server struct {
	ctrl       Controller
	addr       string
	maxClients int
	metrics    http.Handler
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a control server for ctrl. metrics may be nil.
func NewServer(ctrl Controller, addr string, maxClients int, metrics http.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctrl:       ctrl,
		addr:       addr,
		maxClients: maxClients,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	slog.Info("Starting control server", "addr", s.addr, "max_clients", s.maxClients)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	if s.maxClients > 0 {
		ln = netutil.LimitListener(ln, s.maxClients)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.cancel()
			return fmt.Errorf("control server failed: %w", err)
		}
	}

	slog.Info("Shutting down control server")
	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Close disconnects all WebSocket clients
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	slog.Info("Control client connected", "remote", r.RemoteAddr)
	newConn(s, wsConn).run()
	slog.Info("Control client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.ctrl.Snapshot())
}

// execute runs one command against the controller
func (s *Server) execute(ctx context.Context, cmd CommandMessage) CommandResultMessage {
	res := CommandResultMessage{
		BaseMessage: BaseMessage{Type: TypeCommandResult},
		ID:          cmd.ID,
		Command:     cmd.Command,
	}

	var err error
	switch cmd.Command {
	case CmdGenerateKey:
		_, err = s.ctrl.GenerateKey(ctx)
	case CmdRequestAuth:
		var ack jumpserver.RegistrationAck
		ack, err = s.ctrl.RequestAuth(ctx)
		res.Detail = ack.Status
	case CmdPollApproval:
		// Polling outlives the requesting connection.
		s.ctrl.PollApproval(s.ctx, nil)
	case CmdSendPing:
		err = s.ctrl.SendPing(ctx)
	case CmdHeartbeatStart:
		err = s.ctrl.StartHeartbeat()
	case CmdHeartbeatStop:
		err = s.ctrl.StopHeartbeat()
	case CmdTunnelStart:
		err = s.ctrl.StartTunnel(ctx)
	case CmdTunnelStop:
		err = s.ctrl.StopTunnel()
	case CmdStatus:
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}

	res.Timestamp = time.Now().UnixMilli()
	if err != nil {
		res.Error = err.Error()
		res.Benign = errs.IsPrecondition(err)
		return res
	}
	res.OK = true
	return res
}
