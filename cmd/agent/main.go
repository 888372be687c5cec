package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/connectbox/agent/internal/agent"
	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/metrics"
	"github.com/yourorg/connectbox/agent/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("Starting connectbox Agent")
	slog.Info("Configuration loaded",
		"server_url", cfg.ServerURL,
		"hostname", cfg.Hostname,
		"key_path", cfg.KeyPath,
		"listen", cfg.Listen,
		"auto_connect", cfg.AutoConnect,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Agent exited with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	slog.Info("Agent stopped")
}

// run wires the agent and control server and blocks until ctx is done
func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	a, err := agent.New(cfg, agent.Options{Metrics: m})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close()

	unsubscribe := a.Subscribe(event.LogObserver(slog.Default()))
	defer unsubscribe()

	srv := ws.NewServer(a, cfg.Listen, cfg.MaxClients, m.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if cfg.AutoConnect {
		g.Go(func() error {
			// Registration failures are reported as events; the control
			// server stays up so the user can retry.
			if err := a.Connect(gctx); err != nil {
				slog.Warn("Automatic connect failed", "error", err)
			}
			return nil
		})
	}

	slog.Info("Agent started successfully")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Shutting down Agent")
	return nil
}
