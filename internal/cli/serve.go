package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conduit/internal/config"
	"conduit/internal/gateway"
	"conduit/internal/gateway/websocket"
	"conduit/internal/maintenance"
	"conduit/internal/prompt"
	"conduit/internal/relay"
	"conduit/internal/storage"
	"conduit/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit gateway daemon",
		Long: `Start the gateway daemon.

The daemon exposes:
- a WebSocket endpoint for subscriber clients (/ws)
- a WebSocket endpoint for bridge workers (/ws/bridge)
- REST endpoints for health, stats, pending prompts, and
  synchronous request completion waits`,
		Example: `  # Start with default configuration
  conduit serve

  # Start on a custom port
  conduit serve --port 9000`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	// Override config with flags if provided
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		var err error
		storagePath, err = config.DefaultDataPath()
		if err != nil {
			return err
		}
	}

	db, err := storage.Open(storagePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	hub := websocket.NewHub()
	registry := relay.NewRegistry()
	accumulator := relay.NewAccumulator(db)
	router := relay.NewRouter(registry, hub, hub, db, accumulator, nil, relay.RouterConfig{
		RequestTimeout: cfg.Relay.RequestTimeout,
	})
	abort := relay.NewAbortCoordinator(registry, hub, router, cfg.Relay.AbortGrace)

	prompts := prompt.NewService(nil, db, db, hub, hub, prompt.ServiceConfig{
		SessionTTL: cfg.Prompt.SessionTTL,
	})
	escalator := prompt.NewScheduler(prompts, prompt.SchedulerConfig{
		StageInterval: cfg.Prompt.StageInterval,
		MaxStages:     cfg.Prompt.MaxStages,
	})
	prompts.SetEscalator(escalator)
	defer escalator.Close()

	srv := gateway.NewServer(cfg, hub, db, gateway.Deps{
		Registry: registry,
		Relay:    router,
		Abort:    abort,
		Prompts:  prompts,
	})

	var sweeper *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		sweeper = maintenance.NewScheduler(db, maintenance.Config{
			Schedule:        cfg.Maintenance.PurgeSchedule,
			PromptRetention: cfg.Maintenance.PromptRetention,
		})
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		defer sweeper.Stop()
	}

	// Hot-reload log level on config file changes
	config.Watch()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info().
		Str("address", fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
		Msg("Conduit started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down...")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server error")
			return err
		}
	}

	// Abort live requests so waiters observe a terminal status before
	// the listener goes away.
	for _, id := range registry.IDs() {
		router.ForceAbort(id, "server shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	logger.Info().Msg("Conduit stopped")
	return nil
}
