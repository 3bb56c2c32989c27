// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

// Command server runs the FleetCare daemon: an HTTP API, a WebSocket hub
// for live sync progress, and the AppleCare coverage sync engine, all
// managed under a suture supervisor tree.
//
// Startup order matters: configuration and logging come first, then the
// DuckDB coverage store and the Badger progress store, then the sync
// manager and HTTP surface, and finally the supervisor tree that owns
// every long-running component. Shutdown is the reverse, driven by
// SIGINT/SIGTERM through context cancellation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/fleetcare/internal/api"
	"github.com/tomtom215/fleetcare/internal/config"
	"github.com/tomtom215/fleetcare/internal/database"
	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/progress"
	"github.com/tomtom215/fleetcare/internal/supervisor"
	"github.com/tomtom215/fleetcare/internal/supervisor/services"
	"github.com/tomtom215/fleetcare/internal/sync"
	ws "github.com/tomtom215/fleetcare/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting FleetCare with supervisor tree")

	if cfg.HasDefaultOrg() {
		logging.Info().
			Str("api_url", cfg.AppleCare.APIURL).
			Str("db_path", cfg.Database.Path).
			Int("rate_limit", cfg.AppleCare.RateLimit).
			Msg("Configuration loaded")
	} else {
		logging.Info().
			Bool("default_org_configured", false).
			Str("db_path", cfg.Database.Path).
			Msg("Configuration loaded (per-org credentials only)")
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized successfully")

	store, err := progress.Open(cfg.Progress.Path, cfg.Sync.SessionMaxAge)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error().Err(closeErr).Msg("Error closing database")
		}
		logging.Fatal().Err(err).Msg("Failed to open progress store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing progress store")
		}
	}()
	logging.Info().Str("path", cfg.Progress.Path).Msg("Progress store opened")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog compatibility
	slogLogger := logging.NewSlogLogger()

	tree, err := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	// The hub must exist before the sync manager so progress broadcasts
	// have somewhere to go.
	wsHub := ws.NewHub()

	syncManager := sync.NewManager(cfg, db, store)
	syncManager.SetBroadcaster(wsHub)

	handler := api.NewHandler(cfg, db, syncManager, wsHub)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.NewRouter(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Sync layer services
	tree.AddSyncService(services.NewWebSocketHubService(wsHub))
	tree.AddSyncService(services.NewSyncService(syncManager))
	logging.Info().Msg("WebSocket hub and sync manager added to supervisor tree")

	// API layer services
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
