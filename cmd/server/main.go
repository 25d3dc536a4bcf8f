// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package main is the entry point for the Fieldbase server.
//
// Fieldbase receives signed webhooks from campaign platforms (Action
// Network), verifies and normalizes them into canonical person and
// donation events, queues them durably in BadgerDB, and syncs them into
// Airtable with idempotent, rate-limited, retried upserts.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config.yaml, and
//     FIELDBASE_* environment variables (Koanf v2)
//  2. Durable queue: BadgerDB-backed FIFO-per-key queue with lease
//     claims, retry backoff, and a dead-letter bucket
//  3. Dedup store: BadgerDB-backed version records for idempotent,
//     ordered application of events
//  4. Airtable client: token-bucket rate limiter plus circuit breaker
//  5. Worker pool: claims queued events and upserts them downstream
//  6. HTTP server: webhook intake plus operational API
//
// Everything runs under a suture supervisor tree with the pipeline and
// API in separate layers, so a pipeline crash never stops webhook
// intake.
//
// # Configuration
//
// Highest priority wins:
//   - Environment variables (FIELDBASE_*)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// Minimum production configuration:
//
//	export FIELDBASE_SOURCE_ACTIONNETWORK_SECRET=shared-hmac-secret
//	export FIELDBASE_AIRTABLE_API_KEY=pat-xxxxxxxx
//	export FIELDBASE_AIRTABLE_BASE_ID=appXXXXXXXXXXXXXX
//	./fieldbase
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, workers release their claims, and both BadgerDB
// stores close cleanly. Queued events survive restarts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/fieldbase/internal/airtable"
	"github.com/tomtom215/fieldbase/internal/api"
	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/dedupe"
	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/queue"
	"github.com/tomtom215/fieldbase/internal/supervisor"
	"github.com/tomtom215/fieldbase/internal/supervisor/services"
	"github.com/tomtom215/fieldbase/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("sources", len(cfg.Sources)).
		Str("queue_path", cfg.Queue.Path).
		Str("dedupe_path", cfg.Dedupe.Path).
		Int("workers", cfg.Worker.Count).
		Msg("Starting Fieldbase")

	q, err := queue.Open(queue.Config{
		Path:          cfg.Queue.Path,
		SyncWrites:    cfg.Queue.SyncWrites,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffCap:    cfg.Queue.BackoffCap,
		LeaseDuration: cfg.Queue.LeaseDuration,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open durable queue")
	}
	defer func() {
		if err := q.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing queue")
		}
	}()

	dedupeStore, err := dedupe.Open(dedupe.Config{
		Path:       cfg.Dedupe.Path,
		SyncWrites: cfg.Dedupe.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open dedup store")
	}
	defer func() {
		if err := dedupeStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing dedup store")
		}
	}()

	provider := config.NewProvider(cfg)
	writer := airtable.NewClient(provider)
	pool := worker.New(q, dedupeStore, writer, cfg.Worker)
	janitor := queue.NewJanitor(q, cfg.Queue.JanitorInterval)

	router := api.NewRouter(api.NewHandler(provider, q, dedupeStore), cfg.Security)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(services.NewWorkerPoolService(pool))
	tree.AddPipelineService(services.NewJanitorService(janitor))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", server.Addr).Msg("Fieldbase started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree exited with error")
		}
	case err := <-errCh:
		logging.Error().Err(err).Msg("Supervisor tree stopped unexpectedly")
	}

	logging.Info().Msg("Fieldbase stopped")
}
