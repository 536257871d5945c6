// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxfed/apub"
	"github.com/absmach/fluxfed/blocklist"
	"github.com/absmach/fluxfed/config"
	"github.com/absmach/fluxfed/delivery"
	"github.com/absmach/fluxfed/federation"
	"github.com/absmach/fluxfed/maintenance"
	"github.com/absmach/fluxfed/ratelimit"
	"github.com/absmach/fluxfed/server/health"
	"github.com/absmach/fluxfed/server/inbox"
	"github.com/absmach/fluxfed/server/otel"
	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/storage/badger"
	"github.com/absmach/fluxfed/storage/memory"
	"github.com/absmach/fluxfed/storage/postgres"
	"github.com/spf13/cobra"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery engine and the inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts.configFile)
		},
	}
}

// openStore opens the configured backend. A PostgreSQL DSN moves the
// activity log and the queue cursors out of the embedded store.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	var base storage.Store
	switch cfg.Type {
	case "memory":
		base = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:         cfg.BadgerDir,
			SyncWrites:  cfg.SyncWrites,
			Compression: cfg.Compression,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB storage: %w", err)
		}
		base = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir, "compression", cfg.Compression)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	if cfg.PostgresDSN == "" {
		return base, nil
	}

	pg, err := postgres.New(cfg.PostgresDSN)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("failed to initialize PostgreSQL storage: %w", err)
	}
	slog.Info("Using PostgreSQL for the activity log and queue state")
	return storage.Compose(base, pg, pg, pg.Close), nil
}

func runServe(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting federation node", "version", version)
	slog.Info("Configuration loaded",
		"local_domain", cfg.Federation.LocalDomain,
		"inbox_listener", cfg.Server.InboxAddr,
		"inbox_enabled", cfg.Server.InboxEnabled,
		"health_listener", cfg.Server.HealthAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"fast_mode", cfg.Federation.FastMode,
		"log_level", cfg.Log.Level)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Server, otel.Node{
			Domain:   cfg.Federation.LocalDomain,
			Software: "fluxfed",
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr, "insecure", cfg.Server.OtelInsecure)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("fluxfed")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	caches := federation.NewCaches(logger, store.Actors(), store.Activities(), federation.NewCacheConfig(cfg))

	var sender delivery.Sender = delivery.NewHTTPSender(delivery.NewSigner(), cfg.Federation.UserAgent, cfg.Federation.RequestTimeout)
	if cb := cfg.Federation.CircuitBreaker; cb.Enabled {
		sender = delivery.NewBreakerSender(sender, delivery.BreakerSettings{
			FailureThreshold: cb.FailureThreshold,
			ResetTimeout:     cb.ResetTimeout,
		}, logger)
		slog.Info("Delivery circuit breakers enabled", "failure_threshold", cb.FailureThreshold)
	}

	manager := federation.NewManager(federation.NewManagerConfig(cfg.Federation), federation.Deps{
		Cursors:   store.QueueStates(),
		Instances: store.Instances(),
		Caches:    caches,
		Targets:   federation.NewTargetResolver(store.Follows(), store.Content()),
		Sender:    sender,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start federation: %w", err)
	}
	slog.Info("Federation started", "workers", manager.Running())

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	limiter := ratelimit.NewManager(cfg.Inbox.RateLimit)
	defer limiter.Stop()

	if cfg.Server.InboxEnabled {
		handler := apub.NewHandler(&apub.Context{
			Content:         store.Content(),
			Follows:         store.Follows(),
			Instances:       store.Instances(),
			ActorStore:      store.Actors(),
			Actors:          caches,
			LocalDomain:     cfg.Federation.LocalDomain,
			MaxCommentDepth: cfg.Federation.MaxCommentDepth,
			ActorChanged:    caches.InvalidateActor,
		}, store.Activities(), logger)

		inboxServer := inbox.New(inbox.Config{
			Address:         cfg.Server.InboxAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxBodySize:     cfg.Inbox.MaxBodySize,
		}, inbox.Deps{
			Receiver:  handler,
			Actors:    caches,
			Verifier:  delivery.NewVerifier(0),
			Instances: store.Instances(),
			Limiter:   limiter,
			Metrics:   metrics,
			OnRevive:  manager.Notify,
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting inbox server", "address", cfg.Server.InboxAddr)
			if err := inboxServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, manager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	var maint *maintenance.Manager
	if cfg.Maintenance.Enabled {
		maint = maintenance.New(maintenance.NewConfig(cfg.Maintenance), store.Activities(), store.Instances(), store.QueueStates(), manager, logger)
		maint.Start(ctx)
	}

	if cfg.Blocklist.File != "" {
		watcher := blocklist.New(cfg.Blocklist.File, store.Instances(), manager, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Watching blocklist", "file", cfg.Blocklist.File)
			if err := watcher.Run(ctx); err != nil {
				slog.Error("Blocklist watcher stopped", "error", err)
			}
		}()
	}

	slog.Info("Federation node started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop intake first so no new work races the final cursor flush.
	cancel()
	if maint != nil {
		maint.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Federation.ShutdownTimeout)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during federation shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	wg.Wait()
	slog.Info("Federation node stopped")
	return nil
}
