package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"feeledger/internal/amqp"
	"feeledger/internal/cache"
	"feeledger/internal/cli"
	apphttp "feeledger/internal/http"
	"feeledger/internal/log"
	"feeledger/internal/metrics"
	"feeledger/internal/middleware/ratelimit"
	"feeledger/internal/services"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentApp)
	ctx := context.Background()

	logger.InfoContext(ctx, "Starting feeledger", "backend", cfg.DataBackend, "port", cfg.Port)

	store := cli.OpenStore(ctx, logger, cfg)
	clock := cli.Clock(cfg)
	m := metrics.New()

	stats := services.NewStatistics(store.Store, clock, services.StatsConfig{
		GraceDays: cfg.GracePeriodDays,
		CacheTTL:  cfg.StatsCacheTTL,
	}, m)

	cacheManager := cache.NewManager()
	if c := stats.Cache(); c != nil {
		cacheManager.Register(c)
	}
	cacheManager.StartCleanup(time.Minute)

	var publisher services.PaymentPublisher
	amqpClient := cli.ConnectAMQP(ctx, logger, cfg)
	if amqpClient != nil {
		publisher = amqpClient
	}

	srv, err := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Query:     services.NewQueryService(store.Store, clock, cfg.GracePeriodDays, stats),
		Payments:  services.NewPaymentService(store.Store, clock, cfg.GracePeriodDays, publisher, stats, m),
		Clock:     clock,
		Metrics:   m,
		Currency:  cfg.Currency,
		RateLimit: ratelimit.DefaultConfig(),
		Logger:    logger,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to build HTTP server", log.FieldError, err)
		os.Exit(1)
	}

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "Server shutdown error", log.FieldError, err)
		}
		cacheManager.Stop()
		if amqpClient != nil {
			_ = amqpClient.Close()
		}
		if err := store.Cleanup(); err != nil {
			logger.ErrorContext(ctx, "Failed to close store", log.FieldError, err)
		}
	})

	if amqpClient != nil {
		go watchReconciliations(shutdownCtx, logger, amqpClient, stats)
	}

	logger.InfoContext(ctx, "HTTP server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.ErrorContext(ctx, "Server failed", log.FieldError, err)
		os.Exit(1)
	}
	cli.WaitForShutdown(shutdownCtx, done)
}

// watchReconciliations drops cached statistics when the worker process reports
// a run that wrote rows. It resubscribes until ctx ends.
func watchReconciliations(ctx context.Context, logger *log.Logger, client *amqp.Client, stats *services.Statistics) {
	for {
		err := client.ConsumeReconciliations(ctx, func(msg *amqp.ReconciliationMessage) error {
			if msg.Changed() {
				stats.Invalidate()
				logger.DebugContext(ctx, "Statistics invalidated", log.FieldRunID, msg.RunID)
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		logger.WarnContext(ctx, "Reconciliation subscription ended", log.FieldError, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}
