package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"feeledger/internal/cli"
	"feeledger/internal/log"
	"feeledger/internal/metrics"
	"feeledger/internal/services"
	"feeledger/internal/worker"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentWorker)
	ctx := context.Background()

	threshold, err := cfg.AlertThreshold()
	if err != nil {
		logger.ErrorContext(ctx, "Invalid ARREARS_ALERT_THRESHOLD", log.FieldError, err)
		os.Exit(1)
	}

	logger.InfoContext(ctx, "Starting arrears-worker",
		"backend", cfg.DataBackend,
		"interval", cfg.ReconcileInterval,
		"workers", cfg.ReconcileWorkers)

	store := cli.OpenStore(ctx, logger, cfg)
	m := metrics.New()
	ledger := services.NewLedger(store.Store, services.LedgerConfig{
		GraceDays:      cfg.GracePeriodDays,
		AlertThreshold: threshold,
		Workers:        cfg.ReconcileWorkers,
	}, m)

	var publisher worker.ReconciliationPublisher
	amqpClient := cli.ConnectAMQP(ctx, logger, cfg)
	if amqpClient != nil {
		publisher = amqpClient
	} else {
		logger.InfoContext(ctx, "Reconciliation events disabled - no AMQP_URL provided")
	}

	w := worker.NewReconcileWorker(ledger, cli.Clock(cfg), publisher, nil, worker.Config{
		Interval:   cfg.ReconcileInterval,
		RunTimeout: worker.DefaultConfig().RunTimeout,
	})

	ops := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           opsHandler(w, m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "Ops server listening", "addr", ops.Addr)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "Ops server failed", log.FieldError, err)
		}
	}()

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		logger.InfoContext(ctx, "Shutting down worker...")
		if err := w.Stop(ctx); err != nil {
			logger.WarnContext(ctx, "Worker did not stop in time", log.FieldError, err)
		}
		_ = ops.Shutdown(ctx)
		if amqpClient != nil {
			_ = amqpClient.Close()
		}
		if err := store.Cleanup(); err != nil {
			logger.ErrorContext(ctx, "Failed to close store", log.FieldError, err)
		}
	})

	if err := w.Start(shutdownCtx); err != nil {
		logger.ErrorContext(ctx, "Failed to start worker", log.FieldError, err)
		os.Exit(1)
	}
	cli.WaitForShutdown(shutdownCtx, done)
}

// opsHandler serves liveness with the latest run and Prometheus metrics.
func opsHandler(w *worker.ReconcileWorker, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":  "ok",
			"running": w.IsRunning(),
			"runs":    w.Runs(),
		}
		if last, ok := w.LastReport(); ok {
			body["last_run"] = map[string]any{
				"run_id":        last.RunID,
				"as_of":         last.AsOf.String(),
				"finished_at":   last.FinishedAt,
				"created":       len(last.Created),
				"newly_overdue": len(last.NewlyOverdue),
				"failures":      len(last.Failures),
			}
		}
		if err := w.LastError(); err != nil {
			body["status"] = "degraded"
			body["last_error"] = err.Error()
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(body)
	})
	return mux
}
