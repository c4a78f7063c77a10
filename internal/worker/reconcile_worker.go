package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"
)

// Reconciler materializes obligations as of a date.
type Reconciler interface {
	Reconcile(ctx context.Context, asOf core.Date) (core.ReconciliationReport, error)
}

// ReconciliationPublisher announces finished runs.
type ReconciliationPublisher interface {
	PublishReconciliation(ctx context.Context, r core.ReconciliationReport) error
}

// Invalidator drops cached figures after the ledger changed.
type Invalidator interface {
	Invalidate()
}

type Config struct {
	// Interval between runs.
	Interval time.Duration
	// RunTimeout bounds a single run; zero means no bound.
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   24 * time.Hour,
		RunTimeout: 30 * time.Minute,
	}
}

// ReconcileWorker runs reconciliation on start and then on every tick.
type ReconcileWorker struct {
	ledger    Reconciler
	clock     core.Clock
	publisher ReconciliationPublisher
	stats     Invalidator
	config    Config

	mu       sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	lastMu   sync.Mutex
	last     core.ReconciliationReport
	lastErr  error
	runs     int
	haveLast bool
}

// NewReconcileWorker wires the worker. publisher and stats may be nil.
func NewReconcileWorker(ledger Reconciler, clock core.Clock, publisher ReconciliationPublisher, stats Invalidator, config Config) *ReconcileWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &ReconcileWorker{
		ledger:    ledger,
		clock:     clock,
		publisher: publisher,
		stats:     stats,
		config:    config,
	}
}

// Start launches the run loop. The first run happens immediately.
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("reconcile worker is already running")
	}
	w.running = true
	w.stopping = false
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	go w.runLoop(ctx, stopCh, doneCh)

	slog.InfoContext(ctx, "Reconcile worker started", "interval", w.config.Interval)
	return nil
}

// Stop signals the loop and waits for the run in flight, bounded by ctx.
// The worker counts as running until the loop has exited, so a Start after
// a timed out Stop fails instead of launching a second loop.
func (w *ReconcileWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	if !w.stopping {
		w.stopping = true
		close(w.stopCh)
	}
	doneCh := w.doneCh
	w.mu.Unlock()

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Reconcile worker stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Reconcile worker stop timed out")
		return ctx.Err()
	}
}

func (w *ReconcileWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *ReconcileWorker) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.stopping = false
		w.mu.Unlock()
		close(doneCh)
	}()

	// runs observe stop through their own context
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	_, _ = w.RunOnce(runCtx)
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			_, _ = w.RunOnce(runCtx)
		}
	}
}

// RunOnce reconciles as of today, invalidates statistics when rows changed
// and publishes the report. A run skipped because another holds the lock
// returns core.ErrReconcileInProgress. Publish failures are logged only.
func (w *ReconcileWorker) RunOnce(ctx context.Context) (core.ReconciliationReport, error) {
	if w.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.RunTimeout)
		defer cancel()
	}
	asOf := w.clock.Today()

	report, err := w.ledger.Reconcile(ctx, asOf)
	if errors.Is(err, core.ErrReconcileInProgress) {
		slog.WarnContext(ctx, "Reconciliation skipped, another run holds the lock", log.FieldAsOf, asOf.String())
		return report, err
	}
	if report.Changed() && w.stats != nil {
		w.stats.Invalidate()
	}
	w.record(report, err)
	if err != nil {
		slog.ErrorContext(ctx, "Reconciliation aborted",
			log.FieldRunID, report.RunID,
			log.FieldAsOf, asOf.String(),
			"created", len(report.Created),
			log.FieldError, err)
		return report, err
	}

	if perr := report.Err(); perr != nil {
		slog.WarnContext(ctx, "Reconciliation skipped pairings",
			log.FieldRunID, report.RunID,
			"failures", len(report.Failures),
			log.FieldError, perr)
	}
	if w.publisher != nil {
		if err := w.publisher.PublishReconciliation(ctx, report); err != nil {
			slog.ErrorContext(ctx, "Failed to publish reconciliation report",
				log.FieldRunID, report.RunID,
				log.FieldError, err)
		}
	}
	return report, nil
}

func (w *ReconcileWorker) record(r core.ReconciliationReport, err error) {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	w.last = r
	w.lastErr = err
	w.haveLast = true
	w.runs++
}

// LastReport returns the latest completed or aborted run.
func (w *ReconcileWorker) LastReport() (core.ReconciliationReport, bool) {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	return w.last, w.haveLast
}

// LastError is the error that aborted the latest run, if any.
func (w *ReconcileWorker) LastError() error {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	return w.lastErr
}

// Runs counts runs that reached the ledger.
func (w *ReconcileWorker) Runs() int {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	return w.runs
}
