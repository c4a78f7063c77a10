package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/metrics"
	"feeledger/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// LedgerConfig tunes reconciliation.
type LedgerConfig struct {
	GraceDays      int
	AlertThreshold core.Money // households strictly above this balance are reported
	Workers        int        // households reconciled in parallel, at least 1
}

// Ledger materializes the obligation matrix. It is the only writer of unpaid rows.
type Ledger struct {
	store     storage.Store
	eval      Evaluator
	threshold core.Money
	workers   int
	metrics   *metrics.Metrics
	now       func() time.Time

	// run guards against overlapping reconciliations.
	run sync.Mutex
}

func NewLedger(store storage.Store, cfg LedgerConfig, m *metrics.Metrics) *Ledger {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Ledger{
		store:     store,
		eval:      Evaluator{GraceDays: cfg.GraceDays},
		threshold: cfg.AlertThreshold,
		workers:   workers,
		metrics:   m,
		now:       time.Now,
	}
}

// Evaluator returns the evaluator the ledger reconciles with.
func (l *Ledger) Evaluator() Evaluator { return l.eval }

// Reconcile walks every active household against every fee as of asOf, inserts
// missing obligations and flips elapsed pending rows to overdue.
//
// Pairings that fail are recorded in the report and skipped; check report.Err().
// The returned error is reserved for conditions that stop the whole run: another
// run in flight, the store failing to list entities, or ctx being cancelled. In
// the last case the partial report is returned alongside ctx.Err().
func (l *Ledger) Reconcile(ctx context.Context, asOf core.Date) (core.ReconciliationReport, error) {
	if !l.run.TryLock() {
		return core.ReconciliationReport{}, core.ErrReconcileInProgress
	}
	defer l.run.Unlock()

	report := core.ReconciliationReport{
		RunID:     uuid.NewString(),
		AsOf:      asOf,
		StartedAt: l.now(),
	}
	ctx = context.WithValue(ctx, runIDKey{}, report.RunID)

	households, err := l.store.ListHouseholds(ctx)
	if err != nil {
		return report, fmt.Errorf("list households: %w", err)
	}
	fees, err := l.store.ListFees(ctx)
	if err != nil {
		return report, fmt.Errorf("list fees: %w", err)
	}
	feeByCode := make(map[string]core.Fee, len(fees))
	for _, f := range fees {
		feeByCode[f.Code] = f
	}

	slog.InfoContext(ctx, "Reconciliation started",
		log.FieldComponent, log.ComponentLedger,
		log.FieldOperation, log.OpReconcile,
		log.FieldRunID, report.RunID,
		log.FieldAsOf, asOf.String(),
		"households", len(households),
		"fees", len(fees),
		"workers", l.workers)

	acc := &accumulator{}
	var g errgroup.Group
	g.SetLimit(l.workers)
	for _, h := range households {
		if !h.Active {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		report.HouseholdsScanned++
		g.Go(func() error {
			return l.reconcileHousehold(ctx, h, fees, feeByCode, asOf, acc)
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	acc.fill(&report)
	report.FinishedAt = l.now()

	outcome := "ok"
	switch {
	case runErr != nil:
		outcome = "cancelled"
	case len(report.Failures) > 0:
		outcome = "partial"
	}
	l.metrics.ObserveReconcile(outcome, report.Duration(), len(report.Created), len(report.NewlyOverdue),
		len(report.Failures), len(report.OverThreshold))

	slog.InfoContext(ctx, "Reconciliation complete",
		log.FieldComponent, log.ComponentLedger,
		log.FieldOperation, log.OpReconcile,
		log.FieldRunID, report.RunID,
		"outcome", outcome,
		"pairings", report.PairingsEvaluated,
		"created", len(report.Created),
		"newly_overdue", len(report.NewlyOverdue),
		"over_threshold", len(report.OverThreshold),
		"failures", len(report.Failures),
		log.FieldDuration, report.Duration().Milliseconds())

	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

// reconcileHousehold only returns an error when ctx is done; everything else
// is recorded as a pairing failure.
func (l *Ledger) reconcileHousehold(ctx context.Context, h core.Household, fees []core.Fee, feeByCode map[string]core.Fee, asOf core.Date, acc *accumulator) error {
	rows, err := l.store.ListPayments(ctx, storage.PaymentFilter{HouseholdID: h.ID})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		acc.fail(ctx, h.ID, "", fmt.Errorf("list payments: %w", err))
		return nil
	}
	idx := indexPayments(rows)
	resolved := make(map[core.PaymentKey]bool)
	skipped := make(map[string]bool)

	for _, fee := range fees {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fee.Active {
			continue
		}
		acc.pairing()
		if err := l.reconcilePairing(ctx, h, fee, asOf, idx, resolved, acc); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			skipped[fee.Code] = true
			acc.fail(ctx, h.ID, fee.Code, err)
		}
	}

	// Rows left pending outside every resolved set (fee deactivated or shortened
	// after materialization) still age into overdue.
	for key, row := range idx {
		if err := ctx.Err(); err != nil {
			return err
		}
		if resolved[key] || skipped[key.FeeCode] || row.Status != core.StatusPending {
			continue
		}
		due := row.DueDate
		if due.IsZero() {
			due = l.eval.DueDate(row.Period)
		}
		if StatusOf(due, asOf) != core.StatusOverdue {
			continue
		}
		updated, err := l.store.TransitionPayment(ctx, row.ID, core.StatusPending, core.StatusOverdue, nil)
		if err != nil {
			if errors.Is(err, core.ErrInvalidTransition) {
				continue
			}
			acc.fail(ctx, h.ID, key.FeeCode, fmt.Errorf("age %s: %w", key.Period, err))
			continue
		}
		idx[key] = updated
		acc.overdue(obligationOf(updated, feeByCode[key.FeeCode].Amount))
	}

	var arrears core.HouseholdArrears
	arrears.HouseholdID = h.ID
	for _, row := range idx {
		if !row.Status.Unpaid() {
			continue
		}
		arrears.UnpaidCount++
		if row.Status == core.StatusOverdue {
			arrears.OverdueCount++
		}
		arrears.Outstanding = arrears.Outstanding.Add(feeByCode[row.FeeCode].Amount)
	}
	if arrears.UnpaidCount > 0 && arrears.Outstanding.GreaterThan(l.threshold) {
		acc.alert(arrears)
	}
	return nil
}

// reconcilePairing brings every resolved period of one household/fee pairing up to date.
func (l *Ledger) reconcilePairing(ctx context.Context, h core.Household, fee core.Fee, asOf core.Date, idx paymentIndex, resolved map[core.PaymentKey]bool, acc *accumulator) error {
	if err := fee.Validate(); err != nil {
		return err
	}
	periods, err := ResolvePeriods(fee, h, asOf)
	if err != nil {
		return err
	}
	for _, period := range periods {
		ev, err := l.eval.evaluate(ctx, h, fee, period, asOf, idx)
		if err != nil {
			return err
		}
		resolved[ev.Key] = true

		switch {
		case !ev.Exists:
			row, created, err := l.store.InsertPaymentIfAbsent(ctx, core.Payment{
				FeeCode:     fee.Code,
				HouseholdID: h.ID,
				Period:      period,
				Status:      ev.Status,
				DueDate:     ev.DueDate,
			})
			if errors.Is(err, core.ErrConstraintViolation) {
				// another writer created the row first
				continue
			}
			if err != nil {
				return fmt.Errorf("insert %s: %w", period, err)
			}
			idx[ev.Key] = row
			if created {
				acc.created(obligationOf(row, fee.Amount))
			}

		case ev.Row.Status == core.StatusPending && ev.Status == core.StatusOverdue:
			row, err := l.store.TransitionPayment(ctx, ev.Row.ID, core.StatusPending, core.StatusOverdue, nil)
			if errors.Is(err, core.ErrInvalidTransition) {
				// paid (or aged) concurrently; the newer state wins
				continue
			}
			if err != nil {
				return fmt.Errorf("mark %s overdue: %w", period, err)
			}
			idx[ev.Key] = row
			acc.overdue(obligationOf(row, fee.Amount))
		}
	}
	return nil
}

func obligationOf(p core.Payment, amountDue core.Money) core.Obligation {
	return core.Obligation{
		HouseholdID: p.HouseholdID,
		FeeCode:     p.FeeCode,
		Period:      p.Period,
		Status:      p.Status,
		DueDate:     p.DueDate,
		AmountDue:   amountDue,
	}
}

type runIDKey struct{}

// accumulator collects per-household results from concurrent workers.
type accumulator struct {
	mu          sync.Mutex
	pairings    int
	createdRows []core.Obligation
	overdueRows []core.Obligation
	alerts      []core.HouseholdArrears
	failures    []core.PairingFailure
}

func (a *accumulator) pairing() {
	a.mu.Lock()
	a.pairings++
	a.mu.Unlock()
}

func (a *accumulator) created(o core.Obligation) {
	a.mu.Lock()
	a.createdRows = append(a.createdRows, o)
	a.mu.Unlock()
}

func (a *accumulator) overdue(o core.Obligation) {
	a.mu.Lock()
	a.overdueRows = append(a.overdueRows, o)
	a.mu.Unlock()
}

func (a *accumulator) alert(h core.HouseholdArrears) {
	a.mu.Lock()
	a.alerts = append(a.alerts, h)
	a.mu.Unlock()
}

func (a *accumulator) fail(ctx context.Context, householdID, feeCode string, err error) {
	runID, _ := ctx.Value(runIDKey{}).(string)
	slog.WarnContext(ctx, "Skipping pairing",
		log.FieldRunID, runID,
		log.FieldHouseholdID, householdID,
		log.FieldFeeCode, feeCode,
		log.FieldError, err)
	a.mu.Lock()
	a.failures = append(a.failures, core.PairingFailure{HouseholdID: householdID, FeeCode: feeCode, Reason: err.Error()})
	a.mu.Unlock()
}

// fill copies the collected results into r in a deterministic order.
func (a *accumulator) fill(r *core.ReconciliationReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slices.SortFunc(a.createdRows, compareObligations)
	slices.SortFunc(a.overdueRows, compareObligations)
	slices.SortFunc(a.alerts, func(x, y core.HouseholdArrears) int { return cmp.Compare(x.HouseholdID, y.HouseholdID) })
	slices.SortFunc(a.failures, func(x, y core.PairingFailure) int {
		return cmp.Or(cmp.Compare(x.HouseholdID, y.HouseholdID), cmp.Compare(x.FeeCode, y.FeeCode))
	})
	r.PairingsEvaluated = a.pairings
	r.Created = a.createdRows
	r.NewlyOverdue = a.overdueRows
	r.OverThreshold = a.alerts
	r.Failures = a.failures
}

func compareObligations(x, y core.Obligation) int {
	return cmp.Or(
		cmp.Compare(x.HouseholdID, y.HouseholdID),
		cmp.Compare(x.FeeCode, y.FeeCode),
		x.Period.Compare(y.Period),
	)
}
