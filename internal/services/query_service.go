package services

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/sheets"
	"feeledger/internal/storage"
)

// QueryService is the read surface used by the HTTP API and the CLI.
// Every method is a pure read and never waits on a reconciliation.
type QueryService struct {
	store storage.Store
	clock core.Clock
	eval  Evaluator
	stats *Statistics
}

func NewQueryService(store storage.Store, clock core.Clock, graceDays int, stats *Statistics) *QueryService {
	return &QueryService{
		store: store,
		clock: clock,
		eval:  Evaluator{GraceDays: graceDays},
		stats: stats,
	}
}

func (q *QueryService) asOf(d *core.Date) core.Date {
	if d == nil || d.IsZero() {
		return q.clock.Today()
	}
	return *d
}

// GetHouseholdFeeStatus lists every obligation of a household with its status as of asOf
// (today when nil). Inactive households are reported from their retained history.
func (q *QueryService) GetHouseholdFeeStatus(ctx context.Context, householdID string, asOf *core.Date) (core.HouseholdStatement, error) {
	day := q.asOf(asOf)
	h, err := q.store.GetHousehold(ctx, householdID)
	if err != nil {
		return core.HouseholdStatement{}, err
	}
	fees, err := q.store.ListFees(ctx)
	if err != nil {
		return core.HouseholdStatement{}, fmt.Errorf("list fees: %w", err)
	}
	rows, err := q.store.ListPayments(ctx, storage.PaymentFilter{HouseholdID: h.ID})
	if err != nil {
		return core.HouseholdStatement{}, fmt.Errorf("list payments: %w", err)
	}
	idx := indexPayments(rows)
	feeByCode := make(map[string]core.Fee, len(fees))
	seen := make(map[core.PaymentKey]bool)

	stmt := core.HouseholdStatement{HouseholdID: h.ID, AsOf: day}
	for _, fee := range fees {
		feeByCode[fee.Code] = fee
		periods, err := ResolvePeriods(fee, h, day)
		if err != nil {
			slog.WarnContext(ctx, "Skipping malformed fee in status query",
				log.FieldOperation, log.OpRead,
				log.FieldFeeCode, fee.Code,
				log.FieldHouseholdID, h.ID,
				log.FieldError, err)
			continue
		}
		for _, p := range periods {
			ev, err := q.eval.evaluate(ctx, h, fee, p, day, idx)
			if err != nil {
				return core.HouseholdStatement{}, err
			}
			seen[ev.Key] = true
			stmt.Items = append(stmt.Items, feeStatus(fee, p, ev.Row, ev.Status, ev.DueDate))
		}
	}

	// Rows outside the resolved sets (deactivated fees, history) are still reported.
	for key, row := range idx {
		if seen[key] {
			continue
		}
		fee := feeByCode[key.FeeCode]
		due := row.DueDate
		if due.IsZero() {
			due = q.eval.DueDate(row.Period)
		}
		status := row.Status
		if status == core.StatusPending {
			status = StatusOf(due, day)
		}
		stmt.Items = append(stmt.Items, feeStatus(fee, row.Period, row, status, due))
	}

	slices.SortFunc(stmt.Items, func(a, b core.FeeStatus) int {
		return cmp.Or(a.Period.Compare(b.Period), cmp.Compare(a.FeeCode, b.FeeCode))
	})
	for _, it := range stmt.Items {
		if it.Status.Unpaid() {
			stmt.Outstanding = stmt.Outstanding.Add(it.AmountDue)
		}
	}
	return stmt, nil
}

func feeStatus(fee core.Fee, period core.Period, row core.Payment, status core.Status, due core.Date) core.FeeStatus {
	fs := core.FeeStatus{
		FeeCode:   fee.Code,
		FeeName:   fee.Name,
		Period:    period,
		Status:    status,
		DueDate:   due,
		AmountDue: fee.Amount,
	}
	if fs.FeeCode == "" {
		fs.FeeCode = row.FeeCode
	}
	if status == core.StatusPaid {
		fs.AmountPaid = row.Amount
		fs.PaidOn = row.PaidOn
	}
	return fs
}

// DashboardSummary as of asOf, today when nil.
func (q *QueryService) DashboardSummary(ctx context.Context, asOf *core.Date) (core.DashboardSummary, error) {
	return q.stats.DashboardSummary(ctx, q.asOf(asOf))
}

func (q *QueryService) MonthlyReport(ctx context.Context, from, to core.Period) ([]core.MonthlyEntry, error) {
	return q.stats.MonthlyReport(ctx, from, to)
}

// MonthlyExport builds the tabulated monthly report for from..to.
func (q *QueryService) MonthlyExport(ctx context.Context, from, to core.Period, currency string) (sheets.Report, error) {
	entries, err := q.MonthlyReport(ctx, from, to)
	if err != nil {
		return sheets.Report{}, err
	}
	return sheets.Report{
		From:        from,
		To:          to,
		Currency:    currency,
		GeneratedAt: time.Now().UTC(),
		Entries:     entries,
	}, nil
}

// ExportMonthlyReport writes the monthly report for from..to to each writer
// in turn and returns their references. It stops at the first failing writer.
func (q *QueryService) ExportMonthlyReport(ctx context.Context, from, to core.Period, currency string, writers ...sheets.ReportWriter) ([]string, error) {
	report, err := q.MonthlyExport(ctx, from, to, currency)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(writers))
	for _, w := range writers {
		ref, err := w.WriteMonthlyReport(ctx, report)
		if err != nil {
			return refs, fmt.Errorf("export monthly report: %w", err)
		}
		slog.InfoContext(ctx, "Monthly report exported",
			log.FieldComponent, log.ComponentSheets,
			log.FieldOperation, log.OpExport,
			"ref", ref, "from", from.String(), "to", to.String())
		refs = append(refs, ref)
	}
	return refs, nil
}

func (q *QueryService) PaymentStatusBreakdown(ctx context.Context, period *core.Period) (core.StatusBreakdown, error) {
	return q.stats.PaymentStatusBreakdown(ctx, period)
}

// Ready reports whether the store answers.
func (q *QueryService) Ready(ctx context.Context) error {
	return q.store.Ping(ctx)
}
