package services

import (
	"context"
	"fmt"

	"feeledger/internal/core"
)

// PaymentLookup is the read capability the evaluator needs from the ledger.
type PaymentLookup interface {
	FindPayment(ctx context.Context, key core.PaymentKey) (core.Payment, bool, error)
}

// Evaluation is the logical state of one obligation.
type Evaluation struct {
	Key     core.PaymentKey
	Status  core.Status
	DueDate core.Date
	Row     core.Payment // valid when Exists
	Exists  bool
}

// Evaluator classifies (household, fee, period) triples. It never writes.
type Evaluator struct {
	// GraceDays pushes the due date past the end of the period's month.
	GraceDays int
}

// DueDate is the last day of the period's month plus the grace offset.
func (e Evaluator) DueDate(p core.Period) core.Date {
	return p.LastDay().AddDays(e.GraceDays)
}

// StatusOf derives the status of an unpaid obligation: overdue once asOf is past due.
func StatusOf(due, asOf core.Date) core.Status {
	if asOf.After(due) {
		return core.StatusOverdue
	}
	return core.StatusPending
}

// Evaluate returns the logical status of the obligation. A materialized row is
// evaluated as stored, even after the fee was deactivated or its end date
// moved. Without a row, a period the resolver would never produce for the
// pairing yields core.ErrInvalidPeriod.
func (e Evaluator) Evaluate(ctx context.Context, household core.Household, fee core.Fee, period core.Period, asOf core.Date, lookup PaymentLookup) (Evaluation, error) {
	key := core.PaymentKey{FeeCode: fee.Code, HouseholdID: household.ID, Period: period}
	row, exists, err := lookup.FindPayment(ctx, key)
	if err != nil {
		return Evaluation{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	if !exists {
		ok, err := Covers(fee, household, asOf, period)
		if err != nil {
			return Evaluation{}, err
		}
		if !ok {
			return Evaluation{}, fmt.Errorf("%w: %s outside %s/%s as of %s",
				core.ErrInvalidPeriod, period, fee.Code, household.ID, asOf)
		}
	}
	return e.classify(key, row, exists, asOf), nil
}

// evaluate skips the coverage check; callers iterate resolved periods.
func (e Evaluator) evaluate(ctx context.Context, household core.Household, fee core.Fee, period core.Period, asOf core.Date, lookup PaymentLookup) (Evaluation, error) {
	key := core.PaymentKey{FeeCode: fee.Code, HouseholdID: household.ID, Period: period}
	row, exists, err := lookup.FindPayment(ctx, key)
	if err != nil {
		return Evaluation{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	return e.classify(key, row, exists, asOf), nil
}

func (e Evaluator) classify(key core.PaymentKey, row core.Payment, exists bool, asOf core.Date) Evaluation {
	ev := Evaluation{Key: key, Row: row, Exists: exists, DueDate: e.DueDate(key.Period)}
	if exists && !row.DueDate.IsZero() {
		ev.DueDate = row.DueDate
	}
	switch {
	case exists && row.Status == core.StatusPaid:
		ev.Status = core.StatusPaid
	case exists && row.Status == core.StatusOverdue:
		// overdue only ever moves forward to paid
		ev.Status = core.StatusOverdue
	default:
		ev.Status = StatusOf(ev.DueDate, asOf)
	}
	return ev
}

// paymentIndex is an in-memory PaymentLookup over a snapshot of rows.
type paymentIndex map[core.PaymentKey]core.Payment

func indexPayments(rows []core.Payment) paymentIndex {
	idx := make(paymentIndex, len(rows))
	for _, p := range rows {
		idx[p.Key()] = p
	}
	return idx
}

func (idx paymentIndex) FindPayment(_ context.Context, key core.PaymentKey) (core.Payment, bool, error) {
	p, ok := idx[key]
	return p, ok, nil
}
