package storage

import (
	"context"

	"feeledger/internal/core"
)

// PaymentFilter narrows ListPayments. Zero fields match everything.
type PaymentFilter struct {
	FeeCode     string
	HouseholdID string
	From        core.Period // inclusive
	To          core.Period // inclusive
	Statuses    []core.Status
}

// Match reports whether p passes the filter.
func (f PaymentFilter) Match(p core.Payment) bool {
	if f.FeeCode != "" && p.FeeCode != f.FeeCode {
		return false
	}
	if f.HouseholdID != "" && p.HouseholdID != f.HouseholdID {
		return false
	}
	if !f.From.IsZero() && p.Period.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.Period.After(f.To) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// FeeReader resolves fees by code.
type FeeReader interface {
	GetFee(ctx context.Context, code string) (core.Fee, error)
	ListFees(ctx context.Context) ([]core.Fee, error)
}

// HouseholdReader resolves households by apartment id.
type HouseholdReader interface {
	GetHousehold(ctx context.Context, id string) (core.Household, error)
	ListHouseholds(ctx context.Context) ([]core.Household, error)
}

// PaymentReader reads ledger rows.
type PaymentReader interface {
	// FindPayment returns the row for key and whether it exists.
	FindPayment(ctx context.Context, key core.PaymentKey) (core.Payment, bool, error)
	// ListPayments returns matching rows ordered by period, fee code and household id.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]core.Payment, error)
}

// PaymentWriter writes ledger rows. Rows are never deleted.
type PaymentWriter interface {
	// InsertPaymentIfAbsent atomically inserts p unless a row with the same key
	// exists. It reports whether the row was created.
	InsertPaymentIfAbsent(ctx context.Context, p core.Payment) (core.Payment, bool, error)
	// InsertPayment inserts p and fails with core.ErrConstraintViolation on a duplicate key.
	InsertPayment(ctx context.Context, p core.Payment) (core.Payment, error)
	// TransitionPayment moves the row from one status to another only if it is
	// still in the from status. A non-nil settlement is applied in the same write.
	// A row no longer in from yields core.ErrInvalidTransition.
	TransitionPayment(ctx context.Context, id int64, from, to core.Status, s *core.Settlement) (core.Payment, error)
}

// Store is the full entity store the engine runs against.
type Store interface {
	FeeReader
	HouseholdReader
	PaymentReader
	PaymentWriter

	SaveFee(ctx context.Context, f core.Fee) error
	SaveHousehold(ctx context.Context, h core.Household) error
	Ping(ctx context.Context) error
	Close() error
}
