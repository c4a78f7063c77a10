package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/metrics"
	"feeledger/internal/storage"
)

// PaymentPublisher announces recorded payments to other systems.
type PaymentPublisher interface {
	PublishPaymentRecorded(ctx context.Context, p core.Payment) error
}

// RecordPaymentRequest is a manual payment for one obligation.
type RecordPaymentRequest struct {
	FeeCode     string
	HouseholdID string
	Period      core.Period
	Settlement  core.Settlement
}

// PaymentService records manual payments outside the reconciliation path.
type PaymentService struct {
	store     storage.Store
	clock     core.Clock
	eval      Evaluator
	publisher PaymentPublisher
	stats     *Statistics
	metrics   *metrics.Metrics
}

// NewPaymentService wires the service. publisher and stats may be nil.
func NewPaymentService(store storage.Store, clock core.Clock, graceDays int, publisher PaymentPublisher, stats *Statistics, m *metrics.Metrics) *PaymentService {
	return &PaymentService{
		store:     store,
		clock:     clock,
		eval:      Evaluator{GraceDays: graceDays},
		publisher: publisher,
		stats:     stats,
		metrics:   m,
	}
}

// RecordPayment settles the obligation identified by the request.
//
// A pending or overdue row becomes paid; an obligation not yet materialized is
// inserted as paid. Rows already materialized stay payable after the fee is
// deactivated or its end date moves earlier. A second payment for the same
// obligation fails with core.ErrConstraintViolation, an unknown fee or
// household with core.ErrNotFound and a period the fee does not bill with
// core.ErrInvalidPeriod.
func (s *PaymentService) RecordPayment(ctx context.Context, req RecordPaymentRequest) (core.Payment, error) {
	if err := req.Settlement.Validate(); err != nil {
		return core.Payment{}, err
	}
	if err := req.Period.Validate(); err != nil {
		return core.Payment{}, err
	}
	fee, err := s.store.GetFee(ctx, req.FeeCode)
	if err != nil {
		return core.Payment{}, err
	}
	household, err := s.store.GetHousehold(ctx, req.HouseholdID)
	if err != nil {
		return core.Payment{}, err
	}
	key := core.PaymentKey{FeeCode: fee.Code, HouseholdID: household.ID, Period: req.Period}
	_, exists, err := s.store.FindPayment(ctx, key)
	if err != nil {
		return core.Payment{}, err
	}
	// a materialized row stays payable after the fee is deactivated or shortened
	if !exists {
		asOf := s.clock.Today()
		ok, err := Covers(fee, household, asOf, req.Period)
		if err != nil {
			return core.Payment{}, err
		}
		if !ok {
			return core.Payment{}, fmt.Errorf("%w: %s does not bill %s for %s as of %s",
				core.ErrInvalidPeriod, fee.Code, req.Period, household.ID, asOf)
		}
	}

	paid, err := s.settle(ctx, key, req.Settlement)
	if err != nil {
		return core.Payment{}, err
	}

	slog.InfoContext(ctx, "Payment recorded",
		log.FieldComponent, log.ComponentPayment,
		log.FieldOperation, log.OpPay,
		"id", paid.ID,
		"key", key.String(),
		log.FieldAmountMinor, paid.Amount.Minor,
		"method", paid.Method,
		"paid_on", paid.PaidOn.String())
	s.metrics.PaymentRecorded(string(paid.Method))
	if s.stats != nil {
		s.stats.Invalidate()
	}
	if s.publisher != nil {
		if err := s.publisher.PublishPaymentRecorded(ctx, paid); err != nil {
			slog.ErrorContext(ctx, "Failed to publish payment event",
				log.FieldComponent, log.ComponentPayment,
				log.FieldOperation, log.OpPublish,
				"key", key.String(),
				log.FieldError, err)
		}
	}
	return paid, nil
}

// settle applies the settlement to the row for key, creating it when absent.
// A concurrent insert is retried once as a transition.
func (s *PaymentService) settle(ctx context.Context, key core.PaymentKey, st core.Settlement) (core.Payment, error) {
	for attempt := 0; attempt < 2; attempt++ {
		row, exists, err := s.store.FindPayment(ctx, key)
		if err != nil {
			return core.Payment{}, err
		}
		if exists {
			if row.Status == core.StatusPaid {
				return core.Payment{}, fmt.Errorf("%w: %s already paid on %s", core.ErrConstraintViolation, key, row.PaidOn)
			}
			paid, err := s.store.TransitionPayment(ctx, row.ID, row.Status, core.StatusPaid, &st)
			if errors.Is(err, core.ErrInvalidTransition) {
				// status moved underneath us (aged or paid); look again
				continue
			}
			return paid, err
		}

		paid, err := s.store.InsertPayment(ctx, core.Payment{
			FeeCode:     key.FeeCode,
			HouseholdID: key.HouseholdID,
			Period:      key.Period,
			Amount:      st.Amount,
			Status:      core.StatusPaid,
			PaidOn:      st.PaidOn,
			DueDate:     s.eval.DueDate(key.Period),
			Method:      st.Method,
			Collector:   st.Collector,
		})
		if errors.Is(err, core.ErrConstraintViolation) {
			continue
		}
		return paid, err
	}
	return core.Payment{}, fmt.Errorf("%w: %s changed concurrently", core.ErrConstraintViolation, key)
}
