package amqp

import (
	"encoding/json"
	"time"

	"feeledger/internal/core"
)

// ArrearsAlert is a household whose balance crossed the alert threshold.
type ArrearsAlert struct {
	HouseholdID      string `json:"household_id"`
	OutstandingMinor int64  `json:"outstanding_minor"`
	Outstanding      string `json:"outstanding"`
	UnpaidCount      int    `json:"unpaid_count"`
	OverdueCount     int    `json:"overdue_count"`
}

type PairingFailure struct {
	HouseholdID string `json:"household_id"`
	FeeCode     string `json:"fee_code"`
	Reason      string `json:"reason"`
}

// ReconciliationMessage summarizes a reconciliation run. Created and newly
// overdue obligations are counted, not listed; consumers query the API for rows.
type ReconciliationMessage struct {
	RunID             string           `json:"run_id"`
	AsOf              string           `json:"as_of"`
	Currency          string           `json:"currency"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	HouseholdsScanned int              `json:"households_scanned"`
	PairingsEvaluated int              `json:"pairings_evaluated"`
	Created           int              `json:"created"`
	NewlyOverdue      int              `json:"newly_overdue"`
	OverThreshold     []ArrearsAlert   `json:"over_threshold"`
	Failures          []PairingFailure `json:"failures"`
	Timestamp         time.Time        `json:"timestamp"`
}

func NewReconciliationMessage(r core.ReconciliationReport, currency string) *ReconciliationMessage {
	msg := &ReconciliationMessage{
		RunID:             r.RunID,
		AsOf:              r.AsOf.String(),
		Currency:          currency,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		HouseholdsScanned: r.HouseholdsScanned,
		PairingsEvaluated: r.PairingsEvaluated,
		Created:           len(r.Created),
		NewlyOverdue:      len(r.NewlyOverdue),
		OverThreshold:     make([]ArrearsAlert, 0, len(r.OverThreshold)),
		Failures:          make([]PairingFailure, 0, len(r.Failures)),
		Timestamp:         time.Now(),
	}
	for _, a := range r.OverThreshold {
		msg.OverThreshold = append(msg.OverThreshold, ArrearsAlert{
			HouseholdID:      a.HouseholdID,
			OutstandingMinor: a.Outstanding.Minor,
			Outstanding:      a.Outstanding.Format(currency),
			UnpaidCount:      a.UnpaidCount,
			OverdueCount:     a.OverdueCount,
		})
	}
	for _, f := range r.Failures {
		msg.Failures = append(msg.Failures, PairingFailure(f))
	}
	return msg
}

// Changed reports whether the run wrote any row.
func (m *ReconciliationMessage) Changed() bool {
	return m.Created > 0 || m.NewlyOverdue > 0
}

func (m *ReconciliationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ReconciliationMessageFromJSON(data []byte) (*ReconciliationMessage, error) {
	var msg ReconciliationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PaymentRecordedMessage carries a settled ledger row.
type PaymentRecordedMessage struct {
	ID          int64     `json:"id"`
	FeeCode     string    `json:"fee_code"`
	HouseholdID string    `json:"household_id"`
	Period      string    `json:"period"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	PaidOn      string    `json:"paid_on"`
	Method      string    `json:"method"`
	Collector   string    `json:"collector,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewPaymentRecordedMessage(p core.Payment, currency string) *PaymentRecordedMessage {
	return &PaymentRecordedMessage{
		ID:          p.ID,
		FeeCode:     p.FeeCode,
		HouseholdID: p.HouseholdID,
		Period:      p.Period.String(),
		AmountMinor: p.Amount.Minor,
		Currency:    currency,
		PaidOn:      p.PaidOn.String(),
		Method:      string(p.Method),
		Collector:   p.Collector,
		Timestamp:   time.Now(),
	}
}

func (m *PaymentRecordedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func PaymentRecordedMessageFromJSON(data []byte) (*PaymentRecordedMessage, error) {
	var msg PaymentRecordedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
