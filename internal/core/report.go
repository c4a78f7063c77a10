package core

import (
	"fmt"
	"time"
)

// Obligation is one cell of the obligation matrix.
type Obligation struct {
	HouseholdID string
	FeeCode     string
	Period      Period
	Status      Status
	DueDate     Date
	AmountDue   Money
}

// PairingFailure records a household/fee pairing a reconciliation run skipped.
type PairingFailure struct {
	HouseholdID string
	FeeCode     string
	Reason      string
}

func (f PairingFailure) String() string {
	return fmt.Sprintf("%s/%s: %s", f.HouseholdID, f.FeeCode, f.Reason)
}

// HouseholdArrears is a household's unpaid balance after reconciliation.
type HouseholdArrears struct {
	HouseholdID  string
	Outstanding  Money
	UnpaidCount  int
	OverdueCount int
}

// ReconciliationReport is the outcome of one reconciliation run.
type ReconciliationReport struct {
	RunID             string
	AsOf              Date
	StartedAt         time.Time
	FinishedAt        time.Time
	HouseholdsScanned int
	PairingsEvaluated int
	Created           []Obligation
	NewlyOverdue      []Obligation
	OverThreshold     []HouseholdArrears
	Failures          []PairingFailure
}

// Err returns a *PartialReconciliationError when pairings were skipped, nil otherwise.
func (r ReconciliationReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialReconciliationError{Failures: r.Failures}
}

// Changed reports whether the run wrote anything to the ledger.
func (r ReconciliationReport) Changed() bool {
	return len(r.Created) > 0 || len(r.NewlyOverdue) > 0
}

func (r ReconciliationReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StatusTotal is a count of rows and the money they represent.
type StatusTotal struct {
	Count int
	Sum   Money
}

type DashboardSummary struct {
	AsOf                 Date
	TotalCollected       Money
	TotalOutstanding     Money
	CountByStatus        map[Status]int
	ActiveHouseholdCount int
	ActiveFeeCount       int
}

type StatusBreakdown map[Status]StatusTotal

// MonthlyEntry is one month of the collection trend.
type MonthlyEntry struct {
	Period          Period
	Collected       Money
	Outstanding     Money
	NewOverdueCount int
}

// FeeStatus is the status of one obligation as seen by a household.
type FeeStatus struct {
	FeeCode    string
	FeeName    string
	Period     Period
	Status     Status
	DueDate    Date
	AmountDue  Money
	AmountPaid Money
	PaidOn     Date
}

// HouseholdStatement lists every obligation of a household as of a date.
type HouseholdStatement struct {
	HouseholdID string
	AsOf        Date
	Items       []FeeStatus
	Outstanding Money
}
