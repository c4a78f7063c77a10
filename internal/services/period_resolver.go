// Package services provides the fee engine: period resolution, obligation
// evaluation, reconciliation, statistics and payment recording.
//
// This file implements the Strategy Pattern for billing periods. Each recurrence
// (monthly, yearly, once) has its own strategy deciding which months inside a
// fee/household window carry an obligation.
package services

import (
	"fmt"
	"slices"

	"feeledger/internal/core"
)

// PeriodStrategy selects the billing periods inside an inclusive window.
type PeriodStrategy interface {
	// Periods returns the strictly increasing periods in [from, to] for which fee is owed.
	Periods(fee core.Fee, from, to core.Period) []core.Period
}

// MonthlyPeriods bills every month of the window.
type MonthlyPeriods struct{}

func (MonthlyPeriods) Periods(_ core.Fee, from, to core.Period) []core.Period {
	return core.PeriodRange(from, to)
}

// YearlyPeriods bills once a year, in the month the fee started.
type YearlyPeriods struct{}

func (YearlyPeriods) Periods(fee core.Fee, from, to core.Period) []core.Period {
	var out []core.Period
	anniversary := fee.StartDate.Month()
	for _, p := range core.PeriodRange(from, to) {
		if p.Month == anniversary {
			out = append(out, p)
		}
	}
	return out
}

// OncePeriods bills only the month the fee started.
type OncePeriods struct{}

func (OncePeriods) Periods(fee core.Fee, from, to core.Period) []core.Period {
	p := core.PeriodOf(fee.StartDate)
	if p.Before(from) || p.After(to) {
		return nil
	}
	return []core.Period{p}
}

// periodStrategies maps recurrences to their strategies.
var periodStrategies = map[core.Recurrence]PeriodStrategy{
	core.Monthly: MonthlyPeriods{},
	core.Yearly:  YearlyPeriods{},
	core.Once:    OncePeriods{},
}

// GetPeriodStrategy returns the strategy for a recurrence. An empty recurrence is monthly.
func GetPeriodStrategy(r core.Recurrence) (PeriodStrategy, error) {
	if r == "" {
		r = core.Monthly
	}
	s, ok := periodStrategies[r]
	if !ok {
		return nil, fmt.Errorf("unknown recurrence: %s", r)
	}
	return s, nil
}

// ResolvePeriods returns the ordered billing periods for which household owes fee as of asOf.
//
// The window starts at the later of the fee start and the household creation
// month and ends at the earlier of the fee end (or asOf) and asOf. A deactivated
// fee, or a window that closes before it opens, yields an empty result, not an
// error. The only error is an unknown recurrence.
func ResolvePeriods(fee core.Fee, household core.Household, asOf core.Date) ([]core.Period, error) {
	strategy, err := GetPeriodStrategy(fee.Recurrence)
	if err != nil {
		return nil, err
	}
	from, to, ok := window(fee, household, asOf)
	if !ok {
		return nil, nil
	}
	return strategy.Periods(fee, from, to), nil
}

// Covers reports whether period is one ResolvePeriods would produce for the pairing.
func Covers(fee core.Fee, household core.Household, asOf core.Date, period core.Period) (bool, error) {
	periods, err := ResolvePeriods(fee, household, asOf)
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearchFunc(periods, period, func(a, b core.Period) int { return a.Compare(b) })
	return found, nil
}

func window(fee core.Fee, household core.Household, asOf core.Date) (from, to core.Period, ok bool) {
	if !fee.Active || fee.StartDate.IsZero() || household.CreatedOn.IsZero() {
		return core.Period{}, core.Period{}, false
	}
	start := fee.StartDate
	if household.CreatedOn.After(start) {
		start = household.CreatedOn
	}
	end := asOf
	if !fee.EndDate.IsZero() && fee.EndDate.Before(end) {
		end = fee.EndDate
	}
	from, to = core.PeriodOf(start), core.PeriodOf(end)
	if from.After(to) {
		return core.Period{}, core.Period{}, false
	}
	return from, to, true
}
