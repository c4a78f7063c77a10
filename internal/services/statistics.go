package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"feeledger/internal/cache"
	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/metrics"
	"feeledger/internal/storage"

	"golang.org/x/sync/singleflight"
)

// StatsConfig tunes the statistics cache. A zero CacheTTL disables caching.
type StatsConfig struct {
	GraceDays int
	CacheTTL  time.Duration
	CacheSize int
}

// Statistics computes dashboard figures from the ledger. It never writes and
// may run while a reconciliation is in flight.
type Statistics struct {
	store   storage.Store
	clock   core.Clock
	eval    Evaluator
	cache   *cache.LRUCache[any]
	group   singleflight.Group
	metrics *metrics.Metrics
}

func NewStatistics(store storage.Store, clock core.Clock, cfg StatsConfig, m *metrics.Metrics) *Statistics {
	s := &Statistics{
		store:   store,
		clock:   clock,
		eval:    Evaluator{GraceDays: cfg.GraceDays},
		metrics: m,
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 256
		}
		s.cache = cache.NewLRUCache[any](size, cfg.CacheTTL)
	}
	return s
}

// Cache exposes the underlying cache for registration with a cache.Manager. Nil when disabled.
func (s *Statistics) Cache() *cache.LRUCache[any] { return s.cache }

// Invalidate drops cached results after the ledger changed.
func (s *Statistics) Invalidate() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// DashboardSummary reports collection totals as of asOf.
//
// A row counts as paid when it was settled on or before asOf; otherwise its
// status is derived from its due date. Unpaid rows for periods after asOf are
// not yet owed and are ignored.
func (s *Statistics) DashboardSummary(ctx context.Context, asOf core.Date) (core.DashboardSummary, error) {
	return cached(s, ctx, "summary", "summary:"+asOf.String(), func() (core.DashboardSummary, error) {
		return s.dashboardSummary(ctx, asOf)
	})
}

func (s *Statistics) dashboardSummary(ctx context.Context, asOf core.Date) (core.DashboardSummary, error) {
	rows, fees, err := s.snapshot(ctx, storage.PaymentFilter{})
	if err != nil {
		return core.DashboardSummary{}, err
	}
	households, err := s.store.ListHouseholds(ctx)
	if err != nil {
		return core.DashboardSummary{}, fmt.Errorf("list households: %w", err)
	}

	sum := core.DashboardSummary{AsOf: asOf, CountByStatus: emptyCounts()}
	limit := core.PeriodOf(asOf)
	for _, row := range rows {
		status := s.statusAsOf(row, asOf)
		if status != core.StatusPaid && row.Period.After(limit) {
			continue
		}
		sum.CountByStatus[status]++
		if status == core.StatusPaid {
			sum.TotalCollected = sum.TotalCollected.Add(row.Amount)
		} else {
			sum.TotalOutstanding = sum.TotalOutstanding.Add(fees[row.FeeCode].Amount)
		}
	}
	for _, h := range households {
		if h.Active {
			sum.ActiveHouseholdCount++
		}
	}
	for _, f := range fees {
		if f.IsCurrentlyActive(asOf) {
			sum.ActiveFeeCount++
		}
	}
	return sum, nil
}

// PaymentStatusBreakdown groups the current ledger by status. A nil period
// covers every period. Paid rows sum what was paid, unpaid rows what is owed.
func (s *Statistics) PaymentStatusBreakdown(ctx context.Context, period *core.Period) (core.StatusBreakdown, error) {
	key := "breakdown:all"
	filter := storage.PaymentFilter{}
	if period != nil {
		if err := period.Validate(); err != nil {
			return nil, err
		}
		key = "breakdown:" + period.String()
		filter.From, filter.To = *period, *period
	}
	return cached(s, ctx, "breakdown", key, func() (core.StatusBreakdown, error) {
		rows, fees, err := s.snapshot(ctx, filter)
		if err != nil {
			return nil, err
		}
		out := core.StatusBreakdown{}
		for _, st := range core.Statuses() {
			out[st] = core.StatusTotal{}
		}
		for _, row := range rows {
			total := out[row.Status]
			total.Count++
			if row.Status == core.StatusPaid {
				total.Sum = total.Sum.Add(row.Amount)
			} else {
				total.Sum = total.Sum.Add(fees[row.FeeCode].Amount)
			}
			out[row.Status] = total
		}
		return out, nil
	})
}

// MonthlyReport returns one entry per month in [from, to], zero-filled.
//
// Collected groups payments by the month they were paid in. Outstanding is the
// owed amount of rows of that period still unpaid. NewOverdueCount counts rows
// whose first overdue day falls in the month and which were not settled by
// their due date; days after today are not counted.
func (s *Statistics) MonthlyReport(ctx context.Context, from, to core.Period) ([]core.MonthlyEntry, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: %s is after %s", core.ErrInvalidPeriod, from, to)
	}
	today := s.clock.Today()
	key := fmt.Sprintf("monthly:%s:%s:%s", from, to, today)
	return cached(s, ctx, "monthly", key, func() ([]core.MonthlyEntry, error) {
		rows, fees, err := s.snapshot(ctx, storage.PaymentFilter{})
		if err != nil {
			return nil, err
		}
		periods := core.PeriodRange(from, to)
		entries := make([]core.MonthlyEntry, len(periods))
		for i, p := range periods {
			entries[i].Period = p
		}
		slot := func(p core.Period) *core.MonthlyEntry {
			if p.Before(from) || p.After(to) {
				return nil
			}
			return &entries[from.MonthsUntil(p)]
		}

		for _, row := range rows {
			if row.Status == core.StatusPaid && !row.PaidOn.IsZero() {
				if e := slot(core.PeriodOf(row.PaidOn)); e != nil {
					e.Collected = e.Collected.Add(row.Amount)
				}
			}
			if row.Status.Unpaid() {
				if e := slot(row.Period); e != nil {
					e.Outstanding = e.Outstanding.Add(fees[row.FeeCode].Amount)
				}
			}
			due := s.dueDate(row)
			firstOverdue := due.AddDays(1)
			if firstOverdue.After(today) {
				continue
			}
			if row.Status == core.StatusPaid && !row.PaidOn.After(due) {
				continue
			}
			if e := slot(core.PeriodOf(firstOverdue)); e != nil {
				e.NewOverdueCount++
			}
		}
		return entries, nil
	})
}

func (s *Statistics) dueDate(row core.Payment) core.Date {
	if !row.DueDate.IsZero() {
		return row.DueDate
	}
	return s.eval.DueDate(row.Period)
}

func (s *Statistics) statusAsOf(row core.Payment, asOf core.Date) core.Status {
	if row.Status == core.StatusPaid && !row.PaidOn.IsZero() && !row.PaidOn.After(asOf) {
		return core.StatusPaid
	}
	return StatusOf(s.dueDate(row), asOf)
}

func (s *Statistics) snapshot(ctx context.Context, filter storage.PaymentFilter) ([]core.Payment, map[string]core.Fee, error) {
	rows, err := s.store.ListPayments(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("list payments: %w", err)
	}
	list, err := s.store.ListFees(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list fees: %w", err)
	}
	fees := make(map[string]core.Fee, len(list))
	for _, f := range list {
		fees[f.Code] = f
	}
	return rows, fees, nil
}

func emptyCounts() map[core.Status]int {
	counts := make(map[core.Status]int, 3)
	for _, st := range core.Statuses() {
		counts[st] = 0
	}
	return counts
}

// cached serves key from the cache or computes it once across concurrent callers.
func cached[T any](s *Statistics, ctx context.Context, query, key string, compute func() (T, error)) (T, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			s.metrics.CacheLookup(query, true)
			return v.(T), nil
		}
		s.metrics.CacheLookup(query, false)
	}
	v, err, shared := s.group.Do(key, func() (any, error) {
		out, err := compute()
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(key, out)
		}
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if shared {
		slog.DebugContext(ctx, "Statistics query shared",
			log.FieldOperation, log.OpList,
			"query", query, "key", key)
	}
	return v.(T), nil
}
