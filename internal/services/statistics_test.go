package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
)

func reconciledScenario(t *testing.T, asOf core.Date) storage.Store {
	t.Helper()
	s := newScenarioStore(t)
	if _, err := NewLedger(s, LedgerConfig{}, nil).Reconcile(context.Background(), asOf); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return s
}

func TestDashboardSummaryScenario(t *testing.T) {
	asOf := core.NewDate(2023, 6, 15)
	s := reconciledScenario(t, asOf)
	stats := NewStatistics(s, core.FixedClock{Day: asOf}, StatsConfig{}, nil)

	sum, err := stats.DashboardSummary(context.Background(), asOf)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalCollected.Minor != 500000 {
		t.Errorf("totalCollected = %d, want 500000", sum.TotalCollected.Minor)
	}
	if sum.TotalOutstanding.Minor != 2500000 {
		t.Errorf("totalOutstanding = %d, want 2500000", sum.TotalOutstanding.Minor)
	}
	want := map[core.Status]int{core.StatusPaid: 1, core.StatusOverdue: 4, core.StatusPending: 1}
	for st, n := range want {
		if sum.CountByStatus[st] != n {
			t.Errorf("count[%s] = %d, want %d", st, sum.CountByStatus[st], n)
		}
	}
	if sum.ActiveHouseholdCount != 1 || sum.ActiveFeeCount != 1 {
		t.Errorf("active counts = %d households, %d fees", sum.ActiveHouseholdCount, sum.ActiveFeeCount)
	}
}

func TestDashboardSummaryAggregateConsistency(t *testing.T) {
	ctx := context.Background()
	s := reconciledScenario(t, core.NewDate(2023, 6, 15))
	payments := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 6, 15)}, 0, nil, nil, nil)
	for _, m := range []time.Month{time.March, time.May} {
		if _, err := payments.RecordPayment(ctx, RecordPaymentRequest{
			FeeCode:     "PHI001",
			HouseholdID: "A101",
			Period:      period(2023, m),
			Settlement:  core.Settlement{Amount: core.Money{Minor: 450000}, PaidOn: core.NewDate(2023, 6, int(m)), Method: core.MethodOnline},
		}); err != nil {
			t.Fatalf("record %s: %v", m, err)
		}
	}
	stats := NewStatistics(s, core.FixedClock{Day: core.NewDate(2023, 6, 15)}, StatsConfig{}, nil)
	rows := mustRows(t, s, storage.PaymentFilter{})

	for day := 1; day <= 15; day++ {
		asOf := core.NewDate(2023, 6, day)
		var want int64
		for _, r := range rows {
			if r.Status == core.StatusPaid && !r.PaidOn.After(asOf) {
				want += r.Amount.Minor
			}
		}
		sum, err := stats.DashboardSummary(ctx, asOf)
		if err != nil {
			t.Fatalf("summary: %v", err)
		}
		if sum.TotalCollected.Minor != want {
			t.Errorf("as of %s collected %d, want %d", asOf, sum.TotalCollected.Minor, want)
		}
	}
}

func TestDashboardSummaryAlwaysHasEveryStatus(t *testing.T) {
	stats := NewStatistics(newScenarioStore(t), core.FixedClock{}, StatsConfig{}, nil)
	sum, err := stats.DashboardSummary(context.Background(), core.NewDate(2023, 1, 15))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	for _, st := range core.Statuses() {
		if _, ok := sum.CountByStatus[st]; !ok {
			t.Errorf("missing key %s", st)
		}
	}
}

func TestPaymentStatusBreakdown(t *testing.T) {
	ctx := context.Background()
	asOf := core.NewDate(2023, 6, 15)
	stats := NewStatistics(reconciledScenario(t, asOf), core.FixedClock{Day: asOf}, StatsConfig{}, nil)

	all, err := stats.PaymentStatusBreakdown(ctx, nil)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if all[core.StatusPaid] != (core.StatusTotal{Count: 1, Sum: core.Money{Minor: 500000}}) {
		t.Errorf("paid = %+v", all[core.StatusPaid])
	}
	if all[core.StatusOverdue] != (core.StatusTotal{Count: 4, Sum: core.Money{Minor: 2000000}}) {
		t.Errorf("overdue = %+v", all[core.StatusOverdue])
	}
	if all[core.StatusPending] != (core.StatusTotal{Count: 1, Sum: core.Money{Minor: 500000}}) {
		t.Errorf("pending = %+v", all[core.StatusPending])
	}

	mar := period(2023, time.March)
	one, err := stats.PaymentStatusBreakdown(ctx, &mar)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if one[core.StatusOverdue].Count != 1 || one[core.StatusPaid].Count != 0 || one[core.StatusPending].Count != 0 {
		t.Errorf("march breakdown = %+v", one)
	}
}

func TestMonthlyReport(t *testing.T) {
	today := core.NewDate(2023, 7, 5)
	s := newScenarioStore(t)
	if _, err := NewLedger(s, LedgerConfig{}, nil).Reconcile(context.Background(), today); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	stats := NewStatistics(s, core.FixedClock{Day: today}, StatsConfig{}, nil)

	entries, err := stats.MonthlyReport(context.Background(), period(2022, time.December), period(2023, time.August))
	if err != nil {
		t.Fatalf("monthly report: %v", err)
	}
	if len(entries) != 9 {
		t.Fatalf("expected 9 months, got %d", len(entries))
	}
	type row struct {
		collected, outstanding int64
		newOverdue             int
	}
	want := map[string]row{
		"2022-12": {0, 0, 0},
		"2023-01": {500000, 0, 0},
		"2023-02": {0, 500000, 0},
		"2023-03": {0, 500000, 1},
		"2023-04": {0, 500000, 1},
		"2023-05": {0, 500000, 1},
		"2023-06": {0, 500000, 1},
		"2023-07": {0, 500000, 1},
		"2023-08": {0, 0, 0},
	}
	for i, e := range entries {
		if i > 0 && entries[i-1].Period.Next() != e.Period {
			t.Fatalf("entries not contiguous at %s", e.Period)
		}
		w := want[e.Period.String()]
		if e.Collected.Minor != w.collected || e.Outstanding.Minor != w.outstanding || e.NewOverdueCount != w.newOverdue {
			t.Errorf("%s = {%d %d %d}, want %+v", e.Period, e.Collected.Minor, e.Outstanding.Minor, e.NewOverdueCount, w)
		}
	}
}

func TestMonthlyReportRejectsReversedRange(t *testing.T) {
	stats := NewStatistics(newScenarioStore(t), core.FixedClock{}, StatsConfig{}, nil)
	_, err := stats.MonthlyReport(context.Background(), period(2023, time.June), period(2023, time.January))
	if !errors.Is(err, core.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

// countingStore counts ListPayments calls.
type countingStore struct {
	storage.Store
	mu    sync.Mutex
	calls int
}

func (c *countingStore) ListPayments(ctx context.Context, f storage.PaymentFilter) ([]core.Payment, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Store.ListPayments(ctx, f)
}

func TestStatisticsCache(t *testing.T) {
	ctx := context.Background()
	asOf := core.NewDate(2023, 6, 15)
	s := &countingStore{Store: reconciledScenario(t, asOf)}
	stats := NewStatistics(s, core.FixedClock{Day: asOf}, StatsConfig{CacheTTL: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		if _, err := stats.DashboardSummary(ctx, asOf); err != nil {
			t.Fatalf("summary: %v", err)
		}
	}
	if s.calls != 1 {
		t.Fatalf("expected one store read with caching, got %d", s.calls)
	}
	stats.Invalidate()
	if _, err := stats.DashboardSummary(ctx, asOf); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.calls != 2 {
		t.Fatalf("invalidate should force a fresh read, got %d calls", s.calls)
	}
}

func TestStatisticsWithoutCache(t *testing.T) {
	ctx := context.Background()
	asOf := core.NewDate(2023, 6, 15)
	s := &countingStore{Store: reconciledScenario(t, asOf)}
	stats := NewStatistics(s, core.FixedClock{Day: asOf}, StatsConfig{}, nil)
	if stats.Cache() != nil {
		t.Fatalf("zero ttl should disable the cache")
	}
	for i := 0; i < 2; i++ {
		if _, err := stats.PaymentStatusBreakdown(ctx, nil); err != nil {
			t.Fatalf("breakdown: %v", err)
		}
	}
	if s.calls != 2 {
		t.Fatalf("expected a store read per call, got %d", s.calls)
	}
}
