package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/metrics"
	"feeledger/internal/storage"
	"feeledger/internal/storage/memory"
)

func TestReconcileScenario(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	ledger := NewLedger(s, LedgerConfig{Workers: 2}, metrics.New())

	report, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Err() != nil {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}
	if len(report.Created) != 5 {
		t.Fatalf("expected 5 created obligations, got %d", len(report.Created))
	}
	if len(report.NewlyOverdue) != 0 {
		t.Fatalf("rows inserted as overdue are not transitions, got %d", len(report.NewlyOverdue))
	}
	if report.RunID == "" || report.HouseholdsScanned != 1 || report.PairingsEvaluated != 1 {
		t.Fatalf("unexpected counters: %+v", report)
	}
	if report.Created[0].Period != period(2023, time.February) || report.Created[4].Period != period(2023, time.June) {
		t.Fatalf("created obligations not ordered: %+v", report.Created)
	}
	for _, o := range report.Created {
		if o.AmountDue.Minor != 500000 {
			t.Fatalf("amount due should be the fee amount, got %d", o.AmountDue.Minor)
		}
	}

	got := statusByPeriod(mustRows(t, s, storage.PaymentFilter{}))
	want := map[string]core.Status{
		"2023-01": core.StatusPaid,
		"2023-02": core.StatusOverdue,
		"2023-03": core.StatusOverdue,
		"2023-04": core.StatusOverdue,
		"2023-05": core.StatusOverdue,
		"2023-06": core.StatusPending,
	}
	if len(got) != len(want) {
		t.Fatalf("ledger rows = %v", got)
	}
	for p, st := range want {
		if got[p] != st {
			t.Errorf("%s: got %s, want %s", p, got[p], st)
		}
	}

	// unpaid rows carry no amount until settled
	for _, row := range mustRows(t, s, storage.PaymentFilter{Statuses: []core.Status{core.StatusPending, core.StatusOverdue}}) {
		if !row.Amount.IsZero() || row.DueDate.IsZero() {
			t.Errorf("materialized row %s should have zero amount and a due date: %+v", row.Key(), row)
		}
	}

	if len(report.OverThreshold) != 1 || report.OverThreshold[0].Outstanding.Minor != 2500000 || report.OverThreshold[0].OverdueCount != 4 {
		t.Fatalf("unexpected arrears alert: %+v", report.OverThreshold)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	ledger := NewLedger(s, LedgerConfig{}, nil)
	asOf := core.NewDate(2023, 6, 15)

	if _, err := ledger.Reconcile(ctx, asOf); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	before := mustRows(t, s, storage.PaymentFilter{})

	report, err := ledger.Reconcile(ctx, asOf)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if report.Changed() {
		t.Fatalf("second run should change nothing: created=%d overdue=%d", len(report.Created), len(report.NewlyOverdue))
	}
	after := mustRows(t, s, storage.PaymentFilter{})
	if len(before) != len(after) {
		t.Fatalf("row count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Status != after[i].Status || before[i].ID != after[i].ID {
			t.Fatalf("row %s churned: %+v -> %+v", before[i].Key(), before[i], after[i])
		}
	}
}

func TestReconcileMonotonicStatus(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	ledger := NewLedger(s, LedgerConfig{}, nil)
	payments := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 7, 20)}, 0, nil, nil, nil)

	history := map[string][]core.Status{}
	record := func() {
		for _, row := range mustRows(t, s, storage.PaymentFilter{}) {
			h := history[row.Period.String()]
			if len(h) == 0 || h[len(h)-1] != row.Status {
				history[row.Period.String()] = append(h, row.Status)
			}
		}
	}

	if _, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	record()

	report, err := ledger.Reconcile(ctx, core.NewDate(2023, 7, 5))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.NewlyOverdue) != 1 || report.NewlyOverdue[0].Period != period(2023, time.June) {
		t.Fatalf("june should age into overdue: %+v", report.NewlyOverdue)
	}
	if len(report.Created) != 1 || report.Created[0].Status != core.StatusPending {
		t.Fatalf("july should be created pending: %+v", report.Created)
	}
	record()

	if _, err := payments.RecordPayment(ctx, RecordPaymentRequest{
		FeeCode:     "PHI001",
		HouseholdID: "A101",
		Period:      period(2023, time.July),
		Settlement:  core.Settlement{Amount: core.Money{Minor: 500000}, PaidOn: core.NewDate(2023, 7, 20), Method: core.MethodCash},
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	record()

	if _, err := ledger.Reconcile(ctx, core.NewDate(2023, 8, 5)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	record()

	allowed := map[string]bool{
		"pending":         true,
		"pending,overdue": true,
		"pending,paid":    true,
		"overdue,paid":    true,
		"paid":            true,
		"overdue":         true,
	}
	for p, seq := range history {
		key := ""
		for i, st := range seq {
			if i > 0 {
				key += ","
			}
			key += string(st)
		}
		if !allowed[key] {
			t.Errorf("%s went through %s", p, key)
		}
	}
	if got := history["2023-07"]; len(got) != 2 || got[1] != core.StatusPaid {
		t.Errorf("july should be pending then paid, got %v", got)
	}
}

func TestReconcileUniquenessAcrossHouseholds(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	for _, id := range []string{"A102", "A103", "B201", "B202", "C301"} {
		h := a101
		h.ID = id
		if err := s.SaveHousehold(ctx, h); err != nil {
			t.Fatalf("save household: %v", err)
		}
	}
	parking := core.Fee{Code: "XE01", Name: "Gửi xe", Amount: core.Money{Minor: 120000}, Category: core.Parking, StartDate: core.NewDate(2023, 3, 1), Active: true}
	if err := s.SaveFee(ctx, parking); err != nil {
		t.Fatalf("save fee: %v", err)
	}
	ledger := NewLedger(s, LedgerConfig{Workers: 4}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15))
			if err != nil && !errors.Is(err, core.ErrReconcileInProgress) {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rows := mustRows(t, s, storage.PaymentFilter{})
	seen := map[core.PaymentKey]bool{}
	for _, r := range rows {
		if seen[r.Key()] {
			t.Fatalf("duplicate row for %s", r.Key())
		}
		seen[r.Key()] = true
	}
	// 6 households x 6 months of PHI001 + 6 x 4 months of XE01
	if len(rows) != 36+24 {
		t.Fatalf("expected 60 rows, got %d", len(rows))
	}
}

// malformedFeeStore serves one fee record that fails validation.
type malformedFeeStore struct {
	storage.Store
}

func (m malformedFeeStore) ListFees(ctx context.Context) ([]core.Fee, error) {
	fees, err := m.Store.ListFees(ctx)
	bad := phi001
	bad.Code = "BAD"
	bad.Category = "donation"
	return append(fees, bad), err
}

func TestReconcilePartialFailure(t *testing.T) {
	ctx := context.Background()
	s := malformedFeeStore{Store: newScenarioStore(t)}
	ledger := NewLedger(s, LedgerConfig{}, nil)

	report, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15))
	if err != nil {
		t.Fatalf("a bad fee must not abort the run: %v", err)
	}
	if len(report.Created) != 5 {
		t.Fatalf("healthy pairing should still reconcile, created %d", len(report.Created))
	}
	if len(report.Failures) != 1 || report.Failures[0].FeeCode != "BAD" || report.Failures[0].HouseholdID != "A101" {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	if !errors.Is(report.Err(), core.ErrPartialReconciliation) {
		t.Fatalf("report should surface a partial failure, got %v", report.Err())
	}
}

// blockingStore parks ListHouseholds until released.
type blockingStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ListHouseholds(ctx context.Context) ([]core.Household, error) {
	close(b.entered)
	<-b.release
	return b.Store.ListHouseholds(ctx)
}

func TestReconcileSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := &blockingStore{Store: newScenarioStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	ledger := NewLedger(s, LedgerConfig{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15))
		done <- err
	}()
	<-s.entered

	if _, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15)); !errors.Is(err, core.ErrReconcileInProgress) {
		t.Fatalf("expected ErrReconcileInProgress, got %v", err)
	}
	close(s.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

// cancelOnInsert cancels the run after the first row is written.
type cancelOnInsert struct {
	storage.Store
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnInsert) InsertPaymentIfAbsent(ctx context.Context, p core.Payment) (core.Payment, bool, error) {
	row, ok, err := c.Store.InsertPaymentIfAbsent(ctx, p)
	c.once.Do(c.cancel)
	return row, ok, err
}

func TestReconcileCancellationIsRestartable(t *testing.T) {
	base := newScenarioStore(t)
	h := a101
	h.ID = "B202"
	if err := base.SaveHousehold(context.Background(), h); err != nil {
		t.Fatalf("save household: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &cancelOnInsert{Store: base, cancel: cancel}
	ledger := NewLedger(s, LedgerConfig{Workers: 1}, nil)

	report, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// the pairing in flight finishes, the next household is never started
	if len(report.Created) != 5 {
		t.Fatalf("expected the first household's 5 rows, got %d", len(report.Created))
	}

	report, err = NewLedger(base, LedgerConfig{}, nil).Reconcile(context.Background(), core.NewDate(2023, 6, 15))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(report.Created) != 6 {
		t.Fatalf("restart should only fill the missing household, created %d", len(report.Created))
	}
	if rows := mustRows(t, base, storage.PaymentFilter{}); len(rows) != 12 {
		t.Fatalf("expected 12 rows after restart, got %d", len(rows))
	}
}

func TestReconcileSkipsInactiveHouseholds(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.SaveFee(ctx, phi001); err != nil {
		t.Fatalf("save fee: %v", err)
	}
	gone := a101
	gone.Active = false
	if err := s.SaveHousehold(ctx, gone); err != nil {
		t.Fatalf("save household: %v", err)
	}
	report, err := NewLedger(s, LedgerConfig{}, nil).Reconcile(ctx, core.NewDate(2023, 6, 15))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.HouseholdsScanned != 0 || report.Changed() {
		t.Fatalf("inactive household must not be reconciled: %+v", report)
	}
}

func TestReconcileAgesOrphanedPendingRows(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	ledger := NewLedger(s, LedgerConfig{}, nil)
	if _, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// fee switched off while June is still pending
	off := phi001
	off.Active = false
	if err := s.SaveFee(ctx, off); err != nil {
		t.Fatalf("save fee: %v", err)
	}
	report, err := ledger.Reconcile(ctx, core.NewDate(2023, 7, 2))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Created) != 0 {
		t.Fatalf("deactivated fee must not create rows, got %d", len(report.Created))
	}
	if len(report.NewlyOverdue) != 1 || report.NewlyOverdue[0].Period != period(2023, time.June) {
		t.Fatalf("june should still age into overdue: %+v", report.NewlyOverdue)
	}
}

func TestReconcileAlertThreshold(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		threshold int64
		want      int
	}{
		{"below balance", 1000000, 1},
		{"equal is not over", 2500000, 0},
		{"above balance", 3000000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScenarioStore(t)
			ledger := NewLedger(s, LedgerConfig{AlertThreshold: core.Money{Minor: tt.threshold}}, nil)
			report, err := ledger.Reconcile(ctx, core.NewDate(2023, 6, 15))
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if len(report.OverThreshold) != tt.want {
				t.Fatalf("got %d alerts, want %d", len(report.OverThreshold), tt.want)
			}
		})
	}
}
