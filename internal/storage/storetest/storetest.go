// Package storetest holds the behaviour every Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
)

// Fixture fee and household used by Run.
var (
	Fee = core.Fee{
		Code:      "PHI001",
		Name:      "Phí quản lý",
		Amount:    core.Money{Minor: 500000},
		Category:  core.Mandatory,
		StartDate: core.NewDate(2023, 1, 1),
		Active:    true,
	}
	Household = core.Household{
		ID:        "A101",
		Address:   "Tầng 1",
		CreatedOn: core.NewDate(2023, 1, 1),
		Active:    true,
	}
)

// Run exercises a fresh Store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("entities", func(t *testing.T) { testEntities(t, newStore(t)) })
	t.Run("insert if absent", func(t *testing.T) { testInsertIfAbsent(t, newStore(t)) })
	t.Run("insert duplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("unknown references", func(t *testing.T) { testUnknownRefs(t, newStore(t)) })
	t.Run("transition", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("list filter", func(t *testing.T) { testListFilter(t, newStore(t)) })
	t.Run("concurrent insert", func(t *testing.T) { testConcurrentInsert(t, newStore(t)) })
}

// Seed writes the fixture fee and household.
func Seed(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.SaveFee(ctx, Fee); err != nil {
		t.Fatalf("save fee: %v", err)
	}
	if err := s.SaveHousehold(ctx, Household); err != nil {
		t.Fatalf("save household: %v", err)
	}
}

func pending(period core.Period) core.Payment {
	return core.Payment{
		FeeCode:     Fee.Code,
		HouseholdID: Household.ID,
		Period:      period,
		Status:      core.StatusPending,
		DueDate:     period.LastDay(),
	}
}

func testEntities(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)

	f, err := s.GetFee(ctx, Fee.Code)
	if err != nil {
		t.Fatalf("get fee: %v", err)
	}
	if f.Amount != Fee.Amount || f.StartDate != Fee.StartDate || !f.EndDate.IsZero() || f.RecurrenceOrDefault() != core.Monthly {
		t.Fatalf("fee round trip mismatch: %+v", f)
	}

	updated := Fee
	updated.Active = false
	updated.EndDate = core.NewDate(2023, 12, 31)
	if err := s.SaveFee(ctx, updated); err != nil {
		t.Fatalf("update fee: %v", err)
	}
	fees, err := s.ListFees(ctx)
	if err != nil || len(fees) != 1 || fees[0].Active || fees[0].EndDate != updated.EndDate {
		t.Fatalf("unexpected fees after update: %+v err=%v", fees, err)
	}

	h, err := s.GetHousehold(ctx, Household.ID)
	if err != nil || h.CreatedOn != Household.CreatedOn || h.Address != Household.Address {
		t.Fatalf("household round trip mismatch: %+v err=%v", h, err)
	}

	if _, err := s.GetFee(ctx, "NOPE"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for fee, got %v", err)
	}
	if _, err := s.GetHousehold(ctx, "Z999"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for household, got %v", err)
	}
}

func testInsertIfAbsent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)
	jan := core.NewPeriod(2023, time.January)

	first, created, err := s.InsertPaymentIfAbsent(ctx, pending(jan))
	if err != nil || !created || first.ID == 0 {
		t.Fatalf("first insert: created=%v id=%d err=%v", created, first.ID, err)
	}
	second, created, err := s.InsertPaymentIfAbsent(ctx, pending(jan))
	if err != nil || created {
		t.Fatalf("second insert should be a no-op: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("second insert returned a different row: %d vs %d", second.ID, first.ID)
	}

	got, ok, err := s.FindPayment(ctx, first.Key())
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if got.Status != core.StatusPending || got.DueDate != core.NewDate(2023, 1, 31) || got.Period != jan {
		t.Fatalf("unexpected row %+v", got)
	}

	if _, ok, err := s.FindPayment(ctx, core.PaymentKey{FeeCode: Fee.Code, HouseholdID: Household.ID, Period: jan.Next()}); ok || err != nil {
		t.Fatalf("expected no row for february: ok=%v err=%v", ok, err)
	}
}

func testInsertDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)
	jan := core.NewPeriod(2023, time.January)

	if _, err := s.InsertPayment(ctx, pending(jan)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertPayment(ctx, pending(jan)); !errors.Is(err, core.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	rows, err := s.ListPayments(ctx, storage.PaymentFilter{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d err=%v", len(rows), err)
	}
}

func testUnknownRefs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)
	p := pending(core.NewPeriod(2023, time.January))
	p.FeeCode = "NOPE"
	if _, err := s.InsertPayment(ctx, p); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown fee, got %v", err)
	}
}

func testTransition(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)
	p, err := s.InsertPayment(ctx, pending(core.NewPeriod(2023, time.January)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	overdue, err := s.TransitionPayment(ctx, p.ID, core.StatusPending, core.StatusOverdue, nil)
	if err != nil || overdue.Status != core.StatusOverdue {
		t.Fatalf("pending->overdue: %+v err=%v", overdue, err)
	}

	// Stale compare-and-set loses.
	if _, err := s.TransitionPayment(ctx, p.ID, core.StatusPending, core.StatusOverdue, nil); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for stale from, got %v", err)
	}

	settle := &core.Settlement{
		Amount:    core.Money{Minor: 500000},
		PaidOn:    core.NewDate(2023, 2, 10),
		Method:    core.MethodBankTransfer,
		Collector: "thu ngân",
	}
	paid, err := s.TransitionPayment(ctx, p.ID, core.StatusOverdue, core.StatusPaid, settle)
	if err != nil {
		t.Fatalf("overdue->paid: %v", err)
	}
	if paid.Status != core.StatusPaid || paid.Amount != settle.Amount || paid.PaidOn != settle.PaidOn ||
		paid.Method != settle.Method || paid.Collector != settle.Collector {
		t.Fatalf("settlement not applied: %+v", paid)
	}
	if paid.Period != p.Period || paid.FeeCode != p.FeeCode || paid.HouseholdID != p.HouseholdID {
		t.Fatalf("identity changed on transition: %+v", paid)
	}

	if _, err := s.TransitionPayment(ctx, p.ID, core.StatusPaid, core.StatusPending, nil); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("paid must be terminal, got %v", err)
	}
	if _, err := s.TransitionPayment(ctx, 9999, core.StatusPending, core.StatusOverdue, nil); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func testListFilter(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)
	other := Household
	other.ID = "B202"
	if err := s.SaveHousehold(ctx, other); err != nil {
		t.Fatalf("save household: %v", err)
	}

	for _, hh := range []string{Household.ID, other.ID} {
		for m := time.January; m <= time.April; m++ {
			p := pending(core.NewPeriod(2023, m))
			p.HouseholdID = hh
			if _, err := s.InsertPayment(ctx, p); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
	}
	all, _ := s.ListPayments(ctx, storage.PaymentFilter{HouseholdID: other.ID})
	if _, err := s.TransitionPayment(ctx, all[0].ID, core.StatusPending, core.StatusOverdue, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	tests := []struct {
		name   string
		filter storage.PaymentFilter
		want   int
	}{
		{"all", storage.PaymentFilter{}, 8},
		{"household", storage.PaymentFilter{HouseholdID: Household.ID}, 4},
		{"fee", storage.PaymentFilter{FeeCode: Fee.Code}, 8},
		{"range", storage.PaymentFilter{From: core.NewPeriod(2023, time.February), To: core.NewPeriod(2023, time.March)}, 4},
		{"open from", storage.PaymentFilter{From: core.NewPeriod(2023, time.April)}, 2},
		{"status", storage.PaymentFilter{Statuses: []core.Status{core.StatusOverdue}}, 1},
		{"unpaid", storage.PaymentFilter{Statuses: []core.Status{core.StatusPending, core.StatusOverdue}}, 8},
		{"household and status", storage.PaymentFilter{HouseholdID: Household.ID, Statuses: []core.Status{core.StatusOverdue}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListPayments(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d rows, want %d", len(got), tt.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Period.Before(got[i-1].Period) {
					t.Fatalf("rows not ordered by period: %v before %v", got[i-1].Period, got[i].Period)
				}
			}
		})
	}
}

func testConcurrentInsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	Seed(t, s)
	jan := core.NewPeriod(2023, time.January)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.InsertPaymentIfAbsent(ctx, pending(jan))
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
	rows, _ := s.ListPayments(ctx, storage.PaymentFilter{})
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
}
