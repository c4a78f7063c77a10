package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
	"feeledger/internal/storage/memory"
	"feeledger/internal/storage/storetest"
)

func newSQLite(t *testing.T) storage.Store {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "data", "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	storetest.Run(t, newSQLite)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 2; i++ {
		repo, err := storage.NewSQLiteRepository(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		repo.Close()
	}
}

func TestPaymentFilterMatch(t *testing.T) {
	p := core.Payment{FeeCode: "PHI001", HouseholdID: "A101", Period: core.NewPeriod(2023, time.March), Status: core.StatusOverdue}
	tests := []struct {
		name   string
		filter storage.PaymentFilter
		want   bool
	}{
		{"empty", storage.PaymentFilter{}, true},
		{"fee miss", storage.PaymentFilter{FeeCode: "XE01"}, false},
		{"from equal", storage.PaymentFilter{From: core.NewPeriod(2023, time.March)}, true},
		{"to before", storage.PaymentFilter{To: core.NewPeriod(2023, time.February)}, false},
		{"status hit", storage.PaymentFilter{Statuses: []core.Status{core.StatusPending, core.StatusOverdue}}, true},
		{"status miss", storage.PaymentFilter{Statuses: []core.Status{core.StatusPaid}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(p); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	doc := `{
		"fees": [{"code": "PHI001", "name": "Phí quản lý", "amount": "500000", "category": "mandatory", "start_date": "2023-01-01", "active": true}],
		"households": [{"id": "A101", "created_on": "2023-01-01", "active": true}],
		"payments": [{"fee_code": "PHI001", "household_id": "A101", "period": "2023-01", "amount": "500000", "paid_on": "2023-01-10", "method": "Bank Transfer"}]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	seed, err := storage.LoadSeed(path, "VND")
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if len(seed.Fees) != 1 || seed.Fees[0].Amount.Minor != 500000 {
		t.Fatalf("unexpected fees: %+v", seed.Fees)
	}
	if len(seed.Payments) != 1 || seed.Payments[0].Method != core.MethodBankTransfer || seed.Payments[0].Status != core.StatusPaid {
		t.Fatalf("unexpected payments: %+v", seed.Payments)
	}

	ctx := context.Background()
	s := memory.New()
	for i := 0; i < 2; i++ {
		if err := seed.Apply(ctx, s); err != nil {
			t.Fatalf("apply #%d: %v", i, err)
		}
	}
	rows, _ := s.ListPayments(ctx, storage.PaymentFilter{})
	if len(rows) != 1 {
		t.Fatalf("re-applying the seed must not duplicate payments, got %d rows", len(rows))
	}
}

func TestLoadSeedRejectsBadAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	doc := `{"fees": [{"code": "X", "name": "x", "amount": "-5", "category": "mandatory", "start_date": "2023-01-01"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := storage.LoadSeed(path, "VND"); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}
