package services

import (
	"context"
	"testing"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
	"feeledger/internal/storage/memory"
)

var (
	phi001 = core.Fee{
		Code:      "PHI001",
		Name:      "Phí quản lý",
		Amount:    core.Money{Minor: 500000},
		Category:  core.Mandatory,
		StartDate: core.NewDate(2023, 1, 1),
		Active:    true,
	}
	a101 = core.Household{
		ID:        "A101",
		Address:   "Tầng 1",
		CreatedOn: core.NewDate(2023, 1, 1),
		Active:    true,
	}
)

func period(year int, month time.Month) core.Period { return core.NewPeriod(year, month) }

// newScenarioStore seeds PHI001, A101 and a paid January row.
func newScenarioStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	if err := s.SaveFee(ctx, phi001); err != nil {
		t.Fatalf("save fee: %v", err)
	}
	if err := s.SaveHousehold(ctx, a101); err != nil {
		t.Fatalf("save household: %v", err)
	}
	if _, err := s.InsertPayment(ctx, core.Payment{
		FeeCode:     phi001.Code,
		HouseholdID: a101.ID,
		Period:      period(2023, time.January),
		Amount:      core.Money{Minor: 500000},
		Status:      core.StatusPaid,
		PaidOn:      core.NewDate(2023, 1, 10),
		Method:      core.MethodCash,
	}); err != nil {
		t.Fatalf("insert january payment: %v", err)
	}
	return s
}

func mustRows(t *testing.T, s storage.Store, filter storage.PaymentFilter) []core.Payment {
	t.Helper()
	rows, err := s.ListPayments(context.Background(), filter)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	return rows
}

func statusByPeriod(rows []core.Payment) map[string]core.Status {
	out := make(map[string]core.Status, len(rows))
	for _, r := range rows {
		out[r.Period.String()] = r.Status
	}
	return out
}
