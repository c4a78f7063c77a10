package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
)

type recordingPublisher struct {
	mu   sync.Mutex
	got  []core.Payment
	fail error
}

func (p *recordingPublisher) PublishPaymentRecorded(_ context.Context, pay core.Payment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, pay)
	return p.fail
}

func settlement(day int) core.Settlement {
	return core.Settlement{
		Amount:    core.Money{Minor: 500000},
		PaidOn:    core.NewDate(2023, 6, day),
		Method:    core.MethodBankTransfer,
		Collector: "bql",
	}
}

func TestRecordPayment(t *testing.T) {
	today := core.NewDate(2023, 6, 15)

	tests := []struct {
		name      string
		reconcile bool
		req       RecordPaymentRequest
		wantErr   error
	}{
		{
			name:      "pending row becomes paid",
			reconcile: true,
			req:       RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.June), Settlement: settlement(10)},
		},
		{
			name:      "overdue row becomes paid",
			reconcile: true,
			req:       RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.March), Settlement: settlement(10)},
		},
		{
			name: "missing row is created paid",
			req:  RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.February), Settlement: settlement(10)},
		},
		{
			name:    "already paid",
			req:     RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.January), Settlement: settlement(10)},
			wantErr: core.ErrConstraintViolation,
		},
		{
			name:    "unknown fee",
			req:     RecordPaymentRequest{FeeCode: "NOPE", HouseholdID: "A101", Period: period(2023, time.February), Settlement: settlement(10)},
			wantErr: core.ErrNotFound,
		},
		{
			name:    "unknown household",
			req:     RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "Z999", Period: period(2023, time.February), Settlement: settlement(10)},
			wantErr: core.ErrNotFound,
		},
		{
			name:    "period before the fee started",
			req:     RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2022, time.December), Settlement: settlement(10)},
			wantErr: core.ErrInvalidPeriod,
		},
		{
			name:    "future period",
			req:     RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.August), Settlement: settlement(10)},
			wantErr: core.ErrInvalidPeriod,
		},
		{
			name:    "zero amount",
			req:     RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.February), Settlement: core.Settlement{PaidOn: today, Method: core.MethodCash}},
			wantErr: core.ErrInvalidAmount,
		},
		{
			name:    "unknown method",
			req:     RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.February), Settlement: core.Settlement{Amount: core.Money{Minor: 1}, PaidOn: today, Method: "cheque"}},
			wantErr: core.ErrInvalidMethod,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newScenarioStore(t)
			if tt.reconcile {
				if _, err := NewLedger(s, LedgerConfig{}, nil).Reconcile(ctx, today); err != nil {
					t.Fatalf("reconcile: %v", err)
				}
			}
			pub := &recordingPublisher{}
			svc := NewPaymentService(s, core.FixedClock{Day: today}, 0, pub, nil, nil)

			got, err := svc.RecordPayment(ctx, tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(pub.got) != 0 {
					t.Fatalf("nothing should be published on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != core.StatusPaid || got.PaidOn != tt.req.Settlement.PaidOn || got.Amount != tt.req.Settlement.Amount {
				t.Fatalf("unexpected row: %+v", got)
			}
			if got.Method != core.MethodBankTransfer || got.Collector != "bql" {
				t.Fatalf("settlement details not stored: %+v", got)
			}
			row, ok, err := s.FindPayment(ctx, tt.req.key())
			if err != nil || !ok || row.Status != core.StatusPaid {
				t.Fatalf("stored row = %+v, %v, %v", row, ok, err)
			}
			if len(pub.got) != 1 || pub.got[0].ID != got.ID {
				t.Fatalf("expected one published event for row %d, got %+v", got.ID, pub.got)
			}
		})
	}
}

func (r RecordPaymentRequest) key() core.PaymentKey {
	return core.PaymentKey{FeeCode: r.FeeCode, HouseholdID: r.HouseholdID, Period: r.Period}
}

func TestRecordPaymentTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	svc := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 6, 15)}, 0, nil, nil, nil)
	req := RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.April), Settlement: settlement(1)}

	if _, err := svc.RecordPayment(ctx, req); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if _, err := svc.RecordPayment(ctx, req); !errors.Is(err, core.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	if rows := mustRows(t, s, storage.PaymentFilter{Statuses: []core.Status{core.StatusPaid}}); len(rows) != 2 {
		t.Fatalf("expected 2 paid rows, got %d", len(rows))
	}
}

func TestRecordPaymentConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newScenarioStore(t)
	svc := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 6, 15)}, 0, nil, nil, nil)
	req := RecordPaymentRequest{FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.May), Settlement: settlement(2)}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordPayment(ctx, req)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, core.ErrConstraintViolation) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful payment, got %d", succeeded)
	}
}

func TestRecordPaymentPublishFailureIsNotFatal(t *testing.T) {
	s := newScenarioStore(t)
	pub := &recordingPublisher{fail: errors.New("broker down")}
	svc := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 6, 15)}, 0, pub, nil, nil)
	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.March), Settlement: settlement(3),
	})
	if err != nil {
		t.Fatalf("publish failure should not fail the payment: %v", err)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected one publish attempt, got %d", len(pub.got))
	}
}

func TestRecordPaymentInvalidatesStatistics(t *testing.T) {
	ctx := context.Background()
	today := core.NewDate(2023, 6, 15)
	s := newScenarioStore(t)
	stats := NewStatistics(s, core.FixedClock{Day: today}, StatsConfig{CacheTTL: time.Hour}, nil)
	svc := NewPaymentService(s, core.FixedClock{Day: today}, 0, nil, stats, nil)

	before, err := stats.DashboardSummary(ctx, today)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if _, err := svc.RecordPayment(ctx, RecordPaymentRequest{
		FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.February), Settlement: settlement(5),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	after, err := stats.DashboardSummary(ctx, today)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if after.TotalCollected.Minor != before.TotalCollected.Minor+500000 {
		t.Fatalf("collected %d -> %d, cache was not invalidated", before.TotalCollected.Minor, after.TotalCollected.Minor)
	}
}

func TestRecordPaymentAfterFeeChanged(t *testing.T) {
	today := core.NewDate(2023, 6, 15)

	tests := []struct {
		name    string
		change  func(f *core.Fee)
		p       core.Period
		wantErr error
	}{
		{
			name:   "overdue row of a deactivated fee",
			change: func(f *core.Fee) { f.Active = false },
			p:      period(2023, time.February),
		},
		{
			name:   "pending row of a deactivated fee",
			change: func(f *core.Fee) { f.Active = false },
			p:      period(2023, time.June),
		},
		{
			name:   "row past a shortened end date",
			change: func(f *core.Fee) { f.EndDate = core.NewDate(2023, 3, 31) },
			p:      period(2023, time.May),
		},
		{
			name:    "unmaterialized period of a deactivated fee",
			change:  func(f *core.Fee) { f.Active = false },
			p:       period(2023, time.July),
			wantErr: core.ErrInvalidPeriod,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newScenarioStore(t)
			if _, err := NewLedger(s, LedgerConfig{}, nil).Reconcile(ctx, today); err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			fee := phi001
			tt.change(&fee)
			if err := s.SaveFee(ctx, fee); err != nil {
				t.Fatalf("save fee: %v", err)
			}

			// paid after the month rolled over
			svc := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 7, 1)}, 0, nil, nil, nil)
			got, err := svc.RecordPayment(ctx, RecordPaymentRequest{
				FeeCode: "PHI001", HouseholdID: "A101", Period: tt.p, Settlement: settlement(30),
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != core.StatusPaid {
				t.Fatalf("expected paid, got %s", got.Status)
			}

			stmt, err := NewQueryService(s, core.FixedClock{Day: today}, 0, nil).GetHouseholdFeeStatus(ctx, "A101", nil)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if stmt.Outstanding.Minor != 2000000 {
				t.Fatalf("outstanding = %d, want 2000000", stmt.Outstanding.Minor)
			}
		})
	}
}

func TestRecordPaymentLogFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s := newScenarioStore(t)
	svc := NewPaymentService(s, core.FixedClock{Day: core.NewDate(2023, 6, 15)}, 0, nil, nil, nil)
	if _, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		FeeCode: "PHI001", HouseholdID: "A101", Period: period(2023, time.April), Settlement: settlement(4),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e map[string]any
		if json.Unmarshal(line, &e) == nil && e["msg"] == "Payment recorded" {
			entry = e
		}
	}
	if entry == nil {
		t.Fatalf("no payment log line in %q", buf.String())
	}
	if entry["component"] != "payment" || entry["operation"] != "pay" || entry["amount_minor"] != float64(500000) {
		t.Fatalf("unexpected log fields: %v", entry)
	}
}
