package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"feeledger/internal/core"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{70, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := exponentialBackoff(tt.attempt); got != tt.expected {
				t.Errorf("exponentialBackoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"closed connection", errors.New("connection closed"), true},
		{"EOF", errors.New("unexpected EOF"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"closed network connection", errors.New("use of closed network connection"), true},
		{"wrapped", fmt.Errorf("publish message: %w", errors.New("connection reset by peer")), true},
		{"other error", errors.New("exchange not found"), false},
		{"validation error", errors.New("invalid input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.expected {
				t.Errorf("isConnectionError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	client := &Client{exchangeName: "feeledger", queueName: "feeledger.events"}

	t.Run("initial state is closed", func(t *testing.T) {
		if client.isCircuitOpen() {
			t.Error("circuit breaker should be closed initially")
		}
	})

	t.Run("record success resets state", func(t *testing.T) {
		atomic.StoreInt64(&client.failureCount, 3)
		atomic.StoreInt32(&client.state, StateOpen)

		client.recordSuccess()

		if client.isCircuitOpen() {
			t.Error("circuit breaker should be closed after success")
		}
		if atomic.LoadInt64(&client.failureCount) != 0 {
			t.Error("failure count should be reset after success")
		}
	})

	t.Run("failures below threshold keep circuit closed", func(t *testing.T) {
		client.recordSuccess()
		for i := 0; i < maxFailures-1; i++ {
			client.recordFailure()
		}
		if client.isCircuitOpen() {
			t.Error("circuit should stay closed below the failure threshold")
		}
	})

	t.Run("threshold opens circuit", func(t *testing.T) {
		client.recordSuccess()
		for i := 0; i < maxFailures; i++ {
			client.recordFailure()
		}
		if !client.isCircuitOpen() {
			t.Error("circuit breaker should be open after max failures")
		}
	})

	t.Run("half-open after timeout", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateOpen)
		client.lastFailure = time.Now().Add(-openTimeout - time.Second)

		if client.isCircuitOpen() {
			t.Error("circuit should let a probe through after the timeout")
		}
		if atomic.LoadInt32(&client.state) != StateHalfOpen {
			t.Error("state should be half-open after timeout")
		}
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateHalfOpen)
		atomic.StoreInt64(&client.failureCount, 0)
		client.recordFailure()
		if atomic.LoadInt32(&client.state) != StateOpen {
			t.Error("a failure while half-open should reopen the circuit")
		}
	})
}

func TestClient_PublishGuards(t *testing.T) {
	client := &Client{exchangeName: "feeledger", queueName: "feeledger.events"}

	t.Run("open circuit refuses to publish", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateOpen)
		client.lastFailure = time.Now()

		err := client.PublishReconciliation(context.Background(), core.ReconciliationReport{RunID: "r1"})
		if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
			t.Fatalf("expected circuit breaker error, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		client.recordSuccess()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := client.PublishPaymentRecorded(ctx, core.Payment{ID: 1})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestNewReconciliationMessage(t *testing.T) {
	started := time.Date(2023, 6, 15, 1, 0, 0, 0, time.UTC)
	report := core.ReconciliationReport{
		RunID:             "run-1",
		AsOf:              core.NewDate(2023, 6, 15),
		StartedAt:         started,
		FinishedAt:        started.Add(time.Second),
		HouseholdsScanned: 1,
		PairingsEvaluated: 1,
		Created:           make([]core.Obligation, 5),
		NewlyOverdue:      make([]core.Obligation, 0),
		OverThreshold: []core.HouseholdArrears{
			{HouseholdID: "A101", Outstanding: core.Money{Minor: 2500000}, UnpaidCount: 5, OverdueCount: 4},
		},
		Failures: []core.PairingFailure{{HouseholdID: "A101", FeeCode: "BAD", Reason: "invalid fee category"}},
	}

	msg := NewReconciliationMessage(report, "VND")
	if msg.RunID != "run-1" || msg.AsOf != "2023-06-15" || msg.Created != 5 || msg.NewlyOverdue != 0 {
		t.Fatalf("unexpected header: %+v", msg)
	}
	if len(msg.OverThreshold) != 1 || msg.OverThreshold[0].OutstandingMinor != 2500000 || msg.OverThreshold[0].Outstanding == "" {
		t.Fatalf("unexpected alerts: %+v", msg.OverThreshold)
	}
	if len(msg.Failures) != 1 || msg.Failures[0].FeeCode != "BAD" {
		t.Fatalf("unexpected failures: %+v", msg.Failures)
	}

	body, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	if !strings.Contains(string(body), `"over_threshold":[{"household_id":"A101"`) {
		t.Errorf("unexpected wire format: %s", body)
	}
	parsed, err := ReconciliationMessageFromJSON(body)
	if err != nil {
		t.Fatalf("ReconciliationMessageFromJSON() error = %v", err)
	}
	if !parsed.StartedAt.Equal(started) || parsed.OverThreshold[0].OverdueCount != 4 {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestNewReconciliationMessageEmptyListsEncodeAsArrays(t *testing.T) {
	body, err := NewReconciliationMessage(core.ReconciliationReport{RunID: "r"}, "VND").ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	for _, want := range []string{`"over_threshold":[]`, `"failures":[]`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
}

func TestPaymentRecordedMessage(t *testing.T) {
	p := core.Payment{
		ID:          7,
		FeeCode:     "PHI001",
		HouseholdID: "A101",
		Period:      core.NewPeriod(2023, time.June),
		Amount:      core.Money{Minor: 500000},
		Status:      core.StatusPaid,
		PaidOn:      core.NewDate(2023, 6, 10),
		Method:      core.MethodCash,
	}
	msg := NewPaymentRecordedMessage(p, "VND")
	if msg.Period != "2023-06" || msg.PaidOn != "2023-06-10" || msg.Method != "cash" || msg.AmountMinor != 500000 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestPaymentRecordedMessage_InvalidJSON(t *testing.T) {
	if _, err := PaymentRecordedMessageFromJSON([]byte(`{"id": "not_a_number"}`)); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}
