package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"feeledger/internal/core"
	"feeledger/internal/services"
)

// errBadRequest marks malformed input that has no domain sentinel.
var errBadRequest = errors.New("bad request")

const maxBodyBytes = 64 << 10

// parseOptionalDate reads a YYYY-MM-DD query parameter; absent yields nil.
func parseOptionalDate(query url.Values, key string) (*core.Date, error) {
	v := strings.TrimSpace(query.Get(key))
	if v == "" {
		return nil, nil
	}
	d, err := core.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", errBadRequest, key)
	}
	return &d, nil
}

// parseOptionalPeriod reads a YYYY-MM query parameter; absent yields nil.
func parseOptionalPeriod(query url.Values, key string) (*core.Period, error) {
	v := strings.TrimSpace(query.Get(key))
	if v == "" {
		return nil, nil
	}
	p, err := core.ParsePeriod(v)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// parsePeriodRange reads the required from/to parameters.
func parsePeriodRange(query url.Values) (from, to core.Period, err error) {
	fp, err := parseOptionalPeriod(query, "from")
	if err != nil {
		return from, to, err
	}
	tp, err := parseOptionalPeriod(query, "to")
	if err != nil {
		return from, to, err
	}
	if fp == nil || tp == nil {
		return from, to, fmt.Errorf("%w: from and to are required (YYYY-MM)", errBadRequest)
	}
	return *fp, *tp, nil
}

// PaymentRequest is the body of POST /api/payments. Amount is a decimal string
// in major units; PaidOn defaults to today.
type PaymentRequest struct {
	FeeCode     string `json:"fee_code"`
	HouseholdID string `json:"household_id"`
	Period      string `json:"period"`
	Amount      string `json:"amount"`
	PaidOn      string `json:"paid_on"`
	Method      string `json:"method"`
	Collector   string `json:"collector"`
}

// decodePaymentRequest reads a PaymentRequest and converts it for the payment service.
func decodePaymentRequest(r *http.Request, currency string, today core.Date) (services.RecordPaymentRequest, error) {
	var body PaymentRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return services.RecordPaymentRequest{}, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return body.toRecordRequest(currency, today)
}

func (p PaymentRequest) toRecordRequest(currency string, today core.Date) (services.RecordPaymentRequest, error) {
	feeCode := sanitizeInput(p.FeeCode)
	householdID := sanitizeInput(p.HouseholdID)
	if feeCode == "" || householdID == "" {
		return services.RecordPaymentRequest{}, fmt.Errorf("%w: fee_code and household_id are required", errBadRequest)
	}
	period, err := core.ParsePeriod(p.Period)
	if err != nil {
		return services.RecordPaymentRequest{}, err
	}
	amount, err := core.ParseAmount(p.Amount, currency)
	if err != nil {
		return services.RecordPaymentRequest{}, fmt.Errorf("amount %q: %w", p.Amount, err)
	}
	paidOn := today
	if strings.TrimSpace(p.PaidOn) != "" {
		if paidOn, err = core.ParseDate(p.PaidOn); err != nil {
			return services.RecordPaymentRequest{}, fmt.Errorf("%w: paid_on must be YYYY-MM-DD", errBadRequest)
		}
	}
	method, err := core.ParseCollectionMethod(p.Method)
	if err != nil {
		return services.RecordPaymentRequest{}, err
	}
	return services.RecordPaymentRequest{
		FeeCode:     feeCode,
		HouseholdID: householdID,
		Period:      period,
		Settlement: core.Settlement{
			Amount:    amount,
			PaidOn:    paidOn,
			Method:    method,
			Collector: sanitizeInput(p.Collector),
		},
	}, nil
}

// sanitizeInput drops control characters and trims whitespace.
func sanitizeInput(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return -1
		}
		return r
	}, s))
}
