package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"feeledger/internal/core"
	"feeledger/internal/log"
)

// SeedFile is the JSON document accepted by LoadSeed.
//
//	{
//	  "fees": [{"code": "PHI001", "name": "Phí quản lý", "amount": "500000",
//	            "category": "mandatory", "start_date": "2023-01-01", "active": true}],
//	  "households": [{"id": "A101", "created_on": "2023-01-01", "active": true}],
//	  "payments": [{"fee_code": "PHI001", "household_id": "A101", "period": "2023-01",
//	                "amount": "500000", "paid_on": "2023-01-10", "method": "cash"}]
//	}
type SeedFile struct {
	Fees []struct {
		Code       string `json:"code"`
		Name       string `json:"name"`
		Amount     string `json:"amount"`
		Category   string `json:"category"`
		Recurrence string `json:"recurrence"`
		StartDate  string `json:"start_date"`
		EndDate    string `json:"end_date"`
		Active     bool   `json:"active"`
	} `json:"fees"`
	Households []struct {
		ID             string `json:"id"`
		Address        string `json:"address"`
		HeadResidentID string `json:"head_resident_id"`
		CreatedOn      string `json:"created_on"`
		Active         bool   `json:"active"`
	} `json:"households"`
	Payments []struct {
		FeeCode     string `json:"fee_code"`
		HouseholdID string `json:"household_id"`
		Period      string `json:"period"`
		Amount      string `json:"amount"`
		PaidOn      string `json:"paid_on"`
		Method      string `json:"method"`
		Collector   string `json:"collector"`
	} `json:"payments"`
}

// Seed holds validated records ready to be written to a Store.
type Seed struct {
	Fees       []core.Fee
	Households []core.Household
	Payments   []core.Payment
}

// LoadSeed reads a seed file, parsing amounts in currency.
func LoadSeed(path, currency string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var raw SeedFile
	if err := json.Unmarshal(b, &raw); err != nil {
		return Seed{}, fmt.Errorf("decode seed file: %w", err)
	}
	return raw.Parse(currency)
}

// Parse converts the raw document into domain records.
func (raw SeedFile) Parse(currency string) (Seed, error) {
	var seed Seed
	for _, rf := range raw.Fees {
		amount, err := core.ParseAmount(rf.Amount, currency)
		if err != nil {
			return Seed{}, fmt.Errorf("fee %q amount: %w", rf.Code, err)
		}
		start, err := core.ParseDate(rf.StartDate)
		if err != nil {
			return Seed{}, fmt.Errorf("fee %q: %w", rf.Code, err)
		}
		end, err := core.ParseDate(rf.EndDate)
		if err != nil {
			return Seed{}, fmt.Errorf("fee %q: %w", rf.Code, err)
		}
		seed.Fees = append(seed.Fees, core.Fee{
			Code:       rf.Code,
			Name:       rf.Name,
			Amount:     amount,
			Category:   core.Category(rf.Category),
			Recurrence: core.Recurrence(rf.Recurrence),
			StartDate:  start,
			EndDate:    end,
			Active:     rf.Active,
		})
	}
	for _, rh := range raw.Households {
		created, err := core.ParseDate(rh.CreatedOn)
		if err != nil {
			return Seed{}, fmt.Errorf("household %q: %w", rh.ID, err)
		}
		seed.Households = append(seed.Households, core.Household{
			ID:             rh.ID,
			Address:        rh.Address,
			HeadResidentID: rh.HeadResidentID,
			CreatedOn:      created,
			Active:         rh.Active,
		})
	}
	for _, rp := range raw.Payments {
		period, err := core.ParsePeriod(rp.Period)
		if err != nil {
			return Seed{}, fmt.Errorf("payment %s/%s: %w", rp.FeeCode, rp.HouseholdID, err)
		}
		amount, err := core.ParseAmount(rp.Amount, currency)
		if err != nil {
			return Seed{}, fmt.Errorf("payment %s/%s amount: %w", rp.FeeCode, rp.HouseholdID, err)
		}
		paidOn, err := core.ParseDate(rp.PaidOn)
		if err != nil {
			return Seed{}, fmt.Errorf("payment %s/%s: %w", rp.FeeCode, rp.HouseholdID, err)
		}
		method := core.MethodCash
		if rp.Method != "" {
			if method, err = core.ParseCollectionMethod(rp.Method); err != nil {
				return Seed{}, err
			}
		}
		seed.Payments = append(seed.Payments, core.Payment{
			FeeCode:     rp.FeeCode,
			HouseholdID: rp.HouseholdID,
			Period:      period,
			Amount:      amount,
			Status:      core.StatusPaid,
			PaidOn:      paidOn,
			Method:      method,
			Collector:   rp.Collector,
		})
	}
	return seed, nil
}

// Apply writes the seed. Re-applying is safe: entities are upserted and
// payments already present are left as they are.
func (seed Seed) Apply(ctx context.Context, s Store) error {
	for _, f := range seed.Fees {
		if err := s.SaveFee(ctx, f); err != nil {
			return err
		}
	}
	for _, h := range seed.Households {
		if err := s.SaveHousehold(ctx, h); err != nil {
			return err
		}
	}
	created := 0
	for _, p := range seed.Payments {
		_, ok, err := s.InsertPaymentIfAbsent(ctx, p)
		if err != nil {
			return fmt.Errorf("seed payment %s: %w", p.Key(), err)
		}
		if ok {
			created++
		}
	}
	slog.InfoContext(ctx, "Seed applied",
		log.FieldComponent, log.ComponentStorage,
		log.FieldOperation, log.OpSeed,
		"fees", len(seed.Fees),
		"households", len(seed.Households),
		"payments_created", created)
	return nil
}
