// Package core provides money parsing and handling utilities.
//
// Money is held as an integer count of the currency's minor unit (cents for EUR,
// whole dong for VND). Parsing goes through shopspring/decimal so no float ever
// touches an amount; formatting uses the currency tables of go-money.
package core

import (
	"errors"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

type Money struct {
	Minor int64
}

// ParseAmount converts a decimal string in major units to Money for the given currency.
//
// A lone comma is read as the decimal separator ("12,34"); when both comma and dot
// appear, commas are thousands separators ("1,250.50"). Digits beyond the currency's
// fraction are rounded half-up. Negative values are rejected, zero is allowed.
//
// Examples (EUR):
//
//	ParseAmount("12.34", "EUR") -> {1234}
//	ParseAmount("12,345", "EUR") -> {1235}
//	ParseAmount("500000", "VND") -> {500000}
func ParseAmount(s, currency string) (Money, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", ""))
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ",", ".")
		}
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	minor := d.Shift(Fraction(currency)).Round(0)
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(1<<62)) {
		return Money{}, ErrInvalidAmount
	}
	return Money{Minor: minor.IntPart()}, nil
}

// Fraction returns the number of minor-unit digits of a currency (2 when unknown).
func Fraction(currency string) int32 {
	if c := gomoney.GetCurrency(strings.ToUpper(currency)); c != nil {
		return int32(c.Fraction)
	}
	return 2
}

// Format renders the amount with the currency's symbol and separators.
func (m Money) Format(currency string) string {
	return gomoney.New(m.Minor, strings.ToUpper(currency)).Display()
}

// Major returns the amount in major units, exact.
func (m Money) Major(currency string) decimal.Decimal {
	return decimal.NewFromInt(m.Minor).Shift(-Fraction(currency))
}

func (m Money) Add(o Money) Money        { return Money{Minor: m.Minor + o.Minor} }
func (m Money) Sub(o Money) Money        { return Money{Minor: m.Minor - o.Minor} }
func (m Money) Times(n int) Money        { return Money{Minor: m.Minor * int64(n)} }
func (m Money) IsZero() bool             { return m.Minor == 0 }
func (m Money) IsPositive() bool         { return m.Minor > 0 }
func (m Money) IsNegative() bool         { return m.Minor < 0 }
func (m Money) GreaterThan(o Money) bool { return m.Minor > o.Minor }
