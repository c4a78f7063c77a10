package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Mandatory    Category = "mandatory"
	Voluntary    Category = "voluntary"
	Contribution Category = "contribution"
	Parking      Category = "parking"
	Utilities    Category = "utilities"
)

const (
	Monthly Recurrence = "monthly"
	Yearly  Recurrence = "yearly"
	Once    Recurrence = "once"
)

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

const (
	MethodCash         CollectionMethod = "cash"
	MethodBankTransfer CollectionMethod = "bank_transfer"
	MethodOnline       CollectionMethod = "online"
	MethodOther        CollectionMethod = "other"
)

const dateLayout = "2006-01-02"

type (
	Category         string
	Recurrence       string
	Status           string
	CollectionMethod string

	// Date is a calendar day stored at UTC midnight.
	Date struct {
		time.Time
	}

	Fee struct {
		Code       string
		Name       string
		Amount     Money
		Category   Category
		Recurrence Recurrence
		StartDate  Date
		EndDate    Date // zero means open-ended
		Active     bool
	}

	Household struct {
		ID             string // apartment identifier
		Address        string
		HeadResidentID string // weak reference into the resident records, may be empty
		CreatedOn      Date
		Active         bool
	}

	// PaymentKey identifies the single ledger row a household may have for a fee in a period.
	PaymentKey struct {
		FeeCode     string
		HouseholdID string
		Period      Period
	}

	Payment struct {
		ID          int64
		FeeCode     string
		HouseholdID string
		Period      Period
		Amount      Money
		Status      Status
		PaidOn      Date // zero until paid
		DueDate     Date
		Method      CollectionMethod
		Collector   string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// Settlement carries the payment event applied when a row becomes paid.
	Settlement struct {
		Amount    Money
		PaidOn    Date
		Method    CollectionMethod
		Collector string
	}
)

var (
	ErrInvalidDay      = errors.New("invalid day")
	ErrInvalidMonth    = errors.New("invalid month")
	ErrEmptyCode       = errors.New("empty fee code")
	ErrEmptyName       = errors.New("empty fee name")
	ErrInvalidCategory = errors.New("invalid fee category")
	ErrEmptyHousehold  = errors.New("empty household id")
	ErrInvalidStatus   = errors.New("invalid payment status")
	ErrInvalidMethod   = errors.New("invalid collection method")
)

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string. An empty string yields the zero Date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	_, month, day := d.Date()
	if day < 1 || day > 31 {
		return ErrInvalidDay
	}
	if month < 1 || month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// String returns YYYY-MM-DD, or "" for the zero Date.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return d.Time.After(o.Time) }

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }

func (c Category) Valid() bool {
	switch c {
	case Mandatory, Voluntary, Contribution, Parking, Utilities:
		return true
	}
	return false
}

// Categories lists the fixed fee categories.
func Categories() []Category {
	return []Category{Mandatory, Voluntary, Contribution, Parking, Utilities}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

// Statuses lists every payment status in display order.
func Statuses() []Status {
	return []Status{StatusPending, StatusOverdue, StatusPaid}
}

// Unpaid reports whether the status still counts toward arrears.
func (s Status) Unpaid() bool {
	return s == StatusPending || s == StatusOverdue
}

// CanTransition reports whether a row may move from one status to another.
// paid is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusOverdue || to == StatusPaid
	case StatusOverdue:
		return to == StatusPaid
	}
	return false
}

func (m CollectionMethod) Valid() bool {
	switch m {
	case MethodCash, MethodBankTransfer, MethodOnline, MethodOther:
		return true
	}
	return false
}

// ParseCollectionMethod normalizes user input such as "Bank Transfer".
func ParseCollectionMethod(s string) (CollectionMethod, error) {
	m := CollectionMethod(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_"))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
	return m, nil
}

// RecurrenceOrDefault treats an unset recurrence as monthly.
func (f Fee) RecurrenceOrDefault() Recurrence {
	if f.Recurrence == "" {
		return Monthly
	}
	return f.Recurrence
}

// IsCurrentlyActive reports whether the fee is switched on and asOf lies in [start, end].
func (f Fee) IsCurrentlyActive(asOf Date) bool {
	if !f.Active {
		return false
	}
	if asOf.Before(f.StartDate) {
		return false
	}
	return f.EndDate.IsZero() || !asOf.After(f.EndDate)
}

func (f Fee) Validate() error {
	if strings.TrimSpace(f.Code) == "" {
		return ErrEmptyCode
	}
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyName
	}
	if f.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	if !f.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, f.Category)
	}
	switch f.RecurrenceOrDefault() {
	case Monthly, Yearly, Once:
	default:
		return fmt.Errorf("invalid recurrence %q", f.Recurrence)
	}
	if err := f.StartDate.Validate(); err != nil {
		return errors.New("invalid start date: " + err.Error())
	}
	if !f.EndDate.IsZero() && f.EndDate.Before(f.StartDate) {
		return errors.New("end date must not be before start date")
	}
	return nil
}

func (h Household) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return ErrEmptyHousehold
	}
	if err := h.CreatedOn.Validate(); err != nil {
		return errors.New("invalid creation date: " + err.Error())
	}
	return nil
}

// Key returns the uniqueness key of the row.
func (p Payment) Key() PaymentKey {
	return PaymentKey{FeeCode: p.FeeCode, HouseholdID: p.HouseholdID, Period: p.Period}
}

func (p Payment) Validate() error {
	if strings.TrimSpace(p.FeeCode) == "" {
		return ErrEmptyCode
	}
	if strings.TrimSpace(p.HouseholdID) == "" {
		return ErrEmptyHousehold
	}
	if err := p.Period.Validate(); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}
	if p.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	if p.Status == StatusPaid && p.PaidOn.IsZero() {
		return errors.New("paid row requires a payment date")
	}
	if p.Method != "" && !p.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, p.Method)
	}
	return nil
}

func (s Settlement) Validate() error {
	if !s.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.PaidOn.Validate(); err != nil {
		return errors.New("invalid payment date: " + err.Error())
	}
	if !s.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, s.Method)
	}
	return nil
}

func (k PaymentKey) String() string {
	return k.FeeCode + "/" + k.HouseholdID + "/" + k.Period.String()
}
