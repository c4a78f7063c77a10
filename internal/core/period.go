package core

import (
	"fmt"
	"strings"
	"time"
)

// Period is a (year, month) billing cycle.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod creates a Period, normalizing out-of-range months (month 13 is January next year).
func NewPeriod(year int, month time.Month) Period {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: t.Year(), Month: t.Month()}
}

// PeriodOf returns the period containing d.
func PeriodOf(d Date) Period {
	return Period{Year: d.Year(), Month: d.Month()}
}

// ParsePeriod parses YYYY-MM.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

func (p Period) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

func (p Period) Validate() error {
	if p.Year < 1 || p.Month < time.January || p.Month > time.December {
		return fmt.Errorf("%w: %d-%d", ErrInvalidPeriod, p.Year, int(p.Month))
	}
	return nil
}

// index counts months since year 0, so periods compare as integers.
func (p Period) index() int { return p.Year*12 + int(p.Month) - 1 }

func (p Period) Compare(o Period) int {
	switch a, b := p.index(), o.index(); {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (p Period) Before(o Period) bool { return p.index() < o.index() }
func (p Period) After(o Period) bool  { return p.index() > o.index() }

// AddMonths moves the period by n months.
func (p Period) AddMonths(n int) Period { return NewPeriod(p.Year, p.Month+time.Month(n)) }

func (p Period) Next() Period { return p.AddMonths(1) }

// MonthsUntil returns the number of months from p to o (negative when o is earlier).
func (p Period) MonthsUntil(o Period) int { return o.index() - p.index() }

// FirstDay returns the first calendar day of the period.
func (p Period) FirstDay() Date { return NewDate(p.Year, int(p.Month), 1) }

// LastDay returns the last calendar day of the period.
func (p Period) LastDay() Date { return NewDate(p.Year, int(p.Month)+1, 0) }

// Contains reports whether d falls inside the period.
func (p Period) Contains(d Date) bool { return PeriodOf(d) == p }

// PeriodRange returns every period from `from` to `to` inclusive, or nil when from > to.
func PeriodRange(from, to Period) []Period {
	n := from.MonthsUntil(to)
	if n < 0 {
		return nil
	}
	out := make([]Period, 0, n+1)
	for p := from; !p.After(to); p = p.Next() {
		out = append(out, p)
	}
	return out
}
