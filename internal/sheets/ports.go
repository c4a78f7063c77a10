// Package sheets exports the monthly collection report to spreadsheets.
package sheets

import (
	"context"
	"time"

	"feeledger/internal/core"
)

// Ports for outbound adapters.
type (
	// ReportWriter stores a monthly report and returns where it was written.
	ReportWriter interface {
		WriteMonthlyReport(ctx context.Context, r Report) (ref string, err error)
	}
)

// Report is a monthly collection trend ready for tabulation.
type Report struct {
	From        core.Period
	To          core.Period
	Currency    string
	GeneratedAt time.Time
	Entries     []core.MonthlyEntry
}

// Header is the first row of every exported sheet.
func (r Report) Header() []any {
	return []any{"Period", "Collected (" + r.Currency + ")", "Outstanding (" + r.Currency + ")", "New overdue"}
}

// Rows returns one row per month followed by a totals row. Amounts are
// numbers in major units.
func (r Report) Rows() [][]any {
	rows := make([][]any, 0, len(r.Entries)+1)
	var collected, outstanding core.Money
	overdue := 0
	for _, e := range r.Entries {
		rows = append(rows, []any{
			e.Period.String(),
			e.Collected.Major(r.Currency).InexactFloat64(),
			e.Outstanding.Major(r.Currency).InexactFloat64(),
			e.NewOverdueCount,
		})
		collected = collected.Add(e.Collected)
		outstanding = outstanding.Add(e.Outstanding)
		overdue += e.NewOverdueCount
	}
	rows = append(rows, []any{
		"Total",
		collected.Major(r.Currency).InexactFloat64(),
		outstanding.Major(r.Currency).InexactFloat64(),
		overdue,
	})
	return rows
}

// Values returns the header and rows as one matrix.
func (r Report) Values() [][]any {
	return append([][]any{r.Header()}, r.Rows()...)
}
