package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"feeledger/internal/core"
)

// printMarkdown renders md for the terminal, falling back to plain text.
func printMarkdown(md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err == nil {
		if out, err := r.Render(md); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Fprint(os.Stdout, md)
}

func statementMarkdown(st core.HouseholdStatement, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Household %s\n\nAs of %s\n\n", st.HouseholdID, st.AsOf)
	if len(st.Items) == 0 {
		b.WriteString("_No obligations._\n")
		return b.String()
	}
	b.WriteString("| Fee | Period | Status | Due | Amount due | Paid | Paid on |\n")
	b.WriteString("|---|---|---|---|---:|---:|---|\n")
	for _, it := range st.Items {
		paidOn := "-"
		if !it.PaidOn.IsZero() {
			paidOn = it.PaidOn.String()
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s |\n",
			it.FeeCode, it.Period, it.Status, it.DueDate,
			it.AmountDue.Format(currency), it.AmountPaid.Format(currency), paidOn)
	}
	fmt.Fprintf(&b, "\n**Outstanding:** %s\n", st.Outstanding.Format(currency))
	return b.String()
}

func summaryMarkdown(s core.DashboardSummary, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Dashboard\n\nAs of %s\n\n", s.AsOf)
	fmt.Fprintf(&b, "- Collected: **%s**\n", s.TotalCollected.Format(currency))
	fmt.Fprintf(&b, "- Outstanding: **%s**\n", s.TotalOutstanding.Format(currency))
	fmt.Fprintf(&b, "- Active households: %d\n", s.ActiveHouseholdCount)
	fmt.Fprintf(&b, "- Active fees: %d\n\n", s.ActiveFeeCount)
	b.WriteString("| Status | Rows |\n|---|---:|\n")
	for _, st := range core.Statuses() {
		fmt.Fprintf(&b, "| %s | %d |\n", st, s.CountByStatus[st])
	}
	return b.String()
}

func breakdownMarkdown(bd core.StatusBreakdown, period *core.Period, currency string) string {
	var b strings.Builder
	b.WriteString("# Payment status breakdown\n\n")
	if period != nil {
		fmt.Fprintf(&b, "Period %s\n\n", *period)
	}
	b.WriteString("| Status | Rows | Amount |\n|---|---:|---:|\n")
	for _, st := range core.Statuses() {
		t := bd[st]
		fmt.Fprintf(&b, "| %s | %d | %s |\n", st, t.Count, t.Sum.Format(currency))
	}
	return b.String()
}

func monthlyMarkdown(entries []core.MonthlyEntry, currency string) string {
	var b strings.Builder
	b.WriteString("# Monthly collection\n\n")
	b.WriteString("| Period | Collected | Outstanding | New overdue |\n|---|---:|---:|---:|\n")
	var collected, outstanding core.Money
	overdue := 0
	for _, e := range entries {
		fmt.Fprintf(&b, "| %s | %s | %s | %d |\n",
			e.Period, e.Collected.Format(currency), e.Outstanding.Format(currency), e.NewOverdueCount)
		collected = collected.Add(e.Collected)
		outstanding = outstanding.Add(e.Outstanding)
		overdue += e.NewOverdueCount
	}
	fmt.Fprintf(&b, "| **Total** | **%s** | **%s** | **%d** |\n",
		collected.Format(currency), outstanding.Format(currency), overdue)
	return b.String()
}

func reconcileMarkdown(r core.ReconciliationReport, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Reconciliation %s\n\nAs of %s, took %s\n\n", r.RunID, r.AsOf, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "- Households scanned: %d\n", r.HouseholdsScanned)
	fmt.Fprintf(&b, "- Pairings evaluated: %d\n", r.PairingsEvaluated)
	fmt.Fprintf(&b, "- Obligations created: %d\n", len(r.Created))
	fmt.Fprintf(&b, "- Newly overdue: %d\n", len(r.NewlyOverdue))

	if len(r.OverThreshold) > 0 {
		b.WriteString("\n## Households over the alert threshold\n\n")
		b.WriteString("| Household | Outstanding | Unpaid | Overdue |\n|---|---:|---:|---:|\n")
		rows := append([]core.HouseholdArrears(nil), r.OverThreshold...)
		sort.Slice(rows, func(i, j int) bool { return rows[i].Outstanding.GreaterThan(rows[j].Outstanding) })
		for _, h := range rows {
			fmt.Fprintf(&b, "| %s | %s | %d | %d |\n", h.HouseholdID, h.Outstanding.Format(currency), h.UnpaidCount, h.OverdueCount)
		}
	}
	if len(r.Failures) > 0 {
		b.WriteString("\n## Skipped pairings\n\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

func paymentMarkdown(p core.Payment, currency string) string {
	return fmt.Sprintf("Recorded **%s** for %s/%s %s on %s (%s), status %s\n",
		p.Amount.Format(currency), p.HouseholdID, p.FeeCode, p.Period, p.PaidOn, p.Method, p.Status)
}
