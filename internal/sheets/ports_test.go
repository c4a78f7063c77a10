package sheets

import (
	"testing"
	"time"

	"feeledger/internal/core"
)

func TestReportRows(t *testing.T) {
	r := Report{
		From:     core.NewPeriod(2023, time.January),
		To:       core.NewPeriod(2023, time.March),
		Currency: "EUR",
		Entries: []core.MonthlyEntry{
			{Period: core.NewPeriod(2023, time.January), Collected: core.Money{Minor: 1250}},
			{Period: core.NewPeriod(2023, time.February), Outstanding: core.Money{Minor: 999}, NewOverdueCount: 1},
			{Period: core.NewPeriod(2023, time.March), Collected: core.Money{Minor: 50}, Outstanding: core.Money{Minor: 1}, NewOverdueCount: 2},
		},
	}

	header := r.Header()
	if len(header) != 4 || header[1] != "Collected (EUR)" {
		t.Errorf("header = %v", header)
	}

	rows := r.Rows()
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if rows[0][0] != "2023-01" || rows[0][1] != 12.5 {
		t.Errorf("first row = %v", rows[0])
	}
	total := rows[3]
	if total[0] != "Total" || total[1] != 13.0 || total[2] != 10.0 || total[3] != 3 {
		t.Errorf("total row = %v", total)
	}

	if v := r.Values(); len(v) != 5 || v[0][0] != "Period" {
		t.Errorf("values = %v", v)
	}
}

func TestReportRowsEmpty(t *testing.T) {
	rows := Report{Currency: "VND"}.Rows()
	if len(rows) != 1 || rows[0][0] != "Total" || rows[0][3] != 0 {
		t.Errorf("rows = %v", rows)
	}
}
