package http

import (
	"feeledger/internal/core"
)

// amountView carries an amount both exactly and for display.
type amountView struct {
	Minor   int64  `json:"minor"`
	Value   string `json:"value"`
	Display string `json:"display"`
}

func (s *Server) amount(m core.Money) amountView {
	return amountView{
		Minor:   m.Minor,
		Value:   m.Major(s.currency).String(),
		Display: m.Format(s.currency),
	}
}

type feeStatusView struct {
	FeeCode    string      `json:"fee_code"`
	FeeName    string      `json:"fee_name"`
	Period     string      `json:"period"`
	Status     core.Status `json:"status"`
	DueDate    string      `json:"due_date"`
	AmountDue  amountView  `json:"amount_due"`
	AmountPaid amountView  `json:"amount_paid"`
	PaidOn     string      `json:"paid_on,omitempty"`
}

type statementView struct {
	HouseholdID string          `json:"household_id"`
	AsOf        string          `json:"as_of"`
	Currency    string          `json:"currency"`
	Outstanding amountView      `json:"outstanding"`
	Items       []feeStatusView `json:"items"`
}

func (s *Server) statementView(st core.HouseholdStatement) statementView {
	v := statementView{
		HouseholdID: st.HouseholdID,
		AsOf:        st.AsOf.String(),
		Currency:    s.currency,
		Outstanding: s.amount(st.Outstanding),
		Items:       make([]feeStatusView, 0, len(st.Items)),
	}
	for _, it := range st.Items {
		v.Items = append(v.Items, feeStatusView{
			FeeCode:    it.FeeCode,
			FeeName:    it.FeeName,
			Period:     it.Period.String(),
			Status:     it.Status,
			DueDate:    it.DueDate.String(),
			AmountDue:  s.amount(it.AmountDue),
			AmountPaid: s.amount(it.AmountPaid),
			PaidOn:     it.PaidOn.String(),
		})
	}
	return v
}

type summaryView struct {
	AsOf                 string              `json:"as_of"`
	Currency             string              `json:"currency"`
	TotalCollected       amountView          `json:"total_collected"`
	TotalOutstanding     amountView          `json:"total_outstanding"`
	CountByStatus        map[core.Status]int `json:"count_by_status"`
	ActiveHouseholdCount int                 `json:"active_household_count"`
	ActiveFeeCount       int                 `json:"active_fee_count"`
}

func (s *Server) summaryView(d core.DashboardSummary) summaryView {
	return summaryView{
		AsOf:                 d.AsOf.String(),
		Currency:             s.currency,
		TotalCollected:       s.amount(d.TotalCollected),
		TotalOutstanding:     s.amount(d.TotalOutstanding),
		CountByStatus:        d.CountByStatus,
		ActiveHouseholdCount: d.ActiveHouseholdCount,
		ActiveFeeCount:       d.ActiveFeeCount,
	}
}

type statusTotalView struct {
	Count int        `json:"count"`
	Sum   amountView `json:"sum"`
}

type breakdownView struct {
	Period   string                          `json:"period,omitempty"`
	Currency string                          `json:"currency"`
	ByStatus map[core.Status]statusTotalView `json:"by_status"`
}

func (s *Server) breakdownView(period *core.Period, b core.StatusBreakdown) breakdownView {
	v := breakdownView{
		Currency: s.currency,
		ByStatus: make(map[core.Status]statusTotalView, len(b)),
	}
	if period != nil {
		v.Period = period.String()
	}
	for status, t := range b {
		v.ByStatus[status] = statusTotalView{Count: t.Count, Sum: s.amount(t.Sum)}
	}
	return v
}

type monthlyEntryView struct {
	Period          string     `json:"period"`
	Collected       amountView `json:"collected"`
	Outstanding     amountView `json:"outstanding"`
	NewOverdueCount int        `json:"new_overdue_count"`
}

type monthlyReportView struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Currency string             `json:"currency"`
	Months   []monthlyEntryView `json:"months"`
}

func (s *Server) monthlyReportView(from, to core.Period, entries []core.MonthlyEntry) monthlyReportView {
	v := monthlyReportView{
		From:     from.String(),
		To:       to.String(),
		Currency: s.currency,
		Months:   make([]monthlyEntryView, 0, len(entries)),
	}
	for _, e := range entries {
		v.Months = append(v.Months, monthlyEntryView{
			Period:          e.Period.String(),
			Collected:       s.amount(e.Collected),
			Outstanding:     s.amount(e.Outstanding),
			NewOverdueCount: e.NewOverdueCount,
		})
	}
	return v
}

type paymentView struct {
	ID          int64                 `json:"id"`
	FeeCode     string                `json:"fee_code"`
	HouseholdID string                `json:"household_id"`
	Period      string                `json:"period"`
	Status      core.Status           `json:"status"`
	Amount      amountView            `json:"amount"`
	PaidOn      string                `json:"paid_on"`
	DueDate     string                `json:"due_date"`
	Method      core.CollectionMethod `json:"method"`
	Collector   string                `json:"collector,omitempty"`
}

func (s *Server) paymentView(p core.Payment) paymentView {
	return paymentView{
		ID:          p.ID,
		FeeCode:     p.FeeCode,
		HouseholdID: p.HouseholdID,
		Period:      p.Period.String(),
		Status:      p.Status,
		Amount:      s.amount(p.Amount),
		PaidOn:      p.PaidOn.String(),
		DueDate:     p.DueDate.String(),
		Method:      p.Method,
		Collector:   p.Collector,
	}
}
