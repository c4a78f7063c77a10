package http

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/sheets/xlsx"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	limits := map[string]any{
		"active_clients": s.limiter.ActiveClients(),
		"rejected":       s.limiter.Rejected(),
	}
	NewJSONResponse().JSON(map[string]any{
		"status":     "ok",
		"timestamp":  time.Now().Format(time.RFC3339),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"requests":   s.tracer.Total(),
		"rate_limit": limits,
	}).Write(w)
}

// handleReady reports whether the store answers within a short deadline.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	status, code := "ready", http.StatusOK
	if err := s.query.Ready(ctx); err != nil {
		slog.WarnContext(ctx, "Readiness check failed", log.FieldComponent, log.ComponentStorage, log.FieldError, err)
		checks["store"] = "failed: " + err.Error()
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	NewJSONResponse().
		Status(code).
		JSON(map[string]any{"status": status, "checks": checks}).
		Write(w)
}

func (s *Server) handleHouseholdStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := sanitizeInput(r.PathValue("id"))
	asOf, err := parseOptionalDate(r.URL.Query(), "as_of")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	st, err := s.query.GetHouseholdFeeStatus(ctx, id, asOf)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().JSON(s.statementView(st)).Write(w)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	asOf, err := parseOptionalDate(r.URL.Query(), "as_of")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	sum, err := s.query.DashboardSummary(ctx, asOf)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().JSON(s.summaryView(sum)).Write(w)
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	period, err := parseOptionalPeriod(r.URL.Query(), "period")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	b, err := s.query.PaymentStatusBreakdown(ctx, period)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().JSON(s.breakdownView(period, b)).Write(w)
}

func (s *Server) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	from, to, err := parsePeriodRange(r.URL.Query())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if r.URL.Query().Get("format") == "xlsx" {
		s.writeMonthlyWorkbook(w, r, from, to)
		return
	}
	entries, err := s.query.MonthlyReport(ctx, from, to)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().JSON(s.monthlyReportView(from, to, entries)).Write(w)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) writeMonthlyWorkbook(w http.ResponseWriter, r *http.Request, from, to core.Period) {
	ctx := r.Context()
	report, err := s.query.MonthlyExport(ctx, from, to, s.currency)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	var buf bytes.Buffer
	if err := xlsx.Encode(&buf, report); err != nil {
		log.NewStructuredLogger(log.FromContext(ctx)).LogError(ctx, "Workbook encoding failed", err,
			log.ComponentSheets, log.OpExport, nil)
		ErrorResponse(ctx, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)).Write(w)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="monthly_%s_%s.xlsx"`, from, to))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodePaymentRequest(r, s.currency, s.clock.Today())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	paid, err := s.payments.RecordPayment(ctx, req)
	if err != nil {
		fields := log.NewFields().
			WithObligation(req.HouseholdID, req.FeeCode, req.Period.String()).
			WithError(err)
		log.FromContext(ctx).WarnContext(ctx, "Payment rejected", fields.ToSlice()...)
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/households/"+paid.HouseholdID+"/status").
		JSON(s.paymentView(paid)).
		Write(w)
}
