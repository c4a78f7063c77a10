package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/metrics"
	"feeledger/internal/middleware/ratelimit"
	"feeledger/internal/middleware/security"
	"feeledger/internal/middleware/trace"
	"feeledger/internal/services"
)

// Deps are the collaborators of the API server. Payments, Metrics, Logger
// and TrustedProxies are optional.
type Deps struct {
	Query          *services.QueryService
	Payments       *services.PaymentService
	Clock          core.Clock
	Metrics        *metrics.Metrics
	Currency       string
	RateLimit      ratelimit.Config
	TrustedProxies []string
	Logger         *log.Logger
}

type Server struct {
	http.Server
	query    *services.QueryService
	payments *services.PaymentService
	clock    core.Clock
	currency string
	limiter  *ratelimit.Limiter
	ip       *security.IPExtractor
	tracer   *trace.Middleware
	started  time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, deps Deps) (*Server, error) {
	ip := security.NewIPExtractor()
	for _, cidr := range deps.TrustedProxies {
		if err := ip.AddTrustedProxy(cidr); err != nil {
			return nil, err
		}
	}
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	s := &Server{
		query:    deps.Query,
		payments: deps.Payments,
		clock:    clock,
		currency: deps.Currency,
		limiter:  ratelimit.NewLimiter(deps.RateLimit),
		ip:       ip,
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	mux.HandleFunc("GET /api/households/{id}/status", s.handleHouseholdStatus)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/breakdown", s.handleBreakdown)
	mux.HandleFunc("GET /api/reports/monthly", s.handleMonthlyReport)
	if s.payments != nil {
		limited := s.limiter.Middleware(ip.ClientIP, func(w http.ResponseWriter, r *http.Request) {
			NewJSONResponse().
				Status(http.StatusTooManyRequests).
				JSON(errorBody{Error: "rate limit exceeded, please try again later"}).
				Write(w)
		})
		mux.Handle("POST /api/payments", limited(http.HandlerFunc(s.handleRecordPayment)))
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s.tracer = trace.NewMiddleware(ip.ClientIP, deps.Metrics)
	var handler http.Handler = security.Headers(security.DefaultHeadersConfig())(mux)
	handler = log.RequestIDMiddleware(func(r *http.Request) string {
		return trace.GetRequestID(r.Context())
	})(handler)
	handler = log.Middleware(logger)(s.tracer.Middleware(handler))
	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Shutdown stops the rate limiter and drains the server. Safe to call twice.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
