package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tranchepool/audit"
	"tranchepool/native/vault"
	"tranchepool/observability"
)

// AuditReader exposes the journal queries served by the API. A nil reader
// disables the audit routes.
type AuditReader interface {
	Recent(limit int) ([]audit.Entry, error)
	ByReference(reference string) ([]audit.Entry, error)
}

// Config assembles the server collaborators.
type Config struct {
	Engine  *vault.Engine
	Auth    *Authenticator
	Limiter *RateLimiter
	Journal AuditReader
	Logger  *slog.Logger
	Metrics *observability.PoolMetrics
}

// Server exposes the vault engine over HTTP.
type Server struct {
	engine  *vault.Engine
	auth    *Authenticator
	limiter *RateLimiter
	journal AuditReader
	log     *slog.Logger
	metrics *observability.PoolMetrics
}

// NewServer wires the HTTP surface. The engine is required; everything else
// degrades gracefully when absent.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:  cfg.Engine,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		journal: cfg.Journal,
		log:     log,
		metrics: cfg.Metrics,
	}
}

// Handler builds the route tree. The returned handler carries OpenTelemetry
// HTTP instrumentation on every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		// Depositor flows authenticate the depositor out of band; the
		// ledger only needs the address.
		v1.Post("/deposits", s.handleDeposit)
		v1.Post("/redemptions", s.handleRedeem)
		v1.Post("/withdrawals", s.handleWithdraw)

		v1.Get("/pool", s.handlePoolBalances)
		v1.Get("/tranches/{tranche}", s.handleTrancheState)
		v1.Get("/tranches/{tranche}/depositors/{address}", s.handleDepositorState)
		v1.Get("/loans/{reference}", s.handleLoan)
		v1.Get("/loans/{reference}/quote", s.handleQuote)

		if s.auth != nil {
			v1.Group(func(op chi.Router) {
				op.Use(s.auth.Middleware(ScopeOperator))
				op.Post("/loans/{reference}/purchase", s.handlePurchase)
				op.Post("/loans/{reference}/repaid", s.handleRepaid)
				op.Post("/loans/{reference}/expired", s.handleExpired)
				op.Post("/loans/{reference}/liquidated", s.handleLiquidated)
				op.Post("/loans/{reference}/collateral/release", s.handleReleaseCollateral)
			})
			v1.Group(func(admin chi.Router) {
				admin.Use(s.auth.Middleware(ScopeAdmin))
				admin.Post("/admin/pause", s.handlePause)
				admin.Post("/admin/senior-rate", s.handleSetSeniorRate)
				admin.Post("/admin/reserve-ratio", s.handleSetReserveRatio)
				admin.Post("/admin/min-duration", s.handleSetMinDuration)
				admin.Post("/admin/utilization", s.handleSetUtilization)
				admin.Post("/admin/collateral", s.handleSetCollateral)
			})
		}

		if s.journal != nil {
			v1.Get("/audit/recent", s.handleAuditRecent)
			v1.Get("/audit/loans/{reference}", s.handleAuditByReference)
		}
	})

	return otelhttp.NewHandler(r, "tranchepool-api")
}
