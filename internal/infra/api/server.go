package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/infra/i18n"
	"catalog-billing/internal/infra/metrics"
	"catalog-billing/internal/usecase"
)

const maxBodyBytes = 1 << 20

// RateLimiter is satisfied by the redis fixed-window limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Server exposes the client API, the provider callbacks and the admin API.
type Server struct {
	payUC    usecase.PaymentUseCase
	recUC    usecase.RecoveryUseCase
	couponUC usecase.CouponUseCase
	identity adapter.IdentityProvider
	limiter  RateLimiter
	tr       *i18n.Translator
	cfg      *config.Config
	log      *zerolog.Logger
	now      func() time.Time
}

func NewServer(
	payUC usecase.PaymentUseCase,
	recUC usecase.RecoveryUseCase,
	couponUC usecase.CouponUseCase,
	identity adapter.IdentityProvider,
	limiter RateLimiter,
	tr *i18n.Translator,
	cfg *config.Config,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		payUC:    payUC,
		recUC:    recUC,
		couponUC: couponUC,
		identity: identity,
		limiter:  limiter,
		tr:       tr,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
	}
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), LimitBody(maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	timeout := Timeout(s.cfg.HTTP.RequestTimeout)

	r.Group(func(r chi.Router) {
		r.Use(Recover(s.log, s.writeInternal), timeout, s.requireUser)
		r.Get("/api/payment/methods", s.handleMethods)
		r.Post("/api/payment/create-transaction", s.handleCreateTransaction)
		r.Post("/api/payment/pre-apply", s.handlePreApply)
		r.Post("/api/payment/confirm", s.handleConfirm)
		r.Get("/api/payment/check-pending", s.handleCheckPending)
		r.Get("/api/payment/transactions/{id}", s.handleGetTransaction)
		r.Post("/api/coupons/validate", s.handleValidateCoupon)
	})

	r.Group(func(r chi.Router) {
		r.Use(Recover(s.log, writeClickPanic), timeout)
		r.Post("/api/click/prepare", s.handleClick(clickPrepareOnly))
		r.Post("/api/click/complete", s.handleClick(clickCompleteOnly))
		r.Post("/api/click/pay", s.handleClick(clickAnyAction))
	})

	r.Group(func(r chi.Router) {
		r.Use(Recover(s.log, writePaymePanic), timeout)
		r.Post("/api/payme", s.handlePayme)
	})

	r.Group(func(r chi.Router) {
		r.Use(Recover(s.log, writeAtmosPanic), timeout)
		r.Post("/api/atmos/callback", s.handleAtmosCallback)
	})

	if s.cfg.Payment.Sandbox.Enabled {
		r.Group(func(r chi.Router) {
			r.Use(Recover(s.log, nil), timeout)
			r.Get("/api/sandbox/pay/{merchantTransID}", s.handleSandboxPage)
			r.Post("/api/sandbox/pay/{merchantTransID}", s.handleSandboxPay)
			r.Post("/api/sandbox/callback", s.handleSandboxCallback)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(Recover(s.log, nil), s.requireAdmin)
		r.Post("/api/admin/recovery/run", s.handleRecoveryRun)
		r.Get("/api/admin/entitlement-failures", s.handleEntitlementFailures)
	})

	return r
}

// NewHTTPServer wraps the router with the configured listen address.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.HTTP.RequestTimeout + 5*time.Second,
	}
}
