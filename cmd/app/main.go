// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/infra/adapters/identity"
	"catalog-billing/internal/infra/adapters/notify"
	payAdapters "catalog-billing/internal/infra/adapters/payment"
	"catalog-billing/internal/infra/api"
	pg "catalog-billing/internal/infra/db/postgres"
	"catalog-billing/internal/infra/i18n"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
	red "catalog-billing/internal/infra/redis"
	"catalog-billing/internal/infra/sched"
	"catalog-billing/internal/usecase"
)

// Set through -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, unredacted card data)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.SetBuildInfo(version, commit)
	logger.Info().Str("version", version).Str("commit", commit).Bool("sandbox", cfg.Payment.Sandbox.Enabled).Msg("starting billing service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	rateLimiter := red.NewRateLimiter(redisClient)
	locker := red.NewLocker(redisClient)

	// ---- Identity ----
	idp, err := identity.NewGoTrueClient(cfg.Identity)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity")
	}

	// ---- Translations ----
	translator, err := i18n.NewTranslator(i18n.LocalesFS, "uz")
	if err != nil {
		logger.Fatal().Err(err).Msg("i18n")
	}

	// ---- Gateways ----
	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("payment gateways")
	}

	// ---- Notifications ----
	var sinks []notify.Sink
	if cfg.Notify.Telegram.Token != "" {
		tg, err := notify.NewTelegramSink(cfg.Notify.Telegram, &http.Client{Timeout: cfg.Notify.Timeout})
		if err != nil {
			logger.Fatal().Err(err).Msg("telegram sink")
		}
		sinks = append(sinks, tg)
	}
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		ks, err := notify.NewKafkaSink(cfg.Notify.Kafka)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka sink")
		}
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	dispatcher := notify.NewDispatcher(logger, cfg.Notify.Timeout, sinks...)
	defer dispatcher.Wait()

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	txRepo := pg.NewTransactionRepo(pool)
	couponRepo := pg.NewCouponRepoCacheDecorator(pg.NewCouponRepo(pool), redisClient, 30*time.Second)
	usageRepo := pg.NewCouponUsageRepo(pool)
	failureRepo := pg.NewEntitlementFailureRepo(pool)
	orphanRepo := pg.NewOrphanRepo(pool)

	// ---- Use cases ----
	couponUC := usecase.NewCouponUseCase(couponRepo, usageRepo, logger)
	entitlementUC := usecase.NewEntitlementUseCase(txRepo, failureRepo, idp, cfg.Identity.Timeout, logger)
	paymentUC := usecase.NewPaymentUseCase(txRepo, couponUC, entitlementUC, orphanRepo, idp, gateways, dispatcher,
		tm, cfg.Pricing, cfg.Payment.Timeout, logger)
	recoveryUC := usecase.NewRecoveryUseCase(txRepo, orphanRepo, paymentUC, entitlementUC, idp, gateways, locker,
		cfg.Recovery, cfg.Payment.Timeout, logger)

	// ---- HTTP ----
	server := api.NewServer(paymentUC, recoveryUC, couponUC, idp, rateLimiter, translator, cfg, logger).NewHTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Strs("methods", methodNames(gateways)).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// ---- Workers ----
	g.Go(func() error { return ignoreCancel(sched.NewRecoveryWorker(cfg.Recovery.Interval, recoveryUC, logger).Run(gctx)) })
	g.Go(func() error { return ignoreCancel(sched.NewPoolStatsWorker(15*time.Second, pool).Run(gctx)) })

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// buildGateways wires the enabled providers. In sandbox mode each enabled
// method, or every method when none is enabled, gets a simulator.
func buildGateways(cfg *config.Config, logger *zerolog.Logger) (adapter.GatewaySet, error) {
	p := cfg.Payment
	if p.Sandbox.Enabled {
		logger.Warn().Msg("sandbox payments enabled; no real provider will be called")
		enabled := map[model.PaymentMethod]bool{
			model.MethodAtmos: p.Atmos.Enabled,
			model.MethodClick: p.Click.Enabled,
			model.MethodPayme: p.Payme.Enabled,
		}
		none := !p.Atmos.Enabled && !p.Click.Enabled && !p.Payme.Enabled
		var gws []adapter.PaymentGateway
		for _, m := range []model.PaymentMethod{model.MethodAtmos, model.MethodClick, model.MethodPayme} {
			if none || enabled[m] {
				gws = append(gws, payAdapters.NewSandboxGateway(m, p.Sandbox, cfg.HTTP.PublicBaseURL))
			}
		}
		return adapter.NewGatewaySet(gws...), nil
	}
	var gws []adapter.PaymentGateway
	if p.Atmos.Enabled {
		g, err := payAdapters.NewAtmosGateway(p.Atmos)
		if err != nil {
			return nil, err
		}
		gws = append(gws, g)
	}
	if p.Click.Enabled {
		g, err := payAdapters.NewClickGateway(p.Click)
		if err != nil {
			return nil, err
		}
		gws = append(gws, g)
	}
	if p.Payme.Enabled {
		g, err := payAdapters.NewPaymeGateway(p.Payme)
		if err != nil {
			return nil, err
		}
		gws = append(gws, g)
	}
	return adapter.NewGatewaySet(gws...), nil
}

func methodNames(s adapter.GatewaySet) []string {
	var out []string
	for _, m := range s.Methods() {
		out = append(out, string(m))
	}
	return out
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
