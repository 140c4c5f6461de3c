package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgarimella/mentor-site/internal/api/router"
	"github.com/sgarimella/mentor-site/internal/app/bootstrap"
	appconfig "github.com/sgarimella/mentor-site/internal/config"
	httpmiddleware "github.com/sgarimella/mentor-site/internal/http/middleware"
	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/internal/payments"
	"github.com/sgarimella/mentor-site/internal/scheduling"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

func main() {
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting mentor-site API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool := bootstrap.BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool != nil {
		defer pool.Close()
	}
	store, err := bootstrap.BuildSessionStore(pool, cfg, logger)
	if err != nil {
		logger.Error("failed to build session store", "error", err)
		os.Exit(1)
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metricsHandler, checkoutMetrics := setupCheckoutMetrics()

	routerCfg := buildRouterConfig(cfg, store, bootstrap.BuildProcessedTracker(redisClient, cfg), checkoutMetrics, logger)
	routerCfg.MetricsHandler = metricsHandler
	if redisClient != nil {
		routerCfg.CheckoutRateLimit = httpmiddleware.NewRedisRateLimiter(redisClient, "checkout", cfg.CheckoutRateLimit, time.Minute, checkoutMetrics, logger)
	}
	if pool != nil {
		routerCfg.HealthCheck = pool.Ping
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.StripeTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return
	}
	logger.Info("server stopped")
}

func setupCheckoutMetrics() (http.Handler, *metrics.CheckoutMetrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), metrics.NewCheckoutMetrics(registry)
}

// buildRouterConfig wires the checkout, webhook and scheduling handlers
// around one session store.
func buildRouterConfig(cfg *appconfig.Config, store payments.SessionStore, processed payments.ProcessedTracker, m *metrics.CheckoutMetrics, logger *logging.Logger) *router.Config {
	gateway := payments.NewStripeCheckoutService(cfg.StripeSecretKey, cfg.StripeTimeout, logger).
		WithBaseURL(cfg.StripeBaseURL).
		WithMetrics(m)

	checkout := payments.NewCheckoutHandler(gateway, payments.CheckoutDefaults{
		PublicBaseURL: cfg.PublicBaseURL,
		SuccessURL:    cfg.SuccessURL(),
		CancelURL:     cfg.CancelURL(),
		Currency:      cfg.CheckoutCurrency,
		UnitAmount:    int64(cfg.CheckoutUnitAmount),
		ProductName:   cfg.CheckoutProductName,
		PriceID:       cfg.StripePriceID,
	}, m, logger)

	webhook := payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance, store, processed, m, logger)

	grants := scheduling.NewService(gateway, store, cfg.CalendlyLink, cfg.SchedulePreviewEnabled, m, logger)

	return &router.Config{
		Logger:            logger,
		CheckoutHandler:   checkout,
		StripeWebhook:     webhook,
		ScheduleHandler:   scheduling.NewHandler(grants, logger),
		OperatorJWTSecret: cfg.OperatorJWTSecret,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}
}
