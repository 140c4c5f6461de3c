package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/sgarimella/mentor-site/internal/http/middleware"
	"github.com/sgarimella/mentor-site/internal/payments"
	"github.com/sgarimella/mentor-site/internal/scheduling"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger            *logging.Logger
	CheckoutHandler   *payments.CheckoutHandler
	StripeWebhook     *payments.StripeWebhookHandler
	ScheduleHandler   *scheduling.Handler
	CheckoutRateLimit *httpmiddleware.RedisRateLimiter
	OperatorJWTSecret string
	MetricsHandler    http.Handler

	// TrustProxyHeaders enables chi's RealIP. Without it the client address
	// is the TCP peer, so forwarded headers cannot dodge the rate limit.
	TrustProxyHeaders bool

	// HealthCheck, when set, is probed by /health (e.g. a database ping).
	HealthCheck func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthHandler(cfg.HealthCheck))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.CheckoutHandler != nil {
		r.Group(func(checkout chi.Router) {
			if cfg.CheckoutRateLimit != nil {
				checkout.Use(cfg.CheckoutRateLimit.Middleware)
			}
			checkout.Post("/create-checkout-session", cfg.CheckoutHandler.CreateCheckout)
			checkout.Post("/stripe/create-checkout-session/", cfg.CheckoutHandler.CreatePriceCheckout)
		})
	}

	if cfg.StripeWebhook != nil {
		r.Post("/stripe/webhook", cfg.StripeWebhook.Handle)
	}

	if cfg.ScheduleHandler != nil {
		r.With(httpmiddleware.OptionalOperatorJWT(cfg.OperatorJWTSecret)).Get("/schedule", cfg.ScheduleHandler.Schedule)
	}

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
