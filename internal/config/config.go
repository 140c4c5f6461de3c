package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// TrustProxyHeaders lets X-Forwarded-For / X-Real-IP set the client
	// address. Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool

	// Stripe Checkout
	StripeSecretKey        string
	StripePublishableKey   string
	StripePriceID          string
	StripeBaseURL          string
	StripeSuccessURL       string
	StripeCancelURL        string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	StripeTimeout          time.Duration

	// Default line item when no price id is used
	CheckoutCurrency    string
	CheckoutUnitAmount  int
	CheckoutProductName string
	CheckoutRateLimit   int

	// Scheduling
	CalendlyLink           string
	SchedulePreviewEnabled bool
	OperatorJWTSecret      string
	ProcessedEventTTL      time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real environment values win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           strings.ToLower(getEnv("ENV", "development")),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		TrustProxyHeaders: getEnvAsBool("TRUST_PROXY_HEADERS", false),

		StripeSecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
		StripePublishableKey:   getEnv("STRIPE_PUBLISHABLE_KEY", ""),
		StripePriceID:          getEnv("STRIPE_PRICE_ID", ""),
		StripeBaseURL:          getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
		StripeSuccessURL:       getEnv("STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:        getEnv("STRIPE_CANCEL_URL", ""),
		StripeWebhookSecret:    getEnv("STRIPE_ENDPOINT_SECRET", getEnv("STRIPE_WEBHOOK_SECRET", "")),
		StripeWebhookTolerance: getEnvAsDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		StripeTimeout:          getEnvAsDuration("STRIPE_TIMEOUT", 10*time.Second),

		CheckoutCurrency:    strings.ToLower(getEnv("CHECKOUT_CURRENCY", "eur")),
		CheckoutUnitAmount:  getEnvAsInt("CHECKOUT_UNIT_AMOUNT", 1500),
		CheckoutProductName: getEnv("CHECKOUT_PRODUCT_NAME", "1:1 mentoring session"),
		CheckoutRateLimit:   getEnvAsInt("CHECKOUT_RATE_LIMIT", 10),

		CalendlyLink:           getEnv("SITE_CALENDLY_LINK", ""),
		SchedulePreviewEnabled: getEnvAsBool("SCHEDULE_PREVIEW_ENABLED", false),
		OperatorJWTSecret:      getEnv("OPERATOR_JWT_SECRET", ""),
		ProcessedEventTTL:      getEnvAsDuration("PROCESSED_EVENT_TTL", 72*time.Hour),
	}
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// SuccessURL returns the configured success URL or one derived from PublicBaseURL.
func (c *Config) SuccessURL() string {
	if c.StripeSuccessURL != "" {
		return c.StripeSuccessURL
	}
	return c.PublicBaseURL + "/schedule?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL returns the configured cancel URL or one derived from PublicBaseURL.
func (c *Config) CancelURL() string {
	if c.StripeCancelURL != "" {
		return c.StripeCancelURL
	}
	return c.PublicBaseURL + "/tutoring?checkout=cancelled"
}

// Validate checks cross-field rules that Load cannot express with defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.SchedulePreviewEnabled && strings.TrimSpace(c.OperatorJWTSecret) == "" {
		errs = append(errs, errors.New("SCHEDULE_PREVIEW_ENABLED requires OPERATOR_JWT_SECRET"))
	}
	if c.CheckoutUnitAmount <= 0 {
		errs = append(errs, fmt.Errorf("CHECKOUT_UNIT_AMOUNT must be positive, got %d", c.CheckoutUnitAmount))
	}
	if c.StripeTimeout <= 0 {
		errs = append(errs, errors.New("STRIPE_TIMEOUT must be positive"))
	}
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_ENDPOINT_SECRET is required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
