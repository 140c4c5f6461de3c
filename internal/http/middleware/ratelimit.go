package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

// RedisRateLimiter is a fixed-window per-client counter shared by every
// instance through Redis.
type RedisRateLimiter struct {
	client  redis.UniversalClient
	prefix  string
	limit   int64
	window  time.Duration
	metrics *metrics.CheckoutMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewRedisRateLimiter allows limit requests per window for each client under prefix.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, m *metrics.CheckoutMetrics, logger *logging.Logger) *RedisRateLimiter {
	if client == nil {
		panic("middleware: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client:  client,
		prefix:  prefix,
		limit:   int64(limit),
		window:  window,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow increments the client's counter for the current window and reports
// whether it is still within the limit.
func (l *RedisRateLimiter) Allow(ctx context.Context, clientKey string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	bucket := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%s", l.prefix, clientKey, strconv.FormatInt(bucket, 10))

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("middleware: rate limit %s: %w", key, err)
	}
	return incr.Val() <= l.limit, nil
}

// Middleware rejects clients over the limit with 429. Redis failures let the
// request through.
func (l *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, err := l.Allow(r.Context(), ip)
		if err != nil {
			l.logger.Warn("rate limiter unavailable", "error", err)
		}
		if !ok {
			l.metrics.ObserveRateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys on RemoteAddr, which chi's RealIP rewrites only when the
// router trusts proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
