package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/sgarimella/mentor-site/internal/config"
	"github.com/sgarimella/mentor-site/internal/payments"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildPostgresPool connects to Postgres, returning nil when no URL is set or
// the database cannot be reached.
func BuildPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(databaseURL) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Error("invalid DATABASE_URL", "error", err)
		return nil
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("postgres not reachable", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

// BuildSessionStore returns the Postgres store when a pool is available. The
// in-memory store is only allowed outside production since it forgets claims
// on restart.
func BuildSessionStore(pool *pgxpool.Pool, cfg *appconfig.Config, logger *logging.Logger) (payments.SessionStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if pool != nil {
		return payments.NewPostgresSessionStore(pool), nil
	}
	if cfg != nil && cfg.IsProduction() {
		return nil, errors.New("bootstrap: postgres is required in production")
	}
	logger.Warn("DATABASE_URL not set; using in-memory checkout session store")
	return payments.NewMemorySessionStore(), nil
}

// BuildProcessedTracker returns the Redis duplicate-delivery tracker, or nil without Redis.
func BuildProcessedTracker(client *redis.Client, cfg *appconfig.Config) payments.ProcessedTracker {
	if client == nil {
		return nil
	}
	var ttl time.Duration
	if cfg != nil {
		ttl = cfg.ProcessedEventTTL
	}
	return payments.NewRedisProcessedTracker(client, ttl)
}
