package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/internal/csrf"
	"github.com/pitabwire/odatabatch/internal/observability"
)

// tokenStore is the configured CSRF token cache. health is nil for the
// in-memory store, closer is nil when there is nothing to release.
type tokenStore struct {
	store  csrf.Store
	health observability.HealthChecker
	closer func() error
}

// buildTokenStore creates the CSRF token store based on config.
func buildTokenStore(ctx context.Context, cfg config.CSRFConfig, logger *zap.Logger) (*tokenStore, error) {
	switch cfg.Store {
	case "memory", "":
		logger.Debug("using in-memory csrf token store")
		return &tokenStore{store: csrf.NewMemoryStore()}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("csrf store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("csrf store: ping %s: %w", addr, err)
		}
		logger.Info("using redis csrf token store", zap.String("addr", addr), zap.Int("db", cfg.DB))
		store := csrf.NewRedisStore(client, cfg.KeyPrefix)
		return &tokenStore{store: store, health: store, closer: client.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported csrf store: %q", cfg.Store)
	}
}

// buildHTTPClient creates the outbound client. The cookie jar keeps the
// session that CSRF tokens are bound to.
func buildHTTPClient(cfg config.HTTPConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	transport.IdleConnTimeout = cfg.IdleConnTimeout

	jar, _ := cookiejar.New(nil)
	return &http.Client{Transport: transport, Jar: jar, Timeout: cfg.Timeout}
}

// buildClient wires the batch client from config.
func buildClient(cfg *config.Config, store csrf.Store, logger *zap.Logger, metrics *observability.Metrics) *batch.Client {
	return batch.NewClient(
		batch.WithHTTPClient(buildHTTPClient(cfg.HTTP)),
		batch.WithLogger(logger),
		batch.WithMetrics(metrics),
		batch.WithTokenStore(store),
		batch.WithTokenTTL(cfg.CSRF.TTL),
		batch.WithMaxResponseBytes(cfg.HTTP.MaxResponseBytes),
		batch.WithCircuitBreaker(
			cfg.HTTP.CircuitBreaker.FailureThreshold,
			cfg.HTTP.CircuitBreaker.SuccessThreshold,
			cfg.HTTP.CircuitBreaker.OpenTimeout,
		),
	)
}
