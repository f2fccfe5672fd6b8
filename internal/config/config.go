// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/odatabatch/model"
)

// Config is the root application configuration.
type Config struct {
	Destinations  map[string]DestinationConfig `yaml:"destinations"`
	HTTP          HTTPConfig                   `yaml:"http"`
	CSRF          CSRFConfig                   `yaml:"csrf"`
	Server        ServerConfig                 `yaml:"server"`
	Observability ObservabilityConfig          `yaml:"observability"`
}

// DestinationConfig describes one OData service host.
type DestinationConfig struct {
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	BasicAuth   BasicAuthConfig   `yaml:"basic_auth"`
	DisableCSRF bool              `yaml:"disable_csrf"`
}

// BasicAuthConfig names the environment variables holding credentials.
type BasicAuthConfig struct {
	UserEnv     string `yaml:"user_env"`
	PasswordEnv string `yaml:"password_env"`
}

// HTTPConfig describes the outbound HTTP client.
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	MaxConnsPerHost  int           `yaml:"max_conns_per_host"`
	IdleConnTimeout  time.Duration `yaml:"idle_conn_timeout"`
	CircuitBreaker   BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig describes the per-destination circuit breaker. A zero
// failure threshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// CSRFConfig describes where fetched tokens are cached.
type CSRFConfig struct {
	Store     string        `yaml:"store"`
	TTL       time.Duration `yaml:"ttl"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// ServerConfig describes the gateway HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPlanBytes    int64         `yaml:"max_plan_bytes"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Destinations: map[string]DestinationConfig{},
		HTTP: HTTPConfig{
			Timeout:          60 * time.Second,
			MaxResponseBytes: 50 << 20,
			MaxIdleConns:     100,
			MaxConnsPerHost:  20,
			IdleConnTimeout:  90 * time.Second,
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				OpenTimeout:      30 * time.Second,
			},
		},
		CSRF: CSRFConfig{
			Store:     "memory",
			TTL:       30 * time.Minute,
			AddrEnv:   "ODATABATCH_REDIS_ADDR",
			KeyPrefix: "csrf",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxPlanBytes:    1 << 20,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	names := make([]string, 0, len(c.Destinations))
	for name := range c.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u, err := url.Parse(c.Destinations[name].URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("destinations.%s.url must be an absolute URL", name))
		}
	}

	if c.HTTP.Timeout < 0 {
		errs = append(errs, "http.timeout must not be negative")
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", c.Observability.LogFormat))
	}
	if c.HTTP.CircuitBreaker.FailureThreshold < 0 {
		errs = append(errs, "http.circuit_breaker.failure_threshold must not be negative")
	}
	if c.HTTP.MaxResponseBytes <= 0 {
		errs = append(errs, "http.max_response_bytes must be positive")
	}
	switch c.CSRF.Store {
	case "memory":
	case "redis":
		if c.CSRF.AddrEnv == "" {
			errs = append(errs, "csrf.addr_env is required for the redis store")
		}
	default:
		errs = append(errs, fmt.Sprintf("csrf.store %q is not supported (memory, redis)", c.CSRF.Store))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Destination resolves a configured destination by name, reading basic auth
// credentials from the environment.
func (c *Config) Destination(name string) (model.Destination, error) {
	dc, ok := c.Destinations[name]
	if !ok {
		return model.Destination{}, model.NewNotFoundError(fmt.Sprintf("destination %q is not configured", name))
	}

	header := make(http.Header)
	for k, v := range dc.Headers {
		header.Set(k, os.ExpandEnv(v))
	}
	if dc.BasicAuth.UserEnv != "" {
		req := &http.Request{Header: header}
		req.SetBasicAuth(os.Getenv(dc.BasicAuth.UserEnv), os.Getenv(dc.BasicAuth.PasswordEnv))
	}

	return model.Destination{
		Name:        name,
		URL:         dc.URL,
		Headers:     header,
		DisableCSRF: dc.DisableCSRF,
	}, nil
}

// applyEnvOverrides reads ODATABATCH_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ODATABATCH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ODATABATCH_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ODATABATCH_CSRF_STORE"); v != "" {
		cfg.CSRF.Store = v
	}
	if v := os.Getenv("ODATABATCH_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.Timeout = d
		}
	}
	if v := os.Getenv("ODATABATCH_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}
}
