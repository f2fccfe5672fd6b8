package observability

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/odatabatch/internal/config"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger builds the process logger. Output goes to stderr so that CLI
// results on stdout stay machine readable. Every entry carries the service
// name and build version.
//
// Levels:
//   - error: a batch failed before a response existed (connection, envelope)
//   - warn:  per-item failures, surplus parts, token store problems
//   - info:  batch completion, gateway requests
//   - debug: CSRF fetches, outbound headers (redacted), wire sizes
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "odatabatch", "version": Version},
	}.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// sensitiveHeaders are never logged verbatim.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Csrf-Token":        true,
	"Apikey":              true,
}

// RedactHeaders returns a copy of h with sensitive values replaced by
// "[REDACTED]". Intended for debug-level logging only.
func RedactHeaders(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		name := http.CanonicalHeaderKey(k)
		if sensitiveHeaders[name] {
			out[name] = "[REDACTED]"
			continue
		}
		if len(vs) > 0 {
			out[name] = vs[0]
		}
	}
	return out
}
