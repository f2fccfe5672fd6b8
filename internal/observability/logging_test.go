package observability

import (
	"context"
	"net/http"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/odatabatch/internal/config"
)

func TestNewLogger_defaultLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "info"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "bogus"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should NOT be enabled with invalid level")
	}
}

func TestNewLogger_console(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewLogger_allLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("level %s should be enabled", tt.enabled)
			}
			if tt.enabled > zapcore.DebugLevel && logger.Core().Enabled(tt.enabled-1) {
				t.Errorf("level %s should NOT be enabled", tt.enabled-1)
			}
		})
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	if got := LoggerFrom(ctx, nil); got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

// --- RedactHeaders ---

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Basic abc")
	h.Set("x-csrf-token", "secret-token")
	h.Set("Sap-Client", "100")

	got := RedactHeaders(h)
	if got["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization = %q, want [REDACTED]", got["Authorization"])
	}
	if got["X-Csrf-Token"] != "[REDACTED]" {
		t.Errorf("X-Csrf-Token = %q, want [REDACTED]", got["X-Csrf-Token"])
	}
	if got["Sap-Client"] != "100" {
		t.Errorf("Sap-Client = %q, want 100", got["Sap-Client"])
	}
	if h.Get("Authorization") != "Basic abc" {
		t.Error("RedactHeaders mutated the input")
	}
}

func TestRedactHeaders_nil(t *testing.T) {
	if got := RedactHeaders(nil); got != nil {
		t.Errorf("RedactHeaders(nil) = %v, want nil", got)
	}
}
