package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status       string                 `json:"status"`
	Destinations []string               `json:"destinations"`
	Checks       map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Readiness decides whether the gateway can accept batches: at least one
// destination must be configured and every dependency must answer.
type Readiness struct {
	Destinations []string
	Dependencies map[string]HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint. Dependencies are checked
// concurrently, each under its own timeout.
func HandleReady(rd Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{
			Status:       "ready",
			Destinations: rd.Destinations,
			Checks:       make(map[string]CheckResult, len(rd.Dependencies)+1),
		}
		if resp.Destinations == nil {
			resp.Destinations = []string{}
		}

		if len(rd.Destinations) == 0 {
			resp.Checks["destinations"] = CheckResult{Status: "error", Error: "no destinations configured"}
		} else {
			resp.Checks["destinations"] = CheckResult{Status: "ok"}
		}

		var mu sync.Mutex
		var g errgroup.Group
		for name, checker := range rd.Dependencies {
			g.Go(func() error {
				result := runCheck(r.Context(), checker)
				mu.Lock()
				resp.Checks[name] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status := http.StatusOK
		for _, result := range resp.Checks {
			if result.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}
