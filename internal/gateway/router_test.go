package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/internal/csrf"
	"github.com/pitabwire/odatabatch/internal/observability"
	"github.com/pitabwire/odatabatch/internal/odatatest"
	"github.com/pitabwire/odatabatch/model"
)

const servicePath = "/sap/opu/odata/sap/API_PEOPLE"

const peoplePlan = `
service: /sap/opu/odata/sap/API_PEOPLE
items:
  - read: People
    query: $top=10
  - changeset:
      - create: People
        body: {Name: Ann}
  - read: People
    key: 42
`

// testDeps returns Dependencies wired to a stub service registered as the
// "erp" destination.
func testDeps(t *testing.T, svc *odatatest.Service) Dependencies {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.WriteTimeout = 5 * time.Second
	if svc != nil {
		cfg.Destinations["erp"] = config.DestinationConfig{URL: svc.URL()}
	}
	logger := zaptest.NewLogger(t)
	return Dependencies{
		Config: cfg,
		Logger: logger,
		Client: batch.NewClient(batch.WithLogger(logger)),
	}
}

func postPlan(r http.Handler, destination, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/destinations/"+destination+"/batches", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/yaml")
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

// --- Health ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps(t, nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_readyWithoutDestinations(t *testing.T) {
	r := NewRouter(testDeps(t, nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_readyChecksTokenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	deps := testDeps(t, odatatest.NewService(t, servicePath))
	deps.TokenStore = csrf.NewRedisStore(rdb, "csrf")
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body)
	}
	var ready observability.ReadinessResponse
	json.NewDecoder(w.Body).Decode(&ready)
	if len(ready.Destinations) != 1 || ready.Destinations[0] != "erp" {
		t.Errorf("destinations = %v, want [erp]", ready.Destinations)
	}
	if ready.Checks["csrf_token_store"].Status != "ok" {
		t.Errorf("csrf_token_store = %+v, want ok", ready.Checks["csrf_token_store"])
	}

	mr.Close()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status with redis down = %d, want 503", w.Code)
	}
}

// --- Metrics ---

func TestNewRouter_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	deps := testDeps(t, odatatest.NewService(t, servicePath))
	deps.Metrics = observability.InitMetrics(reg)
	deps.Gatherer = reg
	deps.Client = batch.NewClient(batch.WithMetrics(deps.Metrics))
	r := NewRouter(deps)

	if w := postPlan(r, "erp", peoplePlan); w.Code != 200 {
		t.Fatalf("batch status = %d, body %s", w.Code, w.Body)
	}

	if got := testutil.ToFloat64(deps.Metrics.HTTPRequestsTotal.WithLabelValues(
		"POST", "/v1/destinations/{destination}/batches", "200")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(deps.Metrics.BatchRequestsTotal.WithLabelValues("erp", "202")); got != 1 {
		t.Errorf("batch requests = %v, want 1", got)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "odatabatch_batch_requests_total") {
		t.Error("metrics output should include odatabatch_batch_requests_total")
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps(t, nil)
	deps.Gatherer = prometheus.NewRegistry()
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when metrics are disabled", w.Code)
	}
}

// --- Routing ---

func TestNewRouter_unknownRoute(t *testing.T) {
	r := NewRouter(testDeps(t, nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/nothing", nil))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if got := decodeError(t, w).Code; got != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", got)
	}
}

func TestNewRouter_correlationID(t *testing.T) {
	r := NewRouter(testDeps(t, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "abc-123")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-Id"); got != "abc-123" {
		t.Errorf("X-Correlation-Id = %q, want abc-123", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if got := w.Header().Get("X-Correlation-Id"); len(got) != 36 {
		t.Errorf("generated X-Correlation-Id = %q, want a UUID", got)
	}
}
