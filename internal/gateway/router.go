package gateway

import (
	"maps"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/internal/observability"
)

// Dependencies holds all injected dependencies for the gateway.
type Dependencies struct {
	Config  *config.Config
	Client  *batch.Client
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
	// TokenStore is checked by the readiness endpoint when set.
	TokenStore observability.HealthChecker
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints bypass request
// logging, tracing and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := deps.Client
	if client == nil {
		client = batch.NewClient(batch.WithLogger(logger), batch.WithMetrics(deps.Metrics))
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	readiness := observability.Readiness{
		Destinations: slices.Sorted(maps.Keys(deps.Config.Destinations)),
		Dependencies: map[string]observability.HealthChecker{},
	}
	if deps.TokenStore != nil {
		readiness.Dependencies["csrf_token_store"] = deps.TokenStore
	}
	r.Get("/readyz", observability.HandleReady(readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	h := &batchHandler{cfg: deps.Config, client: client, maxPlanBytes: deps.Config.Server.MaxPlanBytes}
	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.WriteTimeout))

		r.Post("/v1/destinations/{destination}/batches", h.handleBatch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no route for "+r.Method+" "+r.URL.Path)
	})
	return r
}
