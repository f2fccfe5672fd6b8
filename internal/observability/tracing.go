package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/model"
)

const tracerName = "github.com/pitabwire/odatabatch"

// Span attribute keys.
var (
	AttrDestination = attribute.Key("odatabatch.destination")
	AttrServicePath = attribute.Key("odatabatch.service_path")
	AttrItems       = attribute.Key("odatabatch.items")
	AttrChangeSets  = attribute.Key("odatabatch.changesets")
	AttrFailedItems = attribute.Key("odatabatch.failed_items")
	AttrCSRFRetry   = attribute.Key("odatabatch.csrf_retry")
	AttrBreakerOpen = attribute.Key("odatabatch.breaker_open")
	AttrErrorCode   = attribute.Key("odatabatch.error_code")
)

// InitTracing installs a global TracerProvider and the W3C propagators. The
// returned function flushes and stops it; with tracing disabled it is a no-op
// and spans go to the default no-op provider.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
}

// newSampler honours the caller's sampling decision and samples new traces
// at cfg.SamplingRate, defaulting to 10%.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the tracer for odatabatch spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// BatchSpan describes one outbound $batch execution.
type BatchSpan struct {
	Destination string
	ServicePath string
	Items       int
	ChangeSets  int
}

// StartBatchSpan starts a client span for a batch POST.
func StartBatchSpan(ctx context.Context, b BatchSpan) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "odata.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrDestination.String(b.Destination),
			AttrServicePath.String(b.ServicePath),
			AttrItems.Int(b.Items),
			AttrChangeSets.Int(b.ChangeSets),
		),
	)
}

// EndBatchSpan ends a batch span. A non-nil err marks the span failed and,
// when it carries an error code, records it. Item failures alone leave the
// status unset.
func EndBatchSpan(span trace.Span, failedItems int, err error) {
	span.SetAttributes(AttrFailedItems.Int(failedItems))
	if err != nil {
		var ee *model.ErrorEnvelope
		if errors.As(err, &ee) {
			span.SetAttributes(AttrErrorCode.String(ee.Code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per gateway request, continuing any
// inbound trace context. The span is renamed to the matched chi route once
// routing is done, and tagged with the destination URL parameter.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(sw.status))
		if dest := chi.URLParam(r, "destination"); dest != "" {
			span.SetAttributes(AttrDestination.String(dest))
		}
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders writes the current trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
