package batch

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/odatabatch/internal/csrf"
	"github.com/pitabwire/odatabatch/internal/observability"
	"github.com/pitabwire/odatabatch/internal/transport"
	"github.com/pitabwire/odatabatch/model"
)

const defaultTimeout = 60 * time.Second

// Client sends built batches to OData destinations. It owns the CSRF token
// cache and is safe for concurrent use.
type Client struct {
	httpClient model.HTTPClient
	logger     *zap.Logger
	metrics    *observability.Metrics
	store      csrf.Store
	tokenTTL   time.Duration
	maxBody    int64
	breaker    transport.BreakerSettings

	exec     *transport.Executor
	csrf     *csrf.Retriever
	breakers *transport.Breakers
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default cookie-aware http.Client.
func WithHTTPClient(hc model.HTTPClient) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithTokenStore sets where CSRF tokens are cached.
func WithTokenStore(s csrf.Store) ClientOption {
	return func(c *Client) { c.store = s }
}

// WithTokenTTL bounds the lifetime of cached CSRF tokens.
func WithTokenTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.tokenTTL = ttl }
}

// WithMaxResponseBytes bounds how much of a response is read.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) { c.maxBody = n }
}

// WithCircuitBreaker stops sending to a destination for openTimeout after
// failures consecutive connection errors or 5xx batch responses, then lets
// trial batches through until successes of them pass.
func WithCircuitBreaker(failures, successes int, openTimeout time.Duration) ClientOption {
	return func(c *Client) {
		c.breaker = transport.BreakerSettings{
			FailureThreshold: failures,
			SuccessThreshold: successes,
			OpenTimeout:      openTimeout,
		}
	}
}

// NewClient returns a Client. Without WithHTTPClient it uses an http.Client
// with a cookie jar, since services bind CSRF tokens to the session cookie.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient = &http.Client{Jar: jar, Timeout: defaultTimeout}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	c.exec = transport.NewExecutor(c.httpClient, c.maxBody)
	c.breakers = transport.NewBreakers(c.breaker)
	retrieverOpts := []csrf.Option{
		csrf.WithLogger(c.logger),
		csrf.WithMetrics(c.metrics),
		csrf.WithTTL(c.tokenTTL),
	}
	if c.store != nil {
		retrieverOpts = append(retrieverOpts, csrf.WithStore(c.store))
	}
	c.csrf = csrf.NewRetriever(c.exec, retrieverOpts...)
	return c
}

// Execute serializes req, performs the CSRF handshake when it applies, posts
// the batch to dest and correlates the response. Problems that leave no
// usable response are returned as an error; failures of single items are
// reported inside the Response.
func (c *Client) Execute(ctx context.Context, dest model.Destination, req *Request) (resp *Response, err error) {
	if req == nil {
		return nil, model.NewInvalidArgumentError("nil batch request")
	}
	if dest.URL == "" {
		return nil, model.NewInvalidArgumentError("destination has no URL")
	}

	destKey := dest.Key()
	start := time.Now()
	status := ""
	logger := observability.LoggerFrom(ctx, c.logger).With(
		zap.String("destination", destKey),
		zap.String("service_path", req.servicePath),
	)
	ctx, span := observability.StartBatchSpan(ctx, observability.BatchSpan{
		Destination: destKey,
		ServicePath: req.servicePath,
		Items:       req.Len(),
		ChangeSets:  req.ChangeSetCount(),
	})
	failed := 0
	defer func() {
		if err != nil {
			status = errorCode(err)
			logger.Error("batch failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		}
		c.metrics.RecordBatch(destKey, status, req.Len(), time.Since(start))
		observability.EndBatchSpan(span, failed, err)
	}()

	enc, err := Encode(req)
	if err != nil {
		return nil, err
	}

	if err := c.breakers.Allow(destKey); err != nil {
		span.SetAttributes(observability.AttrBreakerOpen.Bool(true))
		return nil, err
	}
	outerStatus := 0
	defer func() {
		c.breakers.Record(destKey, !model.IsCode(err, model.ErrConnection) && outerStatus < 500)
	}()

	header := make(http.Header)
	for k, vs := range dest.Headers {
		header[k] = append([]string(nil), vs...)
	}
	for k, vs := range req.header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set("Content-Type", enc.ContentType)
	header.Set("Accept", "multipart/mixed")
	observability.InjectTraceHeaders(ctx, header)

	useCSRF := req.csrf && !dest.DisableCSRF && header.Get(csrf.HeaderName) == ""
	if useCSRF {
		token, err := c.csrf.Token(ctx, dest, req.servicePath)
		if err != nil {
			return nil, err
		}
		setToken(header, token)
	}

	url := dest.ServiceURL(req.servicePath) + "/$batch"
	if ce := logger.Check(zap.DebugLevel, "posting batch"); ce != nil {
		ce.Write(zap.String("url", url), zap.Int("bytes", len(enc.Body)),
			zap.Any("headers", observability.RedactHeaders(header)))
	}
	raw, err := c.exec.Do(ctx, http.MethodPost, url, header, enc.Body)
	if err != nil {
		return nil, err
	}

	if useCSRF && csrf.IsRejection(raw.StatusCode, raw.Header) {
		c.metrics.RecordCSRFRetry(destKey)
		span.SetAttributes(observability.AttrCSRFRetry.Bool(true))
		logger.Info("csrf token rejected, refreshing and retrying once")

		token, err := c.csrf.Refresh(ctx, dest, req.servicePath)
		if err != nil {
			return nil, err
		}
		setToken(header, token)

		raw, err = c.exec.Do(ctx, http.MethodPost, url, header, enc.Body)
		if err != nil {
			return nil, err
		}
		if csrf.IsRejection(raw.StatusCode, raw.Header) {
			return nil, model.NewConnectionError("csrf token rejected twice by "+url, nil)
		}
	}

	outerStatus = raw.StatusCode
	status = strconv.Itoa(raw.StatusCode)
	c.metrics.RecordBatchSizes(destKey, len(enc.Body), len(raw.Body))

	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return nil, serviceError(raw.StatusCode, raw.Body)
	}

	parts, err := parseBatch(raw.Header.Get("Content-Type"), raw.Body)
	if err != nil {
		return nil, err
	}

	resp, extra := correlate(req, parts)
	resp.StatusCode = raw.StatusCode
	resp.Header = raw.Header
	if extra > 0 {
		logger.Warn("batch response has more parts than items, ignoring the surplus",
			zap.Int("items", req.Len()),
			zap.Int("extra_parts", extra),
		)
	}

	for _, it := range resp.items {
		if it.Err == nil {
			continue
		}
		failed++
		c.metrics.RecordPartFailure(destKey, it.Kind)
		logger.Warn("batch item failed",
			zap.String("kind", it.Kind),
			zap.String("target", it.Target),
			zap.Error(it.Err),
		)
	}

	logger.Info("batch executed",
		zap.Int("status", raw.StatusCode),
		zap.Int("items", req.Len()),
		zap.Int("failed_items", failed),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func setToken(header http.Header, token string) {
	if token == "" {
		header.Del(csrf.HeaderName)
		return
	}
	header.Set(csrf.HeaderName, token)
}

func errorCode(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return model.ErrInternalError
}
