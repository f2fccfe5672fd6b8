// Package csrf implements the anti-forgery token handshake required by
// OData services before state-changing batch requests.
package csrf

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/odatabatch/internal/observability"
	"github.com/pitabwire/odatabatch/internal/transport"
	"github.com/pitabwire/odatabatch/model"
)

// HeaderName carries the token on requests and responses.
const HeaderName = "X-Csrf-Token"

const (
	fetchValue    = "fetch"
	requiredValue = "Required"
)

// Retriever fetches tokens with a HEAD request and caches them per
// destination. It is safe for concurrent use.
type Retriever struct {
	exec    *transport.Executor
	store   Store
	ttl     time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	group   singleflight.Group
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(r *Retriever) { r.store = s }
}

// WithTTL bounds how long a token stays cached. Zero keeps it until rejected.
func WithTTL(ttl time.Duration) Option {
	return func(r *Retriever) { r.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// NewRetriever returns a retriever issuing HEAD requests through exec.
func NewRetriever(exec *transport.Executor, opts ...Option) *Retriever {
	r := &Retriever{
		exec:   exec,
		store:  NewMemoryStore(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token returns the cached token for dest, fetching one on a miss. An empty
// token with a nil error means the service issued none; that answer is
// cached like a token.
func (r *Retriever) Token(ctx context.Context, dest model.Destination, servicePath string) (string, error) {
	token, found, err := r.store.Get(ctx, dest.Key())
	if err != nil {
		r.logger.Warn("csrf: token store read failed",
			zap.String("destination", dest.Key()), zap.Error(err))
	} else if found {
		return token, nil
	}
	return r.fetch(ctx, dest, servicePath)
}

// Refresh invalidates the cached token for dest and fetches a new one.
func (r *Retriever) Refresh(ctx context.Context, dest model.Destination, servicePath string) (string, error) {
	if err := r.store.Delete(ctx, dest.Key()); err != nil {
		r.logger.Warn("csrf: token invalidation failed",
			zap.String("destination", dest.Key()), zap.Error(err))
	}
	return r.fetch(ctx, dest, servicePath)
}

// fetch issues the HEAD request. Concurrent fetches for one destination
// share a single request.
func (r *Retriever) fetch(ctx context.Context, dest model.Destination, servicePath string) (string, error) {
	key := dest.Key()
	v, err, _ := r.group.Do(key, func() (any, error) {
		header := make(http.Header)
		for k, vs := range dest.Headers {
			header[k] = append([]string(nil), vs...)
		}
		header.Set(HeaderName, fetchValue)

		url := dest.ServiceURL(servicePath)
		resp, err := r.exec.Do(ctx, http.MethodHead, url, header, nil)
		if err != nil {
			r.metrics.RecordCSRFFetch(key, "error")
			return "", model.NewConnectionError("csrf token fetch from "+url+" failed", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			r.metrics.RecordCSRFFetch(key, "error")
			return "", model.NewConnectionError(fmt.Sprintf(
				"csrf token fetch from %s returned status %d", url, resp.StatusCode), nil)
		}

		// An empty token is cached as well, so token-less services see one
		// HEAD per TTL. A later rejection goes through Refresh, which drops it.
		token := resp.Header.Get(HeaderName)
		if err := r.store.Set(ctx, key, token, r.ttl); err != nil {
			r.logger.Warn("csrf: token store write failed",
				zap.String("destination", key), zap.Error(err))
		}
		if token == "" {
			r.metrics.RecordCSRFFetch(key, "absent")
			r.logger.Debug("csrf: service returned no token, continuing without",
				zap.String("destination", key))
			return "", nil
		}
		r.metrics.RecordCSRFFetch(key, "ok")
		r.logger.Debug("csrf: token fetched", zap.String("destination", key))
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// IsRejection reports whether a response rejected the request's token.
func IsRejection(status int, header http.Header) bool {
	return status == http.StatusForbidden && strings.EqualFold(header.Get(HeaderName), requiredValue)
}
