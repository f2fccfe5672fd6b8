// Package transport issues single HTTP exchanges for the batch engine and
// guarantees that every response body is drained and closed.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/pitabwire/odatabatch/model"
)

// DefaultMaxResponseBytes bounds how much of a response is read into memory.
const DefaultMaxResponseBytes int64 = 50 << 20

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Executor performs requests through a pluggable HTTP client.
type Executor struct {
	client  model.HTTPClient
	maxBody int64
}

// NewExecutor returns an executor. A non-positive maxBody selects
// DefaultMaxResponseBytes.
func NewExecutor(client model.HTTPClient, maxBody int64) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Executor{client: client, maxBody: maxBody}
}

// Do sends one request and returns the materialized response. The response
// body is always drained and closed before Do returns, whatever happens
// while reading it.
func (e *Executor) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf("transport: build request: %v", err))
	}
	if header != nil {
		req.Header = header.Clone()
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewConnectionError(method+" "+url+": request cancelled or timed out", ctx.Err())
		}
		if isConnectionError(err) {
			return nil, model.NewConnectionError(method+" "+url+": service unreachable", err)
		}
		return nil, model.NewConnectionError(method+" "+url+": request failed", err)
	}
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return nil, model.NewConnectionError(method+" "+url+": read response", err)
	}
	if int64(len(data)) > e.maxBody {
		return nil, model.NewConnectionError(fmt.Sprintf("%s %s: response exceeds %d bytes", method, url, e.maxBody), nil)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// drainAndClose releases the connection back to the pool.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
