// Package odatatest provides an in-process OData service that speaks the
// $batch protocol and the CSRF token handshake, for use in tests.
package odatatest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/odatabatch/model"
)

const csrfHeader = "X-Csrf-Token"

// RecordedRequest captures a request received by the service.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	RawBody    []byte
	ReceivedAt time.Time
}

type reply struct {
	status      int
	contentType string
	body        []byte
	connError   bool
}

// Service is a stub OData service mounted at a service path. Batch POSTs are
// answered from a queue of configured replies, repeating the last one; with
// no reply configured the service mirrors the request.
type Service struct {
	t           *testing.T
	servicePath string
	server      *httptest.Server

	mu         sync.Mutex
	received   []*RecordedRequest
	replies    []*reply
	current    int
	issue      bool
	tokenSeq   int
	token      string
	rejections int
}

// NewService starts a service at servicePath, e.g. "/sap/opu/odata/sap/API".
// It issues CSRF tokens and enforces them on batch POSTs.
func NewService(t *testing.T, servicePath string) *Service {
	t.Helper()

	s := &Service{
		t:           t,
		servicePath: "/" + strings.Trim(servicePath, "/"),
		issue:       true,
	}

	r := chi.NewRouter()
	r.Head(s.servicePath, s.handleHead)
	r.Post(s.servicePath+"/$batch", s.handleBatch)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		http.Error(w, fmt.Sprintf("odatatest: no route for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
	})

	s.server = httptest.NewServer(r)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the base URL of the service host.
func (s *Service) URL() string {
	return s.server.URL
}

// ServicePath returns the path the service is mounted at.
func (s *Service) ServicePath() string {
	return s.servicePath
}

// Destination returns a destination pointing at the service host.
func (s *Service) Destination(name string) model.Destination {
	return model.Destination{Name: name, URL: s.server.URL, Headers: make(http.Header)}
}

// WithoutTokens makes the service answer token fetches without a token and
// accept batches that carry none.
func (s *Service) WithoutTokens() *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issue = false
	return s
}

// RejectTokens makes the next n batch POSTs fail with 403 and
// "X-Csrf-Token: Required", whatever token they carry.
func (s *Service) RejectTokens(n int) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = n
	return s
}

// RespondWith queues a multipart reply built with a ResponseBuilder.
func (s *Service) RespondWith(b *ResponseBuilder) *Service {
	return s.addReply(&reply{status: http.StatusAccepted, contentType: b.ContentType(), body: b.Bytes()})
}

// RespondWithRaw queues a reply with an arbitrary status, content type and body.
func (s *Service) RespondWithRaw(status int, contentType, body string) *Service {
	return s.addReply(&reply{status: status, contentType: contentType, body: []byte(body)})
}

// RespondWithConnectionError queues a reply that drops the connection.
func (s *Service) RespondWithConnectionError() *Service {
	return s.addReply(&reply{connError: true})
}

func (s *Service) addReply(r *reply) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return s
}

func (s *Service) nextReply() *reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return nil
	}
	idx := s.current
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	} else {
		s.current++
	}
	return s.replies[idx]
}

func (s *Service) record(r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if r.Body != nil {
		rec.RawBody, _ = io.ReadAll(r.Body)
	}
	s.mu.Lock()
	s.received = append(s.received, rec)
	s.mu.Unlock()
	return rec
}

func (s *Service) handleHead(w http.ResponseWriter, r *http.Request) {
	s.record(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issue && strings.EqualFold(r.Header.Get(csrfHeader), "fetch") {
		s.tokenSeq++
		s.token = fmt.Sprintf("token-%d", s.tokenSeq)
		w.Header().Set(csrfHeader, s.token)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleBatch(w http.ResponseWriter, r *http.Request) {
	rec := s.record(r)

	s.mu.Lock()
	reject := false
	switch {
	case s.rejections > 0:
		s.rejections--
		reject = true
	case s.issue && (s.token == "" || r.Header.Get(csrfHeader) != s.token):
		reject = true
	}
	s.mu.Unlock()

	if reject {
		w.Header().Set(csrfHeader, "Required")
		http.Error(w, "CSRF token validation failed", http.StatusForbidden)
		return
	}

	rp := s.nextReply()
	if rp == nil {
		mirrored, err := Mirror(r.Header.Get("Content-Type"), rec.RawBody)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rp = &reply{status: http.StatusAccepted, contentType: mirrored.ContentType(), body: mirrored.Bytes()}
	}

	if rp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}

	if rp.contentType != "" {
		w.Header().Set("Content-Type", rp.contentType)
	}
	w.WriteHeader(rp.status)
	w.Write(rp.body)
}

// Requests returns the recorded requests with the given method, in order.
func (s *Service) Requests(method string) []*RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RecordedRequest
	for _, r := range s.received {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// LastBatch returns the last batch POST, or nil.
func (s *Service) LastBatch() *RecordedRequest {
	reqs := s.Requests(http.MethodPost)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AssertCalled verifies the number of requests received with method.
func (s *Service) AssertCalled(t *testing.T, method string, expectedCount int) {
	t.Helper()
	if actual := len(s.Requests(method)); actual != expectedCount {
		t.Errorf("odatatest: %s called %d times, want %d", method, actual, expectedCount)
	}
}

// Token returns the currently valid token.
func (s *Service) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}
