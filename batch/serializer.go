package batch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pitabwire/odatabatch/model"
)

const crlf = "\r\n"

// reservedHeaders are owned by the multipart framing; custom headers with
// these names are dropped.
var reservedHeaders = map[string]bool{
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Id":                true,
	"Content-Length":            true,
}

// Encoded is the wire form of a batch request.
type Encoded struct {
	ContentType string
	Boundary    string
	Body        []byte
}

// Encode renders r as a multipart/mixed body with random boundaries.
func Encode(r *Request) (*Encoded, error) {
	if r == nil {
		return nil, model.NewInvalidArgumentError("nil batch request")
	}
	return encode(r, uuid.NewString)
}

type partWriter struct {
	buf       bytes.Buffer
	contentID int
}

func (w *partWriter) line(parts ...string) {
	for _, p := range parts {
		w.buf.WriteString(p)
	}
	w.buf.WriteString(crlf)
}

func (w *partWriter) nextContentID() string {
	w.contentID++
	return strconv.Itoa(w.contentID)
}

func encode(r *Request, newID func() string) (*Encoded, error) {
	boundary := "batch_" + newID()
	w := &partWriter{}

	for _, it := range r.items {
		w.line("--", boundary)
		switch it.kind {
		case itemRead:
			w.httpPartHeader()
			w.requestHead(http.MethodGet, withQuery(it.read.path, it.read.query), it.read.header, nil)
			w.line()
		case itemFunction:
			w.httpPartHeader()
			w.requestHead(http.MethodGet, it.function.target(), it.function.header, nil)
			w.line()
		case itemChangeSet:
			w.changeSet(it.changeset, "changeset_"+newID())
		}
	}
	w.line("--", boundary, "--")

	return &Encoded{
		ContentType: "multipart/mixed; boundary=" + boundary,
		Boundary:    boundary,
		Body:        w.buf.Bytes(),
	}, nil
}

func (w *partWriter) httpPartHeader() {
	w.line("Content-Type: application/http")
	w.line("Content-Transfer-Encoding: binary")
	w.line("Content-ID: ", w.nextContentID())
	w.line()
}

func (w *partWriter) changeSet(ops []*ChangeOperation, boundary string) {
	w.line("Content-Type: multipart/mixed; boundary=", boundary)
	w.line("Content-ID: ", w.nextContentID())
	w.line()

	for _, op := range ops {
		body := op.body
		w.line("--", boundary)
		w.httpPartHeader()

		protocol := make(http.Header)
		if body != nil {
			protocol.Set("Content-Type", "application/json")
			protocol.Set("Content-Length", strconv.Itoa(len(body)))
		}
		if op.etag != "" && (op.kind == ChangeUpdate || op.kind == ChangeDelete) {
			protocol.Set("If-Match", op.etag)
		}
		w.requestHead(op.method(), op.target(), op.headers(), protocol)
		w.buf.Write(body)
		w.line()
	}
	w.line("--", boundary, "--")
	w.line()
}

// requestHead writes the embedded request line and headers, ending with the
// blank line that separates them from the body. Protocol headers come first;
// custom headers follow unless they collide with a reserved name.
func (w *partWriter) requestHead(method, target string, custom, protocol http.Header) {
	w.line(method, " ", target, " HTTP/1.1")
	w.line("Accept: application/json")
	writeHeaders(w, protocol, nil)
	writeHeaders(w, custom, reservedHeaders)
	w.line()
}

func writeHeaders(w *partWriter, h http.Header, skip map[string]bool) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		name := http.CanonicalHeaderKey(sanitizeHeader(k))
		if name == "" || skip[name] {
			continue
		}
		for _, v := range h[k] {
			w.line(name, ": ", sanitizeHeader(v))
		}
	}
}

func withQuery(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}

func marshalPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	return json.Marshal(v)
}

// sanitizeHeader strips newlines and carriage returns to prevent part injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
