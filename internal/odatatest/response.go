package odatatest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Part is one embedded HTTP response.
type Part struct {
	Status int
	Header http.Header
	Body   string
}

// JSON returns a part with a JSON body. v is marshalled unless it is a string.
func JSON(status int, v any) Part {
	var body string
	switch b := v.(type) {
	case string:
		body = b
	case []byte:
		body = string(b)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("odatatest: marshal part body: %v", err))
		}
		body = string(raw)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return Part{Status: status, Header: h, Body: body}
}

// NoContent returns a 204 part.
func NoContent() Part {
	return Part{Status: http.StatusNoContent}
}

// ServiceError returns a part carrying an OData V2 error body.
func ServiceError(status int, code, message string) Part {
	return JSON(status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": map[string]any{"lang": "en", "value": message},
		},
	})
}

type entry struct {
	part      *Part
	changeset []Part
}

// ResponseBuilder renders a multipart/mixed batch response.
type ResponseBuilder struct {
	boundary string
	entries  []entry
	eol      string
}

// NewResponse returns a builder using CRLF line endings.
func NewResponse() *ResponseBuilder {
	return &ResponseBuilder{boundary: "batchresponse_" + uuid.NewString(), eol: "\r\n"}
}

// LF switches to bare LF line endings, as some servers emit.
func (b *ResponseBuilder) LF() *ResponseBuilder {
	b.eol = "\n"
	return b
}

// Part appends a top-level application/http part.
func (b *ResponseBuilder) Part(p Part) *ResponseBuilder {
	b.entries = append(b.entries, entry{part: &p})
	return b
}

// ChangeSet appends a nested multipart/mixed part holding parts.
func (b *ResponseBuilder) ChangeSet(parts ...Part) *ResponseBuilder {
	b.entries = append(b.entries, entry{changeset: parts})
	return b
}

// ContentType returns the response Content-Type header.
func (b *ResponseBuilder) ContentType() string {
	return "multipart/mixed; boundary=" + b.boundary
}

// Bytes renders the response body.
func (b *ResponseBuilder) Bytes() []byte {
	var buf bytes.Buffer
	line := func(s ...string) {
		for _, p := range s {
			buf.WriteString(p)
		}
		buf.WriteString(b.eol)
	}

	for _, e := range b.entries {
		line("--", b.boundary)
		if e.part != nil {
			b.writePart(&buf, line, *e.part)
			continue
		}
		inner := "changesetresponse_" + uuid.NewString()
		line("Content-Type: multipart/mixed; boundary=", inner)
		line()
		for _, p := range e.changeset {
			line("--", inner)
			b.writePart(&buf, line, p)
		}
		line("--", inner, "--")
		line()
	}
	line("--", b.boundary, "--")
	return buf.Bytes()
}

func (b *ResponseBuilder) writePart(buf *bytes.Buffer, line func(...string), p Part) {
	line("Content-Type: application/http")
	line("Content-Transfer-Encoding: binary")
	line()
	line("HTTP/1.1 ", strconv.Itoa(p.Status), " ", http.StatusText(p.Status))
	for k, vs := range p.Header {
		for _, v := range vs {
			line(k, ": ", v)
		}
	}
	if p.Body != "" {
		line("Content-Length: ", strconv.Itoa(len(p.Body)))
	}
	line()
	if p.Body != "" {
		buf.WriteString(p.Body)
		line()
	}
}

// Mirror answers a batch request part by part: reads get a 200 whose entity
// carries the method and target, creates get a 201 echoing their payload,
// other changes get a 204.
func Mirror(contentType string, body []byte) (*ResponseBuilder, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("odatatest: not a multipart request: %q", contentType)
	}

	resp := NewResponse()
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		if err != nil {
			return nil, fmt.Errorf("odatatest: read part: %w", err)
		}

		mt, pp, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if !strings.HasPrefix(mt, "multipart/") {
			method, target, _, err := readEmbedded(p)
			if err != nil {
				return nil, err
			}
			resp.Part(JSON(http.StatusOK, map[string]any{"d": map[string]any{"method": method, "target": target}}))
			continue
		}

		var parts []Part
		cr := multipart.NewReader(p, pp["boundary"])
		for {
			np, err := cr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("odatatest: read changeset part: %w", err)
			}
			method, _, payload, err := readEmbedded(np)
			if err != nil {
				return nil, err
			}
			if method == http.MethodPost {
				entity := json.RawMessage(payload)
				if len(bytes.TrimSpace(payload)) == 0 {
					entity = json.RawMessage("{}")
				}
				parts = append(parts, JSON(http.StatusCreated, map[string]any{"d": entity}))
				continue
			}
			parts = append(parts, NoContent())
		}
		resp.ChangeSet(parts...)
	}
}

// readEmbedded parses the request line, headers and body of an
// application/http part. Targets are relative to the service root, so
// http.ReadRequest cannot be used.
func readEmbedded(r io.Reader) (method, target string, body []byte, err error) {
	tp := textproto.NewReader(bufio.NewReader(r))
	requestLine, err := tp.ReadLine()
	if err != nil {
		return "", "", nil, fmt.Errorf("odatatest: read request line: %w", err)
	}
	fields := strings.Fields(requestLine)
	if len(fields) != 3 {
		return "", "", nil, fmt.Errorf("odatatest: malformed request line %q", requestLine)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil && !errors.Is(err, io.EOF) {
		return "", "", nil, fmt.Errorf("odatatest: read embedded headers: %w", err)
	}
	body, err = io.ReadAll(tp.R)
	if err != nil {
		return "", "", nil, err
	}
	return fields[0], fields[1], bytes.TrimRight(body, "\r\n"), nil
}
