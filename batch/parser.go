package batch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"slices"
	"strings"

	"github.com/pitabwire/odatabatch/model"
)

// rawPart is one body part: its MIME headers and content.
type rawPart struct {
	header textproto.MIMEHeader
	body   []byte
}

// parsedPart is one top-level part of a batch response. Exactly one of
// result, nested or err is meaningful.
type parsedPart struct {
	result *Result
	nested []*Result
	err    error
}

// parseBatch splits a batch response body into its top-level parts. Only
// envelope-level problems are returned as an error; anything wrong inside a
// single part is reported in that part's err.
func parseBatch(contentType string, body []byte) ([]parsedPart, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	boundary, err := multipartBoundary(contentType)
	if err != nil {
		return nil, model.NewMalformedEnvelopeError(err.Error())
	}
	chunks, err := splitParts(body, boundary)
	if err != nil {
		return nil, model.NewMalformedEnvelopeError(err.Error())
	}

	parts := make([]parsedPart, len(chunks))
	for i, chunk := range chunks {
		parts[i] = parseTopLevel(chunk)
	}
	return parts, nil
}

func parseTopLevel(chunk []byte) parsedPart {
	rp, err := readPart(chunk)
	if err != nil {
		return parsedPart{err: model.NewMalformedPartError("unreadable part headers", err)}
	}

	mediaType, params, err := mime.ParseMediaType(rp.header.Get("Content-Type"))
	if err != nil {
		return parsedPart{err: model.NewMalformedPartError("invalid part content type", err)}
	}

	switch {
	case mediaType == "application/http":
		res, err := parseHTTPPart(rp.body)
		if err != nil {
			return parsedPart{err: err}
		}
		return parsedPart{result: res}
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return parsedPart{err: model.NewMalformedPartError("changeset part has no boundary", nil)}
		}
		nested, err := splitParts(rp.body, boundary)
		if err != nil {
			return parsedPart{err: model.NewMalformedPartError("unbalanced changeset boundary", err)}
		}
		results := make([]*Result, 0, len(nested))
		for _, n := range nested {
			np, err := readPart(n)
			if err != nil {
				return parsedPart{err: model.NewMalformedPartError("unreadable changeset part headers", err)}
			}
			nestedType, _, err := mime.ParseMediaType(np.header.Get("Content-Type"))
			if err != nil {
				return parsedPart{err: model.NewMalformedPartError("invalid changeset part content type", err)}
			}
			if nestedType != "application/http" {
				return parsedPart{err: model.NewMalformedPartError(fmt.Sprintf("unexpected changeset part content type %q", nestedType), nil)}
			}
			res, err := parseHTTPPart(np.body)
			if err != nil {
				return parsedPart{err: err}
			}
			results = append(results, res)
		}
		return parsedPart{nested: results}
	}
	return parsedPart{err: model.NewMalformedPartError(fmt.Sprintf("unexpected part content type %q", mediaType), nil)}
}

// parseHTTPPart reads the embedded status line, headers and body.
func parseHTTPPart(body []byte) (*Result, error) {
	body = bytes.TrimLeft(body, "\r\n")
	if !bytes.HasPrefix(body, []byte("HTTP/")) {
		return nil, model.NewMalformedPartError("missing status line", nil)
	}
	// A bodiless response loses its terminating blank line to the delimiter.
	if !bytes.Contains(body, []byte("\r\n\r\n")) && !bytes.Contains(body, []byte("\n\n")) {
		body = slices.Concat(bytes.TrimRight(body, "\r\n"), []byte("\r\n\r\n"))
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(body)), nil)
	if err != nil {
		return nil, model.NewMalformedPartError("invalid embedded response", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, model.NewMalformedPartError("unreadable embedded body", err)
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bytes.TrimRight(content, "\r\n"),
	}, nil
}

// readPart splits a part into its MIME header block and body. Bare LF line
// endings are accepted.
func readPart(chunk []byte) (rawPart, error) {
	br := bufio.NewReader(bytes.NewReader(chunk))
	header, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(header) > 0) {
		return rawPart{}, err
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return rawPart{}, err
	}
	return rawPart{header: header, body: rest}, nil
}

func multipartBoundary(contentType string) (string, error) {
	if contentType == "" {
		return "", errors.New("response has no content type")
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("invalid response content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("response content type %q is not multipart", mediaType)
	}
	if params["boundary"] == "" {
		return "", errors.New("response content type has no boundary")
	}
	return params["boundary"], nil
}

// splitParts returns the content between boundary delimiters, dropping the
// preamble and epilogue. Delimiter lines may end in CRLF or LF; the line
// break before a delimiter belongs to the delimiter.
func splitParts(body []byte, boundary string) ([][]byte, error) {
	delim := []byte("--" + boundary)
	var parts [][]byte
	start := -1
	closed := false

	for pos := 0; pos < len(body); {
		next := len(body)
		lineEnd := len(body)
		if i := bytes.IndexByte(body[pos:], '\n'); i >= 0 {
			lineEnd = pos + i
			next = lineEnd + 1
		}
		line := bytes.TrimRight(body[pos:lineEnd], " \t\r")

		if bytes.HasPrefix(line, delim) {
			rest := line[len(delim):]
			isClose := string(rest) == "--"
			if len(rest) == 0 || isClose {
				if start >= 0 {
					parts = append(parts, trimDelimiterBreak(body[start:pos]))
				}
				if isClose {
					closed = true
					break
				}
				start = next
			}
		}
		pos = next
	}

	switch {
	case closed:
		return parts, nil
	case start < 0:
		return nil, fmt.Errorf("no opening delimiter for boundary %q", boundary)
	default:
		return nil, fmt.Errorf("missing closing delimiter for boundary %q", boundary)
	}
}

func trimDelimiterBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}
