package batch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/pitabwire/odatabatch/model"
)

// Result is the parsed status, headers and body of one sub-response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	mu      sync.Mutex
	decoded map[reflect.Type]any
}

// IsSuccess reports whether the status is below 400.
func (r *Result) IsSuccess() bool {
	return r.StatusCode < http.StatusBadRequest
}

// Field looks up a gjson path on the unwrapped entity or collection.
func (r *Result) Field(path string) gjson.Result {
	return gjson.GetBytes(r.payload(), path)
}

// ETag returns the entity version from the ETag header or __metadata.etag.
func (r *Result) ETag() string {
	if v := r.Header.Get("ETag"); v != "" {
		return v
	}
	return gjson.GetBytes(r.Body, "d.__metadata.etag").String()
}

// payload strips the OData JSON envelope: {"d":{"results":[...]}},
// {"d":{...}} or {"value":[...]}.
func (r *Result) payload() []byte {
	if len(r.Body) == 0 || !gjson.ValidBytes(r.Body) {
		return r.Body
	}
	if res := gjson.GetBytes(r.Body, "d.results"); res.Exists() && res.IsArray() {
		return []byte(res.Raw)
	}
	if res := gjson.GetBytes(r.Body, "d"); res.Exists() {
		return []byte(res.Raw)
	}
	if res := gjson.GetBytes(r.Body, "value"); res.Exists() && res.IsArray() {
		return []byte(res.Raw)
	}
	return r.Body
}

// cached decodes into a T once and keeps the value for later calls.
func cached[T any](r *Result, decode func([]byte) (T, error)) (T, error) {
	key := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.decoded[key]; ok {
		return v.(T), nil
	}
	v, err := decode(r.payload())
	if err != nil {
		var zero T
		return zero, err
	}
	if r.decoded == nil {
		r.decoded = make(map[reflect.Type]any)
	}
	r.decoded[key] = v
	return v, nil
}

// Decode unwraps the OData envelope of r and decodes a single entity. The
// decoded value is cached per type, so repeated calls return the same value.
func Decode[T any](r *Result) (T, error) {
	return cached(r, func(b []byte) (T, error) {
		var v T
		if len(b) == 0 {
			return v, model.NewInvalidArgumentError("response part has no body")
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return v, model.NewMalformedPartError(fmt.Sprintf("decode %T", v), err)
		}
		return v, nil
	})
}

// DecodeList unwraps the OData envelope of r and decodes a collection.
func DecodeList[T any](r *Result) ([]T, error) {
	return cached(r, func(b []byte) ([]T, error) {
		var v []T
		if len(b) == 0 {
			return nil, model.NewInvalidArgumentError("response part has no body")
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, model.NewMalformedPartError(fmt.Sprintf("decode []%s", reflect.TypeFor[T]()), err)
		}
		return v, nil
	})
}

// serviceError decodes an OData error body. V2 bodies carry
// error.message.value and innererror.errordetails; V4 bodies carry a string
// message and details.
func serviceError(status int, body []byte) *model.ErrorEnvelope {
	msg := http.StatusText(status)
	var code string
	var details []model.FieldError

	if gjson.ValidBytes(body) {
		e := gjson.GetBytes(body, "error")
		code = e.Get("code").String()

		m := e.Get("message")
		switch {
		case m.IsObject():
			if v := m.Get("value").String(); v != "" {
				msg = v
			}
		case m.Type == gjson.String && m.String() != "":
			msg = m.String()
		}

		list := e.Get("innererror.errordetails")
		if !list.IsArray() {
			list = e.Get("details")
		}
		list.ForEach(func(_, d gjson.Result) bool {
			details = append(details, model.FieldError{
				Target:   d.Get("target").String(),
				Code:     d.Get("code").String(),
				Message:  d.Get("message").String(),
				Severity: d.Get("severity").String(),
			})
			return true
		})
	}
	return model.NewServiceError(status, code, msg, details)
}
