// Package gateway contains the HTTP router, middleware chain and handlers
// that expose batch execution over HTTP.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/odatabatch/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrInvalidArgument:   http.StatusBadRequest,
	model.ErrIllegalState:      http.StatusBadRequest,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConnection:        http.StatusBadGateway,
	model.ErrMalformedEnvelope: http.StatusBadGateway,
	model.ErrServiceError:      http.StatusBadGateway,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
