package model

import (
	"errors"
	"fmt"
)

// Error categories surfaced by the batch engine.
const (
	ErrIllegalState      = "ILLEGAL_STATE"
	ErrInvalidArgument   = "INVALID_ARGUMENT"
	ErrConnection        = "CONNECTION_ERROR"
	ErrMalformedEnvelope = "MALFORMED_ENVELOPE"
	ErrMalformedPart     = "MALFORMED_PART"
	ErrServiceError      = "SERVICE_ERROR"
	ErrNotFound          = "NOT_FOUND"
	ErrInternalError     = "INTERNAL_ERROR"
)

// ErrorEnvelope is the error type returned by every package in this module.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`

	// StatusCode is the HTTP status of the failing part or batch, if any.
	StatusCode int `json:"status_code,omitempty"`
	// ServiceCode is the OData service's own error code, e.g. "SY/530".
	ServiceCode string `json:"service_code,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes one detail entry of a service error.
type FieldError struct {
	Target   string `json:"target,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// IsCode reports whether err is (or wraps) an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewIllegalStateError returns an ILLEGAL_STATE error.
func NewIllegalStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalState, Message: msg}
}

// NewInvalidArgumentError returns an INVALID_ARGUMENT error.
func NewInvalidArgumentError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidArgument, Message: msg}
}

// NewConnectionError returns a CONNECTION_ERROR wrapping cause.
func NewConnectionError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConnection, Message: msg, cause: cause}
}

// NewMalformedEnvelopeError returns a MALFORMED_ENVELOPE error.
func NewMalformedEnvelopeError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMalformedEnvelope, Message: msg}
}

// NewMalformedPartError returns a MALFORMED_PART error wrapping cause.
func NewMalformedPartError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMalformedPart, Message: msg, cause: cause}
}

// NewServiceError returns a SERVICE_ERROR for a failed HTTP status.
func NewServiceError(status int, serviceCode, msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:        ErrServiceError,
		Message:     msg,
		StatusCode:  status,
		ServiceCode: serviceCode,
		Details:     details,
	}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
