// Package syncerr defines the engine's transport-independent error taxonomy
// and its JSON envelope, grounded on the teacher's internal/api/errors
// package and narrowed to the six categories the engine actually raises.
package syncerr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Code identifies one of the six error categories.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

// Error is a structured, JSON-serializable API error.
type Error struct {
	Code      Code        `json:"error"`
	Message   string      `json:"message"`
	Path      string      `json:"path,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithPath sets the request path that produced the error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithRequestID sets the correlating request id.
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithDetails attaches structured detail (e.g. field validation errors).
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// StatusCode maps the error's Code to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Unauthenticated creates a credential-related error.
func Unauthenticated(message string) *Error { return New(CodeUnauthenticated, message) }

// Forbidden creates a restriction/quota-related error.
func Forbidden(message string) *Error { return New(CodeForbidden, message) }

// Validation creates a malformed-request error.
func Validation(message string) *Error { return New(CodeValidation, message) }

// NotFound creates a resource-not-found error.
func NotFound(resource string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Conflict creates a manual-escalation error.
func Conflict(message string) *Error { return New(CodeConflict, message) }

// Internal creates an unexpected-failure error.
func Internal(message string) *Error { return New(CodeInternal, message) }

// WriteJSON writes err as the standard JSON error envelope.
func WriteJSON(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(err)
}

// As extracts a *Error from err, returning ok=false (and an internal-error
// fallback) when err is not already a *Error.
func As(err error) (*Error, bool) {
	if se, ok := err.(*Error); ok {
		return se, true
	}
	return Internal(err.Error()), false
}
