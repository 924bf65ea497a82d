// Package errors provides structured errors with a status code mapping shared
// by the HTTP surface and the realtime reply protocol.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (400)
	TypeValidation ErrorType = "validation"
	// TypeUnauthenticated indicates missing or invalid credentials (401)
	TypeUnauthenticated ErrorType = "unauthenticated"
	// TypeForbidden indicates a stream-level permission failure (403)
	TypeForbidden ErrorType = "forbidden"
	// TypeNotFound indicates a missing or invisible resource (404)
	TypeNotFound ErrorType = "not_found"
	// TypeNotAllowed indicates an action the stream does not offer (405)
	TypeNotAllowed ErrorType = "not_allowed"
	// TypeThrottled indicates a rate limit was hit (429)
	TypeThrottled ErrorType = "throttled"
	// TypeInternal indicates server-side error (500)
	TypeInternal ErrorType = "internal"
	// TypeExternal indicates external service error (502)
	TypeExternal ErrorType = "external"
)

// Messages used for replies, matching the wording clients already depend on.
const (
	MsgInvalidInput     = "Invalid input."
	MsgInvalidLookup    = "The lookup value is invalid."
	MsgMalformed        = "Malformed request."
	MsgNotFound         = "Not found."
	MsgForbidden        = "You do not have permission to perform this action."
	MsgUnauthenticated  = "Authentication credentials were not provided."
	MsgThrottled        = "Request was throttled."
	MsgInternal         = "A server error occurred."
	msgActionNotAllowed = "Action %q not allowed."
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Fields  map[string][]string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the status code for this error type. The realtime protocol
// reuses HTTP codes, so this serves both surfaces.
func (e *Error) Status() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeUnauthenticated:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeNotAllowed:
		return http.StatusMethodNotAllowed
	case TypeThrottled:
		return http.StatusTooManyRequests
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

// ValidationError creates a new validation error (400).
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// NotFoundError creates a new not-found error (404).
func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// ForbiddenError creates a new permission error (403).
func ForbiddenError(message string) *Error {
	return newError(TypeForbidden, message, nil)
}

// UnauthenticatedError creates a new authentication error (401).
func UnauthenticatedError(message string) *Error {
	return newError(TypeUnauthenticated, message, nil)
}

// NotAllowedError creates a new action-not-allowed error (405).
func NotAllowedError(action string) *Error {
	return newError(TypeNotAllowed, fmt.Sprintf(msgActionNotAllowed, action), nil)
}

// ThrottledError creates a new rate-limit error (429).
func ThrottledError() *Error {
	return newError(TypeThrottled, MsgThrottled, nil)
}

// InternalError creates a new internal error (500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// ExternalError creates a new external service error (502).
func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithField is an alias for WithContext (chainable).
func (e *Error) WithField(key string, value any) *Error {
	return e.WithContext(key, value)
}

// ErrorResponse represents the JSON structure sent to HTTP clients.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Type    ErrorType           `json:"type"`
	Fields  map[string][]string `json:"fields,omitempty"`
	Context map[string]any      `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Fields:  e.Fields,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// Domain errors map onto their types; anything unknown becomes an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		e := newError(TypeValidation, MsgInvalidInput, err)
		e.Fields = validationErr.Fields
		if len(validationErr.NonField) > 0 {
			if e.Fields == nil {
				e.Fields = make(map[string][]string)
			}
			e.Fields["non_field_errors"] = validationErr.NonField
		}
		return e
	}

	switch {
	case errors.Is(err, domain.ErrInvalidLookup):
		return newError(TypeValidation, MsgInvalidLookup, err)
	case errors.Is(err, domain.ErrMalformedMessage):
		return newError(TypeValidation, MsgMalformed, err)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownStream):
		return newError(TypeNotFound, MsgNotFound, err)
	case errors.Is(err, domain.ErrForbidden):
		return newError(TypeForbidden, MsgForbidden, err)
	case errors.Is(err, domain.ErrUnauthenticated):
		return newError(TypeUnauthenticated, MsgUnauthenticated, err)
	}

	return InternalError(MsgInternal, err)
}
