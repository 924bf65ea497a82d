package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("permission denied")
	ErrUnauthenticated   = errors.New("authentication required")
	ErrInvalidLookup     = errors.New("invalid lookup")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrTransportClosed   = errors.New("transport closed")
	ErrActionNotAllowed  = errors.New("action not allowed")
	ErrUnknownStream     = errors.New("unknown stream")
	ErrAlreadyRegistered = errors.New("stream already registered")
)

// ValidationError reports input that failed serializer validation.
// Fields maps a field name to its messages; NonField holds messages not tied to one field.
type ValidationError struct {
	Fields   map[string][]string
	NonField []string
}

// NewValidationError returns an empty ValidationError ready for Add.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string][]string)}
}

// Add records msg for field. An empty field records a non-field message.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if field == "" {
		e.NonField = append(e.NonField, msg)
		return e
	}
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
	return e
}

// Empty reports whether no messages were recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0 && len(e.NonField) == 0
}

// OrNil returns e when it carries messages and nil otherwise, so callers can `return nil, v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+len(e.NonField))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, strings.Join(e.Fields[name], " ")))
	}
	parts = append(parts, e.NonField...)
	return "validation failed: " + strings.Join(parts, "; ")
}
