// Package resterr holds the service's stable error kinds and their HTTP
// status mapping. Every component that can fail in a way the API surfaces
// to a caller returns (or wraps) one of these.
package resterr

import (
	"fmt"
	"net/http"
)

// Kind is a stable, user-facing error name. Kind strings are part of the
// wire contract: clients match on them, so renaming one is a breaking change.
type Kind string

const (
	KindNotFoundError           Kind = "NotFoundError"
	KindItemDoesNotExist        Kind = "ItemDoesNotExist"
	KindMultipleRowsFound       Kind = "MultipleRowsFound"
	KindUniqueConstraint        Kind = "UniqueConstraint"
	KindUnavailableSubresource  Kind = "UnavailableSubresource"
	KindFieldNotInResource      Kind = "FieldNotInResource"
	KindUnknownOperator         Kind = "UnknownOperator"
	KindInvalidValue            Kind = "InvalidValue"
	KindValueNotInEnum          Kind = "ValueNotInEnum"
	KindManagedProperty         Kind = "ManagedProperty"
	KindInsufficientScopeError  Kind = "InsufficientScopeError"
	KindInsufficientPermission  Kind = "InsufficientPermission"
	KindUnknownContentType      Kind = "UnknownContentType"
	KindJSONError               Kind = "JSONError"
	KindClientAlreadyExists     Kind = "ClientAlreadyExists"
	KindUnknownParameter        Kind = "UnknownParameter"
	KindNotImplementedFeature   Kind = "NotImplementedFeature"
	KindNoAuthServer            Kind = "NoAuthServer"
)

// statusByKind is the fixed HTTP status mapping for each error kind.
var statusByKind = map[Kind]int{
	KindNotFoundError:          http.StatusNotFound,
	KindItemDoesNotExist:       http.StatusNotFound,
	KindMultipleRowsFound:      http.StatusInternalServerError,
	KindUniqueConstraint:       http.StatusBadRequest,
	KindUnavailableSubresource: http.StatusBadRequest,
	KindFieldNotInResource:     http.StatusBadRequest,
	KindUnknownOperator:        http.StatusBadRequest,
	KindInvalidValue:           http.StatusBadRequest,
	KindValueNotInEnum:         http.StatusBadRequest,
	KindManagedProperty:        http.StatusBadRequest,
	KindInsufficientScopeError: http.StatusForbidden,
	KindInsufficientPermission: http.StatusForbidden,
	KindUnknownContentType:     http.StatusUnsupportedMediaType,
	KindJSONError:              http.StatusBadRequest,
	KindClientAlreadyExists:    http.StatusBadRequest,
	KindUnknownParameter:       http.StatusBadRequest,
	KindNotImplementedFeature:  http.StatusNotImplemented,
	KindNoAuthServer:           http.StatusServiceUnavailable,
}

// Error is a typed error carrying a stable Kind, an HTTP status, and a
// human-readable message. Components construct one with New and the caller
// (the API layer) maps it to a response with Status/Kind.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps an underlying error,
// the same way fmt.Errorf("...: %w", err) does.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// StatusForKind returns the HTTP status for a Kind without constructing an Error.
func StatusForKind(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// MultipleErrors aggregates several validation Errors under one HTTP status:
// the first member's status (see Status), so an aggregate still carries a
// single status code.
type MultipleErrors struct {
	Errors []*Error
}

func (m *MultipleErrors) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	msg := fmt.Sprintf("%d errors: ", len(m.Errors))
	for i, e := range m.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return msg
}

// Status returns the shared HTTP status for the aggregate: the first
// member's status, since all validation errors collected into one
// MultipleErrors are expected to originate from the same request stage.
func (m *MultipleErrors) Status() int {
	if len(m.Errors) == 0 {
		return http.StatusBadRequest
	}
	return m.Errors[0].Status()
}

// Add appends an Error to the aggregate.
func (m *MultipleErrors) Add(err *Error) {
	m.Errors = append(m.Errors, err)
}

// HasErrors reports whether any errors were collected.
func (m *MultipleErrors) HasErrors() bool {
	return len(m.Errors) > 0
}
