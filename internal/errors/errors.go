// Package errors provides coded application errors shared across the service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrCode classifies an error for callers and for HTTP status mapping.
type ErrCode string

const (
	ErrCodeInvalidInput ErrCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeConflict     ErrCode = "CONFLICT"
	ErrCodeInternal     ErrCode = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    ErrCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that a resource does not exist.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s: %s", field, message))
}

// Unauthorized reports a denied action.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// Conflict reports a state conflict (illegal transition, duplicate, etc.).
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// CodeOf returns the ErrCode carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err carries the given code.
func Is(err error, code ErrCode) bool {
	return CodeOf(err) == code
}
