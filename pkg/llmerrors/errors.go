// Package llmerrors classifies failures from the upstream chat backend so
// callers (token counter, model-info cache, summarizer, generation) can
// decide how to degrade without ever propagating a panic-worthy error.
package llmerrors

import (
	"errors"
	"fmt"
)

// ErrorType buckets an upstream failure for degrade-gracefully handling.
type ErrorType int8

const (
	// ErrorTypeTransient covers 5xx, connection reset, timeout.
	ErrorTypeTransient ErrorType = iota
	// ErrorTypeNotFound covers 404 (model not loaded / endpoint missing).
	ErrorTypeNotFound
	// ErrorTypeEmptyResponse covers HTTP 200 with no usable content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth covers 401/403.
	ErrorTypeAuth
	// ErrorTypeBadRequest covers 400/422 (malformed request, too long).
	ErrorTypeBadRequest
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified upstream error. The core never lets one of these
// escape past the component boundary that produced it (C1/C2/C5 all catch
// and degrade); generation is the sole exception, where it is reported to
// the caller as a bad-gateway condition.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("upstream error (%s): status %d", e.Type.String(), e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a classified Error of the given type.
func Is(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// TypeOf returns the classified type of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == 404:
		return ErrorTypeNotFound
	case status == 401 || status == 403:
		return ErrorTypeAuth
	case status == 400 || status == 422:
		return ErrorTypeBadRequest
	case status >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}

func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

func NewErrorWithStatus(status int, message string) *Error {
	return &Error{Type: ClassifyStatus(status), StatusCode: status, Message: message}
}

func NewErrorWithCause(t ErrorType, cause error, message string) *Error {
	return &Error{Type: t, Err: cause, Message: message}
}
