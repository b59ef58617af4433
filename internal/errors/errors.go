// Package errors provides unified error handling with structured error codes.
// Codes are stable strings shared with the HTTP API and the event stream.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an AppError.
type Code string

const (
	Unknown         Code = "UNKNOWN"
	Internal        Code = "INTERNAL"
	InvalidArgument Code = "INVALID_ARGUMENT"
	ConfigInvalid   Code = "CONFIG_INVALID"
	CaptureFailed   Code = "CAPTURE_FAILED"
	PersistFailed   Code = "PERSIST_FAILED"
	StartRejected   Code = "START_REJECTED"
)

// Reasons attached to START_REJECTED errors under the "reason" metadata key.
const (
	ReasonKey           = "reason"
	ReasonNoRegion      = "no_region"
	ReasonNoDestination = "no_destination"
)

// Metadata key marking a transient failure worth retrying.
const retryableKey = "retryable"

// httpStatusMap maps error codes to HTTP status codes.
var httpStatusMap = map[Code]int{
	Unknown:         http.StatusInternalServerError,
	Internal:        http.StatusInternalServerError,
	InvalidArgument: http.StatusBadRequest,
	ConfigInvalid:   http.StatusBadRequest,
	CaptureFailed:   http.StatusServiceUnavailable,
	PersistFailed:   http.StatusInsufficientStorage,
	StartRejected:   http.StatusConflict,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if c, ok := httpStatusMap[e.Code]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// Reason returns the "reason" metadata value, if any.
func (e *AppError) Reason() string {
	return e.Metadata[ReasonKey]
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Retryable marks the error as transient.
func (e *AppError) Retryable() *AppError {
	return e.WithMetadata(retryableKey, "true")
}

// Rejected builds a START_REJECTED error carrying reason.
func Rejected(reason, msg string) *AppError {
	return New(StartRejected, msg).WithMetadata(ReasonKey, reason)
}

// As extracts an AppError from anywhere in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Metadata[retryableKey] == "true"
}
