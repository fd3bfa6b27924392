package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType is the migration error taxonomy. Validation and transform
// errors are permanent; connection and transient load errors are retried.
type ErrorType string

const (
	ErrorValidation ErrorType = "validation"
	ErrorTransform  ErrorType = "transform"
	ErrorLoad       ErrorType = "load"
	ErrorConnection ErrorType = "connection"
	ErrorUnknown    ErrorType = "unknown"
)

// MigrationError is one recorded per-record (or per-batch) failure.
// Append-only; never mutated once written.
type MigrationError struct {
	ID         string         `json:"id"`
	JobID      string         `json:"jobId"`
	RecordID   string         `json:"recordId,omitempty"`
	Type       ErrorType      `json:"errorType"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// TypedError tags an underlying error with its taxonomy class so the retry
// policy and the error log can classify it without string matching.
type TypedError struct {
	Type ErrorType
	Err  error
}

func (e *TypedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *TypedError) Unwrap() error {
	return e.Err
}

// WrapError tags err with an error type. Returns nil for a nil err.
func WrapError(t ErrorType, err error) error {
	if err == nil {
		return nil
	}
	return &TypedError{Type: t, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(t ErrorType, format string, args ...any) error {
	return &TypedError{Type: t, Err: fmt.Errorf(format, args...)}
}

// ClassifyError returns the taxonomy class of err, ErrorUnknown when
// untagged.
func ClassifyError(err error) ErrorType {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Type
	}
	return ErrorUnknown
}

// Retryable reports whether the error class is transient. Only connection
// and load errors are retried; validation and transform failures are
// permanent and recorded immediately.
func Retryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorConnection, ErrorLoad:
		return true
	}
	return false
}
