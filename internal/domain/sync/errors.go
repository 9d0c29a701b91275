package sync

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorClass buckets failures from external systems so the orchestrator can
// decide between retrying, conflict resolution, and permanent failure.
type ErrorClass string

const (
	// ErrorClassTransient covers network errors, timeouts and 5xx responses.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassRateLimited is transient but floors the retry delay higher.
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassAuth covers authentication and authorization failures.
	ErrorClassAuth ErrorClass = "auth"
	// ErrorClassValidation covers rejected payloads.
	ErrorClassValidation ErrorClass = "validation"
	// ErrorClassConflict covers 409-class responses and detected divergence.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassUnknown is the default for unclassified failures.
	ErrorClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether operations failing with this class should be
// re-attempted. Unknown errors are deliberately non-retryable so unexpected
// failure modes cannot loop forever.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient || c == ErrorClassRateLimited
}

// ClassifiedError wraps a failure from an external system with its taxonomy
// class and, for rate-limited errors, the advised wait.
type ClassifiedError struct {
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError wraps err with the given class.
func NewClassifiedError(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// Classify extracts the error class from err, defaulting to unknown.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrorClassUnknown
}

// ClassifyHTTPStatus maps a response status code from an external system's
// REST API to an error class.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorClassAuth
	case status == http.StatusConflict:
		return ErrorClassConflict
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrorClassValidation
	case status >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassUnknown
	}
}
