package dto

import (
	"net/http"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
)

// Authentication error codes
const (
	// ErrCodeUnauthorized is used when authentication is required but missing/invalid
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	// ErrCodeForbidden is used when the user lacks permission
	ErrCodeForbidden = "ERR_FORBIDDEN"
)

// Resource error codes
const (
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeConflict is used for resource conflicts
	ErrCodeConflict = "ERR_CONFLICT"
)

// Sync error codes
const (
	// ErrCodeUnknownSystem is used when a source or target system is not registered
	ErrCodeUnknownSystem = "ERR_UNKNOWN_SYSTEM"
	// ErrCodeSyncConflict is used when an operation is parked awaiting manual resolution
	ErrCodeSyncConflict = "ERR_SYNC_CONFLICT"
	// ErrCodeInvalidState is used when an operation is invalid for the current state
	ErrCodeInvalidState = "ERR_INVALID_STATE"
	// ErrCodeSystemUnavailable is used when a downstream system is unreachable
	ErrCodeSystemUnavailable = "ERR_SYSTEM_UNAVAILABLE"
)

// Rate limiting error codes
const (
	// ErrCodeRateLimited is used when the rate limit is exceeded
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:  http.StatusBadRequest,
	ErrCodeBadRequest:  http.StatusBadRequest,
	ErrCodeInvalidJSON: http.StatusBadRequest,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,

	ErrCodeNotFound: http.StatusNotFound,
	ErrCodeConflict: http.StatusConflict,

	ErrCodeUnknownSystem:     http.StatusBadRequest,
	ErrCodeSyncConflict:      http.StatusConflict,
	ErrCodeInvalidState:      http.StatusUnprocessableEntity,
	ErrCodeSystemUnavailable: http.StatusServiceUnavailable,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Returns 500 Internal Server Error if the error code is not mapped.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// CodeForErrorClass maps a classified sync error to an API error code.
func CodeForErrorClass(class syncdomain.ErrorClass) string {
	switch class {
	case syncdomain.ErrorClassValidation:
		return ErrCodeValidation
	case syncdomain.ErrorClassAuth:
		return ErrCodeUnauthorized
	case syncdomain.ErrorClassConflict:
		return ErrCodeSyncConflict
	case syncdomain.ErrorClassRateLimited:
		return ErrCodeRateLimited
	case syncdomain.ErrorClassTransient:
		return ErrCodeSystemUnavailable
	default:
		return ErrCodeInternal
	}
}
