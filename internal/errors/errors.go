// Package errors provides standardized error handling for the marketplace service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the marketplace service.
type ErrorCode string

const (
	// Validation errors
	MKT_VALIDATION  ErrorCode = "MKT_VALIDATION"  // General validation error
	MKT_BAD_REQUEST ErrorCode = "MKT_BAD_REQUEST" // Bad request

	// Authentication/Authorization errors
	MKT_AUTHZ         ErrorCode = "MKT_AUTHZ"         // Authorization failed
	MKT_AUTHN         ErrorCode = "MKT_AUTHN"         // Authentication failed
	MKT_JWT_INVALID   ErrorCode = "MKT_JWT_INVALID"   // Invalid JWT
	MKT_JWT_EXPIRED   ErrorCode = "MKT_JWT_EXPIRED"   // Expired JWT
	MKT_JWT_MALFORMED ErrorCode = "MKT_JWT_MALFORMED" // Malformed JWT
	MKT_SIGNATURE     ErrorCode = "MKT_SIGNATURE"     // Webhook signature rejected

	// Resource errors
	MKT_NOT_FOUND ErrorCode = "MKT_NOT_FOUND" // Resource not found
	MKT_CONFLICT  ErrorCode = "MKT_CONFLICT"  // Resource conflict

	// Approval workflow errors
	MKT_MISSING_SOURCE_ASSET ErrorCode = "MKT_MISSING_SOURCE_ASSET" // Staging row has no resolvable video path
	MKT_RELOCATION_FAILED    ErrorCode = "MKT_RELOCATION_FAILED"    // Object store move failed
	MKT_ALREADY_PROCESSED    ErrorCode = "MKT_ALREADY_PROCESSED"    // Staging row is no longer pending
	MKT_PARTIAL_APPROVAL     ErrorCode = "MKT_PARTIAL_APPROVAL"     // Catalog row written, staging row not updated

	// Entitlement errors
	MKT_QUOTA_EXCEEDED  ErrorCode = "MKT_QUOTA_EXCEEDED"  // No downloads remaining this period
	MKT_TRIAL_EXPIRED   ErrorCode = "MKT_TRIAL_EXPIRED"   // Trial window elapsed
	MKT_NO_SUBSCRIPTION ErrorCode = "MKT_NO_SUBSCRIPTION" // Subscription inactive or missing

	// Rate limiting
	MKT_RATE_LIMIT ErrorCode = "MKT_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	MKT_INTERNAL    ErrorCode = "MKT_INTERNAL"    // Internal server error
	MKT_UNAVAILABLE ErrorCode = "MKT_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
// Retryable is true when the failed operation left no side effects behind,
// so the caller may retry freely.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	Retryable     bool        `json:"retryable"`
	HTTPStatus    int         `json:"-"`
	cause         error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Retryable:     retryableByDefault(code),
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// WithRetryable overrides the retry hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the ErrorCode from err, or MKT_INTERNAL if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return MKT_INTERNAL
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// retryableByDefault marks the codes that guarantee no mutation happened.
func retryableByDefault(code ErrorCode) bool {
	switch code {
	case MKT_MISSING_SOURCE_ASSET, MKT_RELOCATION_FAILED, MKT_UNAVAILABLE, MKT_RATE_LIMIT:
		return true
	default:
		return false
	}
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MKT_VALIDATION, MKT_BAD_REQUEST, MKT_MISSING_SOURCE_ASSET:
		return http.StatusBadRequest
	case MKT_AUTHZ:
		return http.StatusForbidden
	case MKT_AUTHN, MKT_JWT_INVALID, MKT_JWT_EXPIRED, MKT_JWT_MALFORMED, MKT_SIGNATURE:
		return http.StatusUnauthorized
	case MKT_NOT_FOUND:
		return http.StatusNotFound
	case MKT_CONFLICT, MKT_ALREADY_PROCESSED:
		return http.StatusConflict
	case MKT_QUOTA_EXCEEDED, MKT_TRIAL_EXPIRED, MKT_NO_SUBSCRIPTION:
		return http.StatusPaymentRequired
	case MKT_RATE_LIMIT:
		return http.StatusTooManyRequests
	case MKT_RELOCATION_FAILED, MKT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
