// Package errors provides standardized error handling for the entitlement service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the entitlement service.
type ErrorCode string

const (
	// Validation errors
	ENT_VALIDATION  ErrorCode = "ENT_VALIDATION"  // Payload failed validation
	ENT_BAD_REQUEST ErrorCode = "ENT_BAD_REQUEST" // Bad request

	// Authentication errors
	ENT_AUTHN         ErrorCode = "ENT_AUTHN"         // Inbound event could not be verified
	ENT_TOKEN_INVALID ErrorCode = "ENT_TOKEN_INVALID" // Download token malformed or bad signature
	ENT_TOKEN_EXPIRED ErrorCode = "ENT_TOKEN_EXPIRED" // Download token expired

	// Entitlement outcomes
	ENT_NOT_FOUND     ErrorCode = "ENT_NOT_FOUND"     // Unknown purchase
	ENT_NOT_PURCHASED ErrorCode = "ENT_NOT_PURCHASED" // Product not part of the purchase
	ENT_LIMIT_REACHED ErrorCode = "ENT_LIMIT_REACHED" // All copies already downloaded

	// Server errors
	ENT_INTERNAL    ErrorCode = "ENT_INTERNAL"    // Internal server error
	ENT_UNAVAILABLE ErrorCode = "ENT_UNAVAILABLE" // Store unreachable, retry later
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the caller should retry the request with backoff.
func (e *Error) Retryable() bool {
	return e.Code == ENT_UNAVAILABLE
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case ENT_VALIDATION, ENT_BAD_REQUEST:
		return http.StatusBadRequest
	case ENT_AUTHN, ENT_TOKEN_INVALID, ENT_TOKEN_EXPIRED:
		return http.StatusUnauthorized
	case ENT_LIMIT_REACHED:
		return http.StatusForbidden
	case ENT_NOT_FOUND, ENT_NOT_PURCHASED:
		return http.StatusNotFound
	case ENT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
