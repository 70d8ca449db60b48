// Package domain provides the canonical types and error taxonomy shared by
// every gateway subsystem.
package domain

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeUnauthenticated indicates a missing or invalid tenant key.
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"

	// ErrorTypeForbidden indicates a profile/model mismatch or a provider
	// addressed without its access token.
	ErrorTypeForbidden ErrorType = "forbidden"

	// ErrorTypeNotFound indicates an unknown model, provider, or profile.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimited indicates a tenant quota was exceeded.
	ErrorTypeRateLimited ErrorType = "rate_limited"

	// ErrorTypeAdmissionRejected indicates a model was at capacity and the
	// caller declined to wait.
	ErrorTypeAdmissionRejected ErrorType = "admission_rejected"

	// ErrorTypeUpstreamUnavailable indicates both the streaming attempt and
	// the non-streaming fallback failed.
	ErrorTypeUpstreamUnavailable ErrorType = "upstream_unavailable"

	// ErrorTypeValidation indicates a malformed request or policy.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeInternal indicates an unexpected gateway-side failure.
	ErrorTypeInternal ErrorType = "internal_error"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeInvalidTenantKey  ErrorCode = "invalid_tenant_key"
	ErrorCodeProfileMismatch   ErrorCode = "profile_mismatch"
	ErrorCodeModelNotFound     ErrorCode = "model_not_found"
	ErrorCodeProviderNotFound  ErrorCode = "provider_not_found"
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeModelAtCapacity   ErrorCode = "model_at_capacity"
	ErrorCodeUpstreamFailed    ErrorCode = "upstream_failed"
	ErrorCodeNoCandidates      ErrorCode = "no_candidate_models"
)

// APIError is the canonical error returned by gateway subsystems and
// translated to a wire response by the HTTP layer.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// RetryAfter is a hint for rate-limit and admission rejections.
	RetryAfter time.Duration `json:"-"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeUnauthenticated:
		return http.StatusUnauthorized
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeAdmissionRejected:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new gateway error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithRetryAfter attaches a retry hint.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	e.RetryAfter = d
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// Convenience constructors for the taxonomy

// ErrUnauthenticated creates a missing/invalid tenant key error.
func ErrUnauthenticated(message string) *APIError {
	return NewAPIError(ErrorTypeUnauthenticated, message).
		WithCode(ErrorCodeInvalidTenantKey)
}

// ErrForbidden creates a profile/model mismatch error.
func ErrForbidden(message string) *APIError {
	return NewAPIError(ErrorTypeForbidden, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimited creates a quota-exceeded error carrying the time until the
// oldest blocking window entry expires.
func ErrRateLimited(message string, retryAfter time.Duration) *APIError {
	return NewAPIError(ErrorTypeRateLimited, message).
		WithCode(ErrorCodeRateLimitExceeded).
		WithRetryAfter(retryAfter)
}

// ErrAdmissionRejected creates a capacity rejection for non-blocking admits.
func ErrAdmissionRejected(message string) *APIError {
	return NewAPIError(ErrorTypeAdmissionRejected, message).
		WithCode(ErrorCodeModelAtCapacity)
}

// ErrUpstreamUnavailable creates a terminal upstream failure error.
func ErrUpstreamUnavailable(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamUnavailable, message).
		WithCode(ErrorCodeUpstreamFailed)
}

// ErrValidation creates a malformed request/policy error.
func ErrValidation(message string) *APIError {
	return NewAPIError(ErrorTypeValidation, message)
}

// ErrInternal creates a generic gateway-side failure error.
func ErrInternal(message string) *APIError {
	return NewAPIError(ErrorTypeInternal, message)
}
