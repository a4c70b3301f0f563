// Package errors defines unified error types for upstream provider failures.
// All provider-specific errors are mapped to these standard error types so
// that retry and circuit-breaking decisions never depend on a specific
// upstream's wire format.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ProviderError represents a standardized error from an upstream provider.
// It contains everything needed for retry classification, logging, and the
// client-facing response.
type ProviderError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`

	// RetryAfter is the advisory delay from a 429 response, zero if absent.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *ProviderError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
)

// FromStatusCode builds a ProviderError from an upstream HTTP status.
// Retryability follows the dispatch policy: 429, 408, and all 5xx are
// retryable; every other 4xx is terminal.
func FromStatusCode(provider, model string, status int, message string) *ProviderError {
	if message == "" {
		message = http.StatusText(status)
	}
	e := &ProviderError{
		StatusCode: status,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Type = TypeRateLimit
		e.Retryable = true
	case status == http.StatusRequestTimeout:
		e.Type = TypeTimeout
		e.Retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Type = TypeAuthentication
	case status == http.StatusNotFound:
		e.Type = TypeNotFound
	case status >= 400 && status < 500:
		e.Type = TypeInvalidRequest
	case status == http.StatusServiceUnavailable:
		e.Type = TypeServiceUnavailable
		e.Retryable = true
	case status >= 500:
		e.Type = TypeInternalError
		e.Retryable = true
	default:
		e.Type = TypeInternalError
	}
	return e
}

// NewTimeoutError creates a retryable timeout error.
func NewTimeoutError(provider, model, message string) *ProviderError {
	return &ProviderError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewTransportError wraps a network-level failure (connection refused, DNS,
// read timeout) as a retryable provider error with no HTTP status.
func NewTransportError(provider, model string, err error) *ProviderError {
	return &ProviderError{
		Message:   err.Error(),
		Type:      TypeServiceUnavailable,
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// InitError reports that a single provider failed to initialize.
// The registry logs it and excludes the provider; it is never fatal.
type InitError struct {
	Provider string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("provider %s failed to initialize: %v", e.Provider, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsRetryable reports whether an outbound call failure may be retried.
// Context cancellation is never retryable; unclassified errors are treated
// as transport failures and retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
