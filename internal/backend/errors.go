// Package backend is the HTTP client for the hosted backend's REST table
// endpoints, with retry, request pacing and error classification.
package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, backend.ErrNotFound) to check.
var (
	ErrBadRequest    = errors.New("backend: bad request")
	ErrUnauthorized  = errors.New("backend: unauthorized")
	ErrForbidden     = errors.New("backend: forbidden")
	ErrNotFound      = errors.New("backend: not found")
	ErrConflict      = errors.New("backend: conflict")
	ErrUnprocessable = errors.New("backend: unprocessable entity")
	ErrThrottled     = errors.New("backend: throttled")
	ErrServerError   = errors.New("backend: server error")
	ErrUnexpected    = errors.New("backend: unexpected status")
)

// APIError wraps a sentinel error with the HTTP status code and the response
// body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpected
	}
}

// idempotent reports whether a request can be replayed without risk of
// applying it twice. Row updates and deletes by ID are; inserts are not.
func idempotent(method string) bool {
	return method != http.MethodPost
}

// shouldRetry reports whether a response with code may be retried for method.
func shouldRetry(method string, code int) bool {
	if !isRetryable(code) {
		return false
	}

	return idempotent(method) || code == http.StatusTooManyRequests
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err is a rejection that will not succeed on a
// later attempt with the same payload. Network errors, throttling, server
// errors and expired credentials are not permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnprocessable)
}
