package llm

import (
	"errors"
	"fmt"
	"time"
)

// APIError is the error type for provider failures. Retryable marks errors
// that are safe to retry (rate limits, server errors, transient network
// failures); everything else fails the request immediately.
type APIError struct {
	Provider   string
	Status     int
	Code       string
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	Cause      error
}

func (e *APIError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.Status, e.Retryable)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Cause }

// ErrAborted is returned when a request is cancelled mid-flight.
var ErrAborted = errors.New("llm: request aborted")

// ConfigError reports a client misconfiguration (missing provider, bad
// options). Never retryable.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "llm: " + e.Message }

// ErrorFromStatus maps an HTTP status code to an APIError with the
// appropriate retryability.
func ErrorFromStatus(status int, provider, message string, retryAfter *time.Duration) *APIError {
	e := &APIError{
		Provider:   provider,
		Status:     status,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch status {
	case 408, 429, 500, 502, 503, 504:
		e.Retryable = true
	default:
		e.Retryable = false
	}
	return e
}

// IsRetryable reports whether err is safe to retry. Unknown error types
// default to retryable; misconfiguration and context cancellation do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Retryable
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return false
	}
	if errors.Is(err, ErrAborted) {
		return false
	}
	return true
}
