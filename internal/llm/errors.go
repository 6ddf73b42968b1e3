package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters and the client.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

// ValidationError reports malformed input rejected before any state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

type errorBase struct {
	provider   string
	statusCode int
	code       string
	message    string
	retryable  bool
	retryAfter *time.Duration
	raw        any
	cause      error
}

func (e *errorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *errorBase) Provider() string           { return e.provider }
func (e *errorBase) StatusCode() int            { return e.statusCode }
func (e *errorBase) Retryable() bool            { return e.retryable }
func (e *errorBase) RetryAfter() *time.Duration { return e.retryAfter }
func (e *errorBase) Code() string               { return e.code }
func (e *errorBase) Raw() any                   { return e.raw }
func (e *errorBase) Unwrap() error              { return e.cause }

type AuthenticationError struct{ errorBase }
type InvalidRequestError struct{ errorBase }
type ContentFilterError struct{ errorBase }
type RateLimitError struct{ errorBase }
type ServiceUnavailableError struct{ errorBase }
type RequestTimeoutError struct{ errorBase }

// UnknownError wraps unexpected failures. It is retried like a transient error.
type UnknownError struct{ errorBase }

func ErrorFromHTTPStatus(provider string, statusCode int, message string, raw any, retryAfter *time.Duration) error {
	base := errorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		raw:        raw,
	}
	switch {
	case statusCode == 401 || statusCode == 403:
		return &AuthenticationError{base}
	case statusCode == 400 || statusCode == 404 || statusCode == 413 || statusCode == 422:
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case statusCode == 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case statusCode == 429:
		base.retryable = true
		base.retryAfter = retryAfter
		return &RateLimitError{base}
	case statusCode >= 500:
		base.retryable = true
		return &ServiceUnavailableError{base}
	default:
		base.retryable = true
		return &UnknownError{base}
	}
}

// ErrorFromCode classifies an in-band provider error object. Numeric codes
// are treated as HTTP statuses; string codes are matched by name.
func ErrorFromCode(provider string, code string, message string, raw any) error {
	code = strings.TrimSpace(code)
	if n, err := strconv.Atoi(code); err == nil && n > 0 {
		return ErrorFromHTTPStatus(provider, n, message, raw, nil)
	}
	base := errorBase{
		provider: strings.TrimSpace(provider),
		code:     code,
		message:  message,
		raw:      raw,
	}
	switch strings.ToLower(code) {
	case "content_filter", "content_policy_violation":
		return &ContentFilterError{base}
	case "invalid_api_key", "unauthorized", "authentication_error":
		return &AuthenticationError{base}
	case "invalid_request_error", "context_length_exceeded", "model_not_found":
		return &InvalidRequestError{base}
	case "rate_limit_exceeded", "insufficient_quota":
		base.retryable = true
		return &RateLimitError{base}
	case "server_error", "service_unavailable", "overloaded":
		base.retryable = true
		return &ServiceUnavailableError{base}
	}
	if err := classifyByMessage(base); err != nil {
		return err
	}
	base.retryable = true
	return &UnknownError{base}
}

// classifyByMessage refines classification when the status is ambiguous and
// providers tunnel specific failures in text.
func classifyByMessage(base errorBase) error {
	lower := strings.ToLower(base.message)
	switch {
	case strings.Contains(lower, "content_filter") || strings.Contains(lower, "content filter"):
		base.retryable = false
		return &ContentFilterError{base}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key") || strings.Contains(lower, "invalid api key"):
		base.retryable = false
		return &AuthenticationError{base}
	}
	return nil
}

// WrapError folds an arbitrary failure into the taxonomy. Errors that already
// implement Error pass through; caller cancellation is returned unchanged so
// the retry loop can stop.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var le Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	base := errorBase{provider: strings.TrimSpace(provider), message: err.Error(), cause: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		base.retryable = true
		return &RequestTimeoutError{base}
	}
	base.retryable = true
	return &UnknownError{base}
}

// NewRequestTimeoutError constructs a non-HTTP timeout error. Timeouts are
// treated as a transient service condition and retried.
func NewRequestTimeoutError(provider string, message string) error {
	return &RequestTimeoutError{errorBase{
		provider:  strings.TrimSpace(provider),
		message:   message,
		retryable: true,
	}}
}

// NewResponseError reports a complete response that could not be parsed.
// It is retried like any other unexpected failure.
func NewResponseError(provider string, message string) error {
	return &UnknownError{errorBase{
		provider:  strings.TrimSpace(provider),
		message:   message,
		retryable: true,
	}}
}

// NewStreamError reports a malformed stream payload. Once chunks flow the
// turn cannot be replayed, so it is not retried.
func NewStreamError(provider string, message string) error {
	return &UnknownError{errorBase{
		provider:  strings.TrimSpace(provider),
		message:   "stream: " + message,
		retryable: false,
	}}
}

// ParseRetryAfter parses the Retry-After header value.
// Supported forms:
// - integer seconds
// - HTTP-date (RFC 7231)
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

// IsRetryable reports whether err should be retried under the client policy.
func IsRetryable(err error) bool {
	var le Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return false
}

// ErrorKind returns a stable short name for telemetry payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*AuthenticationError)):
		return "authentication"
	case errors.As(err, new(*InvalidRequestError)):
		return "invalid_request"
	case errors.As(err, new(*ContentFilterError)):
		return "content_filter"
	case errors.As(err, new(*RateLimitError)):
		return "rate_limit"
	case errors.As(err, new(*ServiceUnavailableError)):
		return "service_unavailable"
	case errors.As(err, new(*RequestTimeoutError)):
		return "timeout"
	case errors.As(err, new(*ConfigurationError)):
		return "configuration"
	case errors.As(err, new(*UnknownError)):
		return "llm"
	default:
		return "internal"
	}
}
