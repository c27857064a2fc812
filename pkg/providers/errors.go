package providers

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

// ErrorKind says whether a failed model call may be retried.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorFatal     ErrorKind = "fatal"
)

// ProviderError is the single error type model calls fail with.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" ")
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.StatusCode > 0 {
		b.WriteString(": status=")
		b.WriteString(strconv.Itoa(e.StatusCode))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Transient() bool { return e != nil && e.Kind == ErrorTransient }

// IsTransient reports whether err wraps a retryable ProviderError.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient()
}

// IsFatal reports whether err wraps a non-retryable ProviderError.
func IsFatal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrorFatal
}

// classifyStatus maps an HTTP failure onto transient or fatal.
// Auth, billing and malformed-request failures never improve on retry.
func classifyStatus(status int, message string) ErrorKind {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "insufficient credits") {
		return ErrorFatal
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return ErrorTransient
	case status >= 500:
		return ErrorTransient
	default:
		return ErrorFatal
	}
}

func newStatusError(provider string, status int, message string, header http.Header) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       classifyStatus(status, message),
		StatusCode: status,
		Message:    message,
		RetryAfter: parseRetryAfter(header),
	}
}

// transportError wraps a failure to reach the provider at all. Caller
// cancellation is fatal so retries stop; timeouts and network errors are not.
func transportError(ctx context.Context, provider string, err error) *ProviderError {
	kind := ErrorTransient
	if ctx.Err() == context.Canceled || errors.Is(err, context.Canceled) {
		kind = ErrorFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = ErrorTransient
	}
	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Message:  fmt.Sprintf("send request: %v", err),
		Err:      err,
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// StatusError classifies a non-2xx response from any provider endpoint.
func StatusError(provider string, status int, message string, header http.Header) *ProviderError {
	return newStatusError(provider, status, message, header)
}

// TransportError classifies a failure to reach a provider endpoint.
func TransportError(ctx context.Context, provider string, err error) *ProviderError {
	return transportError(ctx, provider, err)
}
