package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ErrorKind classifies a generation or embedding provider failure.
type ErrorKind string

const (
	KindQuota         ErrorKind = "quota"
	KindModelNotFound ErrorKind = "model_not_found"
	KindAuth          ErrorKind = "auth"
	KindTransient     ErrorKind = "transient"
	KindUnknown       ErrorKind = "unknown"
)

// Fatal reports whether the kind aborts the whole batch.
func (k ErrorKind) Fatal() bool {
	return k == KindAuth || k == KindModelNotFound
}

// Retryable reports whether a call failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindQuota || k == KindTransient
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return e.Provider + " " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies err for the named provider. Status may be zero
// when the SDK does not expose one.
func NewProviderError(provider string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: Classify(status, err), StatusCode: status, Err: err}
}

// KindOf returns the classification of err. Errors that are not a
// ProviderError are classified from their status and message.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var te *TransientError
	if errors.As(err, &te) {
		return KindTransient
	}
	return Classify(0, err)
}

// Classify maps an HTTP status and error text onto an ErrorKind.
func Classify(status int, err error) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindModelNotFound
	case IsTransientHTTPStatus(status):
		return KindTransient
	}
	if err == nil {
		return KindUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "quota", "rate limit", "resource_exhausted", "resource exhausted", "429"):
		return KindQuota
	case containsAny(msg, "model not found", "not_found", "is not found", "does not exist", "unsupported model"):
		return KindModelNotFound
	case containsAny(msg, "api key", "api_key", "unauthenticated", "permission_denied", "permission denied", "unauthorized", "401", "403"):
		return KindAuth
	case IsTransient(err), containsAny(msg, "deadline exceeded", "unavailable", "internal error", "overloaded"):
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt against a provider.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()),
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
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

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ClassifyError returns the error kind label recorded alongside failures.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	return string(KindOf(err))
}
