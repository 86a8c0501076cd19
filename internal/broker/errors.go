package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	ProviderUnavailable   ErrorKind = "PROVIDER_UNAVAILABLE"
	InvalidRecipient      ErrorKind = "INVALID_RECIPIENT"
	Unauthorized          ErrorKind = "UNAUTHORIZED"
	RateLimitedByProvider ErrorKind = "RATE_LIMITED_BY_PROVIDER"
	Transient             ErrorKind = "TRANSIENT"
	NotSupported          ErrorKind = "NOT_SUPPORTED"
	BadRequest            ErrorKind = "BAD_REQUEST"
)

// ErrUnknownProvider is returned in strict mode for unmapped provider strings.
var ErrUnknownProvider = errors.New("unknown provider")

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Provider   Kind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %s [%d]: %s", e.Provider, e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, provider Kind, op, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Message: message}
}

// KindOf returns the classification of err, or "" if it is not a broker error.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsTransient reports whether retrying err may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case ProviderUnavailable, RateLimitedByProvider, Transient:
		return true
	case "":
	default:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsPermanent reports whether err must be surfaced to the caller as-is.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case InvalidRecipient, Unauthorized:
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized
	case status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return InvalidRecipient
	case status == http.StatusTooManyRequests:
		return RateLimitedByProvider
	case status == http.StatusRequestTimeout || status >= 500:
		return ProviderUnavailable
	default:
		return BadRequest
	}
}

// HTTPError builds a classified error from a non-2xx provider response.
func HTTPError(provider Kind, op string, status int, body []byte) *Error {
	return &Error{
		Kind:       ClassifyStatus(status),
		Provider:   provider,
		Op:         op,
		StatusCode: status,
		Message:    truncate(string(body), 512),
	}
}

// TransportError wraps a network-level failure as transient, unless the
// caller's context ended.
func TransportError(ctx context.Context, provider Kind, op string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return &Error{Kind: Transient, Provider: provider, Op: op, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
