package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrContactNotFound    = errors.New("contact not found")
	ErrForbidden          = errors.New("forbidden")
	ErrOutsideReplyWindow = errors.New("outside the 24h reply window")
	ErrOpenSessionExists  = errors.New("another open session exists for this contact and connection")
)

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

// TransitionError reports a forbidden session status change.
type TransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// RateLimitedError is returned when a session exceeds its send budget.
type RateLimitedError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// InstanceDisconnectedError is a fast failure against a transport known to be down.
type InstanceDisconnectedError struct {
	ConnectionID string
	Status       ConnectionStatus
}

func (e *InstanceDisconnectedError) Error() string {
	return fmt.Sprintf("connection %s is %s, reconnect it before sending", e.ConnectionID, e.Status)
}

// DeliveryFailedError wraps the provider failure left after retries.
type DeliveryFailedError struct {
	MessageID string
	Err       error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery of message %s failed: %v", e.MessageID, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }
