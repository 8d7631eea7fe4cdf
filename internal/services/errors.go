package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrAmountMismatch        = errors.New("amount mismatch")
	ErrMissingReference      = errors.New("missing reference")
	ErrIdempotencyInProgress = errors.New("a request with this idempotency key is already in progress")
	ErrTerminalStatus        = errors.New("status already final")
	ErrRefundNotAllowed      = errors.New("payment cannot be refunded")
)

// ValidationError is malformed caller input. Its message is safe to return.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError is a missing secret or setting. It is never retried.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return "not configured: " + e.Setting
}

type RateLimitError struct {
	Action     string
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Action)
}

var (
	// ErrUpstreamUnavailable means the provider could not confirm a callback;
	// the sender is expected to redeliver.
	ErrUpstreamUnavailable = errors.New("payment provider unavailable")

	// ErrStorageUnavailable means a provider-confirmed state could not be
	// written locally.
	ErrStorageUnavailable = errors.New("payment storage unavailable")
)
