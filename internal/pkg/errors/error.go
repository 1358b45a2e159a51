package xerrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Denials and failures surfaced by the auth subsystem.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrExpired             = errors.New("expired")
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")
	ErrLockedOut           = errors.New("account temporarily locked")
	ErrIPBlocked           = errors.New("ip address temporarily blocked")
	ErrRateLimited         = errors.New("too many requests")
	ErrInvalidCode         = errors.New("invalid verification code")
	ErrAttemptsExhausted   = errors.New("verification attempts exhausted")
	ErrTransientBackend    = errors.New("backend temporarily unavailable")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrTokenReused         = errors.New("remember-me token reused")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDeliveryFailed      = errors.New("message delivery failed")
	ErrUnauthorized        = errors.New("unauthorized access")
)

// RetryAfterError is a denial that lifts by itself after RetryAfter.
// It unwraps to its Kind (ErrLockedOut, ErrIPBlocked or ErrRateLimited).
type RetryAfterError struct {
	Kind       error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%s, retry in %ds", e.Kind.Error(), int64(e.RetryAfter.Seconds()))
}

func (e *RetryAfterError) Unwrap() error {
	return e.Kind
}

// NewRetryAfter builds a RetryAfterError for kind.
func NewRetryAfter(kind error, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RetryAfterError{Kind: kind, RetryAfter: retryAfter}
}

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter, true
	}
	return 0, false
}

// Transient marks err as a backend outage so callers can answer 503
// instead of treating it as a business denial.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransientBackend, err)
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus maps an error kind to the response status handlers should use.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTransientBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrLockedOut), errors.Is(err, ErrIPBlocked), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrFingerprintMismatch),
		errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrAttemptsExhausted),
		errors.Is(err, ErrTokenReused),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
