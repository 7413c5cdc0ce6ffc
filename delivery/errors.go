package delivery

import "errors"

var (
	// ErrTransient is a rate-limited or temporarily unavailable transport.
	// Retried with backoff up to the configured cap.
	ErrTransient = errors.New("transient delivery failure")

	// ErrQuotaExceeded is a hard provider quota. Never retried.
	ErrQuotaExceeded = errors.New("delivery quota exceeded")

	// ErrRateLimited is returned by the gate, and by SendLog reservations,
	// when the recipient and template exceeded the rolling window. Sends are
	// blocked, never queued.
	ErrRateLimited = errors.New("too many emails to recipient for template")

	// ErrDuplicateKey is returned by a SendLog when an active entry already
	// holds the idempotency key.
	ErrDuplicateKey = errors.New("idempotency key already processed")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid delivery request")
)

// IsRetryable returns true if another attempt might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrQuotaExceeded)
}
