/*
errors.go - Centralized error types for the engagement engine

ERROR CATEGORIES:
  1. Run-fatal errors - abort an audit run before any participant is touched
  2. Per-participant errors - recorded and skipped, the loop continues
  3. Store errors - uniqueness and lookup failures

SEE ALSO:
  - audit/runner.go: decides which errors are fatal
  - delivery/errors.go: email delivery taxonomy
*/
package engage

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfigMissing is returned when no active program config exists.
	ErrConfigMissing = errors.New("no active program config")

	// ErrParticipantFetch is returned when the participant set cannot be loaded.
	ErrParticipantFetch = errors.New("failed to fetch participants")

	// ErrDefinitionFetch is returned when the task definition set cannot be loaded.
	ErrDefinitionFetch = errors.New("failed to fetch task definitions")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRule is returned for malformed cadence rules.
	ErrInvalidRule = errors.New("invalid cadence rule")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ParticipantError scopes a failure to one participant and step.
type ParticipantError struct {
	UserID string
	Step   string
	Err    error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("participant %s: %s: %v", e.UserID, e.Step, e.Err)
}

func (e *ParticipantError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
