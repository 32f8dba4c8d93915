/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Hosts map them to user-facing behavior (HTTP status, toast, ...).

ERROR CATEGORIES:
  1. Validation errors - Bad input (negative usage, non-positive price, zero usage)
  2. Not found errors  - Missing person/reading/bill
  3. Locked period     - Mutation of a month closed by a later bill
  4. Store errors      - Any failure of the Store/Identity collaborators

USAGE:
  Every structured error unwraps to a sentinel, so callers can branch with
  errors.Is and still extract details with errors.As:

    if errors.Is(err, billing.ErrLockedPeriod) {
        var locked *billing.LockedPeriodError
        errors.As(err, &locked)
        ...
    }

SEE ALSO:
  - ledger.go: Reading mutations
  - engine.go: Bill submission
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for input that violates an invariant.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrLockedPeriod is returned when mutating readings of a period that a
	// later bill has closed.
	ErrLockedPeriod = errors.New("period is locked")

	// ErrStore is returned when the backing store or identity provider fails.
	// The engine never retries; that is the host's decision.
	ErrStore = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the kind and id of a missing record.
type NotFoundError struct {
	Kind string // "person", "reading", "bill"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// LockedPeriodError reports the locked period and the later bill locking it.
type LockedPeriodError struct {
	Period   Period
	LockedBy Period
}

func (e *LockedPeriodError) Error() string {
	return fmt.Sprintf("period %s is locked by the bill for %s", e.Period, e.LockedBy)
}

func (e *LockedPeriodError) Unwrap() error { return ErrLockedPeriod }

// StoreError wraps a collaborator failure. The inner error is not
// interpreted further.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause, so errors.Is works for
// ErrStore as well as context.DeadlineExceeded and friends.
func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrLockedPeriod)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStoreError returns true if a collaborator failed.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore)
}
