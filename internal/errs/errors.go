package errs

import (
	"errors"
	"fmt"
)

// Common sentinel errors for cross-layer signaling.
var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
	// ErrImmutable indicates an attempt to change immutable fields
	ErrImmutable = errors.New("immutable")
	// ErrInactive indicates the account has been deactivated
	ErrInactive = errors.New("inactive")
)

// Import taxonomy. Row-level kinds never abort a batch; they are counted.
var (
	// ErrValidation marks a malformed or missing required row field.
	ErrValidation = errors.New("validation_error")
	// ErrResolution marks a failed account/category lookup or creation.
	ErrResolution = errors.New("resolution_error")
	// ErrDuplicate is the expected outcome for a fingerprint collision.
	ErrDuplicate = errors.New("duplicate")
	// ErrPersistence marks a repository save failure.
	ErrPersistence = errors.New("persistence_error")
	// ErrReconciliationMismatch marks incremental state that disagreed with the oracle.
	ErrReconciliationMismatch = errors.New("reconciliation_mismatch")
)

// Coordinator contract violations: these indicate a broken caller, not bad data.
var (
	ErrNotApplied       = errors.New("transaction not applied")
	ErrAlreadyApplied   = errors.New("transaction already applied")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidLeg       = errors.New("invalid leg for transaction type")
)

// RowError describes why an import row was skipped.
type RowError struct {
	Row   int
	Kind  error
	Field string
	Value string
	Err   error
}

func (e *RowError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("row %d: %s %q: %s", e.Row, e.Field, e.Value, msg)
	}
	return fmt.Sprintf("row %d: %s", e.Row, msg)
}

// Is matches the row's taxonomy kind so callers can use errors.Is(err, ErrValidation).
func (e *RowError) Is(target error) bool { return target == e.Kind }

func (e *RowError) Unwrap() error { return e.Err }

// Code returns the taxonomy code used in summaries and API payloads.
func (e *RowError) Code() string { return e.Kind.Error() }
