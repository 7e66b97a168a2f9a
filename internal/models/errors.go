package models

import "errors"

// Shared error taxonomy. Packages wrap these with fmt.Errorf("...: %w", err)
// so handlers can map them to responses with errors.Is.
var (
	// ErrValidation marks malformed or missing input, rejected before any
	// state is touched.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown user, card, profile or transaction.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an operation that is invalid for the entity's
	// current lifecycle state.
	ErrStateConflict = errors.New("state conflict")

	// ErrIntegrity marks a ledger invariant that would be broken. Treated
	// as a programming fault and logged at the highest severity.
	ErrIntegrity = errors.New("integrity violation")
)
