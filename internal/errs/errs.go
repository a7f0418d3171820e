// Package errs defines the error classes shared across the swap engine.
// Callers classify failures with errors.Is against these sentinels; every
// returned error wraps exactly one of them or none.
package errs

import "errors"

var (
	// ErrValidation marks malformed or unsafe input. Returned synchronously,
	// before any network or storage action, and never persisted.
	ErrValidation = errors.New("validation failed")

	// ErrMismatch marks an on-chain construct that does not match the
	// locally derived one. Treated as a potential attack: the swap is
	// failed and the check is never retried.
	ErrMismatch = errors.New("on-chain state mismatch")

	// ErrTransient marks chain client unavailability. Safe to retry with
	// backoff. Distinct from a definitive not-found answer.
	ErrTransient = errors.New("chain temporarily unavailable")

	// ErrSweepExhausted marks a refund sweep that hit its attempt cap.
	// The swap is failed with its attempt history retained.
	ErrSweepExhausted = errors.New("sweep attempts exhausted")
)
