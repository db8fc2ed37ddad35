/*
errors.go - Centralized error types for the savings engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As, never by message.

ERROR CATEGORIES:
  1. Input errors - A numeric or enum precondition was violated
  2. Enrollment errors - The enrollment record is structurally inconsistent
  3. Store errors - Persistence lookups and idempotency conflicts

NO RETRYABLE CLASS:
  The pure engine performs no I/O, so every failure it reports is
  deterministic. Retrying with the same input gives the same error.

USAGE:
  grams, err := scheme.AllocateGrams(amount, rate)
  if errors.Is(err, scheme.ErrInvalidInput) {
      // caller bug or bad data - surface it, do not default to zero
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package scheme

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when a numeric or enum precondition is violated.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidEnrollment is returned when an enrollment record is inconsistent.
	ErrInvalidEnrollment = errors.New("invalid enrollment")

	// ErrDuplicateIdempotencyKey is returned when a payment with the same
	// idempotency key was already recorded. Expected on client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrEnrollmentNotFound is returned when a referenced enrollment doesn't exist.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrTemplateNotFound is returned when a referenced scheme template doesn't exist.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrRateNotFound is returned when no rate snapshot is effective for a grade.
	ErrRateNotFound = errors.New("rate not found")

	// ErrEnrollmentClosed is returned when writing against a closed enrollment.
	ErrEnrollmentClosed = errors.New("enrollment closed")

	// ErrNotEligible is returned when redemption is requested too early.
	ErrNotEligible = errors.New("enrollment not eligible for redemption")

	// ErrAllocationMismatch is returned when a stored payment's grams do not
	// follow from its amount and rate snapshot.
	ErrAllocationMismatch = errors.New("allocation mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError describes a violated precondition on a single field.
type InvalidInputError struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// InvalidEnrollmentError signals upstream data corruption in an enrollment.
type InvalidEnrollmentError struct {
	EnrollmentID EnrollmentID
	Reason       string
}

func (e *InvalidEnrollmentError) Error() string {
	return fmt.Sprintf("invalid enrollment %s: %s", e.EnrollmentID, e.Reason)
}

func (e *InvalidEnrollmentError) Unwrap() error {
	return ErrInvalidEnrollment
}

// RateNotFoundError names the grade and instant with no effective rate.
type RateNotFoundError struct {
	RetailerID RetailerID
	Grade      Grade
	At         string
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("no %s rate effective at %s for retailer %s", e.Grade, e.At, e.RetailerID)
}

func (e *RateNotFoundError) Unwrap() error {
	return ErrRateNotFound
}

// NotEligibleError carries the evaluation that refused redemption.
type NotEligibleError struct {
	Result EligibilityResult
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("enrollment %s not eligible: tenure=%t principal=%t grams=%t (shortfall %s)",
		e.Result.EnrollmentID, e.Result.TenureMet, e.Result.PrincipalMet, e.Result.GramsMet,
		e.Result.Shortfall.StringFixed(2))
}

func (e *NotEligibleError) Unwrap() error {
	return ErrNotEligible
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidEnrollment) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrEnrollmentClosed)
}

// IsConflict returns true if the error reports an already-applied write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrRateNotFound)
}
