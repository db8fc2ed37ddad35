package scheme

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATION CALCULATOR - Grams from amount and rate snapshot
// =============================================================================

// GramPlaces is the number of decimal places grams are stored and shown with.
const GramPlaces int32 = 4

// AllocateGrams returns amount / ratePerGram rounded half-up to GramPlaces.
// Both inputs must be strictly positive.
func AllocateGrams(amount, ratePerGram decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, &InvalidInputError{Field: "amount", Value: amount, Reason: "must be positive"}
	}
	if !ratePerGram.IsPositive() {
		return decimal.Zero, &InvalidInputError{Field: "rate_per_gram", Value: ratePerGram, Reason: "must be positive"}
	}
	// DivRound works from the exact remainder, so there is no intermediate
	// rounding at DivisionPrecision before the final half-up step.
	return amount.DivRound(ratePerGram, GramPlaces), nil
}

// VerifyAllocation reports whether grams × rate is within one rounding unit
// of amount.
func VerifyAllocation(amount, ratePerGram, grams decimal.Decimal) bool {
	unit := decimal.New(1, -GramPlaces)
	return grams.Mul(ratePerGram).Sub(amount).Abs().LessThanOrEqual(ratePerGram.Mul(unit))
}

// CheckStoredAllocation verifies a payment read back from storage. The SQL
// stores call it on every scanned row.
func CheckStoredAllocation(p Payment) error {
	if VerifyAllocation(p.Amount, p.RatePerGram, p.GramsAllocated) {
		return nil
	}
	return fmt.Errorf("%w: payment %s holds %s g for %s at %s/g",
		ErrAllocationMismatch, p.ID, p.GramsAllocated, p.Amount, p.RatePerGram)
}

// =============================================================================
// NUMERIC BOUNDARY - Loud conversion of untrusted numbers
// =============================================================================

// DecimalFromFloat converts a float from JSON or a legacy column. NaN and
// infinities are rejected instead of being coerced to zero.
func DecimalFromFloat(field string, f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &InvalidInputError{Field: field, Value: f, Reason: "must be a finite number"}
	}
	return decimal.NewFromFloat(f), nil
}

// ParseDecimal parses a decimal string. Empty strings are an error.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &InvalidInputError{Field: field, Value: s, Reason: "is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &InvalidInputError{Field: field, Value: s, Reason: "not a decimal number"}
	}
	return d, nil
}

// ParsePositiveDecimal parses s and requires the result to be > 0.
func ParsePositiveDecimal(field, s string) (decimal.Decimal, error) {
	d, err := ParseDecimal(field, s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, &InvalidInputError{Field: field, Value: s, Reason: "must be positive"}
	}
	return d, nil
}

// =============================================================================
// PAYMENT CONSTRUCTION
// =============================================================================

// PaymentRequest is everything needed to record a payment except the rate,
// which is captured separately from the snapshot in force at PaidAt.
type PaymentRequest struct {
	ID             PaymentID
	EnrollmentID   EnrollmentID
	Amount         decimal.Decimal
	Kind           PaymentKind
	Status         PaymentStatus
	Mode           PaymentMode
	Source         PaymentSource
	PaidAt         time.Time
	IdempotencyKey string
}

// NewPayment snapshots the rate onto the payment and allocates grams once.
func NewPayment(req PaymentRequest, rate RateSnapshot) (Payment, error) {
	if req.EnrollmentID == "" {
		return Payment{}, &InvalidInputError{Field: "enrollment_id", Value: req.EnrollmentID, Reason: "is required"}
	}
	if req.PaidAt.IsZero() {
		return Payment{}, &InvalidInputError{Field: "paid_at", Value: req.PaidAt, Reason: "is required"}
	}
	grams, err := AllocateGrams(req.Amount, rate.RatePerGram)
	if err != nil {
		return Payment{}, err
	}

	kind := req.Kind
	if kind == "" {
		kind = KindPrimaryInstallment
	}
	status := req.Status
	if status == "" {
		status = PaymentSuccess
	}

	return Payment{
		ID:             req.ID,
		EnrollmentID:   req.EnrollmentID,
		Amount:         req.Amount,
		RatePerGram:    rate.RatePerGram,
		RateID:         rate.ID,
		GramsAllocated: grams,
		Kind:           kind,
		Status:         status,
		Mode:           req.Mode,
		Source:         req.Source,
		PaidAt:         req.PaidAt.UTC(),
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}
