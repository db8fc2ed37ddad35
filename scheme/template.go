package scheme

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Template is a savings plan a retailer offers. Enrolling copies its terms
// onto the enrollment, so later template edits never change existing plans.
type Template struct {
	ID                string
	RetailerID        RetailerID
	Name              string
	Grade             Grade
	InstallmentAmount decimal.Decimal
	DurationMonths    int

	// Bonus paid by the retailer at maturity, as a percentage of one
	// installment. Informational; it does not affect eligibility.
	BonusPercentage decimal.Decimal

	Active bool
}

// Validate checks the template terms.
func (t Template) Validate() error {
	if t.Name == "" {
		return &InvalidInputError{Field: "name", Value: t.Name, Reason: "is required"}
	}
	if !t.Grade.Valid() {
		return &InvalidInputError{Field: "grade", Value: t.Grade, Reason: "unknown grade"}
	}
	if !t.InstallmentAmount.IsPositive() {
		return &InvalidInputError{Field: "installment_amount", Value: t.InstallmentAmount, Reason: "must be positive"}
	}
	if t.DurationMonths <= 0 {
		return &InvalidInputError{Field: "duration_months", Value: t.DurationMonths, Reason: "must be positive"}
	}
	if t.DurationMonths > MaxTenureMonths {
		return &InvalidInputError{Field: "duration_months", Value: t.DurationMonths, Reason: fmt.Sprintf("cannot exceed %d", MaxTenureMonths)}
	}
	if t.BonusPercentage.IsNegative() {
		return &InvalidInputError{Field: "bonus_percentage", Value: t.BonusPercentage, Reason: "cannot be negative"}
	}
	return nil
}

// Bonus returns the maturity bonus amount.
func (t Template) Bonus() decimal.Decimal {
	return t.InstallmentAmount.Mul(t.BonusPercentage).Div(decimal.NewFromInt(100)).Round(2)
}

// NewEnrollment creates an ACTIVE enrollment on the template's terms.
func (t Template) NewEnrollment(id EnrollmentID, customerID CustomerID, createdAt time.Time) (Enrollment, error) {
	if !t.Active {
		return Enrollment{}, &InvalidInputError{Field: "template_id", Value: t.ID, Reason: "template is not active"}
	}
	if customerID == "" {
		return Enrollment{}, &InvalidInputError{Field: "customer_id", Value: customerID, Reason: "is required"}
	}
	e := Enrollment{
		ID:               id,
		CustomerID:       customerID,
		RetailerID:       t.RetailerID,
		TemplateID:       t.ID,
		PlanName:         t.Name,
		Grade:            t.Grade,
		CommitmentAmount: t.InstallmentAmount,
		TenureMonths:     t.DurationMonths,
		CreatedAt:        createdAt.UTC(),
		Status:           EnrollmentActive,
	}
	return e, e.Validate()
}
