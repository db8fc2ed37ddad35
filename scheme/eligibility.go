package scheme

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ELIGIBILITY EVALUATOR - Can this enrollment be redeemed?
// =============================================================================
//
// All three conditions must hold at asOf:
//   1. asOf >= maturity
//   2. successful primary installments >= commitment × tenure
//   3. successful grams, any kind, > 0
//
// Top-ups add grams but never count toward the principal. The evaluator
// does not change enrollment status; closing is the redemption workflow's job.

// Evaluate computes eligibility and the accumulated totals at asOf.
// Payments dated after asOf are ignored.
func Evaluate(e Enrollment, payments []Payment, asOf time.Time) (EligibilityResult, error) {
	if err := e.Validate(); err != nil {
		return EligibilityResult{}, err
	}

	counted := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.EnrollmentID != e.ID {
			return EligibilityResult{}, &InvalidInputError{Field: "payment.enrollment_id", Value: p.EnrollmentID,
				Reason: "payment belongs to enrollment " + string(p.EnrollmentID) + ", not " + string(e.ID)}
		}
		if p.Counts() && !p.PaidAt.After(asOf) {
			counted = append(counted, p)
		}
	}
	sortByTime(counted)

	required := e.RequiredPrincipal()
	maturity := e.Maturity()
	res := EligibilityResult{
		EnrollmentID:      e.ID,
		TotalGrams:        decimal.Zero,
		TotalPaid:         decimal.Zero,
		PrimaryPaid:       decimal.Zero,
		RequiredPrincipal: required,
		MaturityDate:      maturity,
	}

	var principalAt, gramsAt *time.Time
	for _, p := range counted {
		at := p.PaidAt
		res.TotalPaid = res.TotalPaid.Add(p.Amount)
		res.TotalGrams = res.TotalGrams.Add(p.GramsAllocated)
		if gramsAt == nil && res.TotalGrams.IsPositive() {
			gramsAt = &at
		}
		if p.Kind == KindPrimaryInstallment {
			res.PrimaryPaid = res.PrimaryPaid.Add(p.Amount)
			if principalAt == nil && res.PrimaryPaid.GreaterThanOrEqual(required) {
				principalAt = &at
			}
		}
	}

	res.Shortfall = required.Sub(res.PrimaryPaid)
	if res.Shortfall.IsNegative() {
		res.Shortfall = decimal.Zero
	}
	res.TenureMet = !asOf.Before(maturity)
	res.PrincipalMet = res.PrimaryPaid.GreaterThanOrEqual(required)
	res.GramsMet = res.TotalGrams.IsPositive()
	res.Eligible = res.TenureMet && res.PrincipalMet && res.GramsMet

	if res.Eligible {
		since := latest(maturity, *principalAt, *gramsAt)
		res.EligibleSince = &since
	}
	return res, nil
}

// CheckRedeemable returns a NotEligibleError unless the result is eligible.
func CheckRedeemable(res EligibilityResult) error {
	if !res.Eligible {
		return &NotEligibleError{Result: res}
	}
	return nil
}

func latest(ts ...time.Time) time.Time {
	out := ts[0]
	for _, t := range ts[1:] {
		if t.After(out) {
			out = t
		}
	}
	return out
}
