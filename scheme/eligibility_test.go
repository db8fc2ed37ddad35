package scheme_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/scheme-engine/scheme"
)

// twelveMonthPlan pays 5000 on each due date: 10 × 0.43g + 2 × 0.45g = 5.2g.
func twelveMonthPlan() (scheme.Enrollment, []scheme.Payment) {
	e := enrollment("enr-e", date(2024, time.January, 15), "5000", 12)
	payments := monthlyPayments(e, 12, "5000", "0.43")
	payments[10].GramsAllocated = dec("0.45")
	payments[11].GramsAllocated = dec("0.45")
	return e, payments
}

func TestEvaluate_FullPrincipalAtMaturity_Eligible(t *testing.T) {
	// GIVEN: 5000 × 12 months fully paid, 5.2g accumulated
	// WHEN: evaluating exactly on the maturity date
	// THEN: eligible, since maturity
	e, payments := twelveMonthPlan()
	maturity := e.Maturity()
	require.Equal(t, date(2025, time.January, 15), maturity)

	res, err := scheme.Evaluate(e, payments, maturity)
	require.NoError(t, err)

	assert.True(t, res.Eligible)
	assert.True(t, res.PrimaryPaid.Equal(dec("60000")))
	assert.True(t, res.TotalPaid.Equal(dec("60000")))
	assert.True(t, res.TotalGrams.Equal(dec("5.2")))
	assert.True(t, res.RequiredPrincipal.Equal(dec("60000")))
	assert.True(t, res.Shortfall.IsZero())
	assert.True(t, res.TenureMet && res.PrincipalMet && res.GramsMet)
	require.NotNil(t, res.EligibleSince)
	assert.Equal(t, maturity, *res.EligibleSince)
	assert.NoError(t, scheme.CheckRedeemable(res))
}

func TestEvaluate_ShortPrincipal_NotEligibleButTotalsReported(t *testing.T) {
	// GIVEN: same plan but one installment was only 4000 (59000 total)
	// THEN: not eligible; 60000 required vs 59000 paid is still visible
	e, payments := twelveMonthPlan()
	payments[5].Amount = dec("4000")

	res, err := scheme.Evaluate(e, payments, e.Maturity())
	require.NoError(t, err)

	assert.False(t, res.Eligible)
	assert.True(t, res.TenureMet)
	assert.False(t, res.PrincipalMet)
	assert.True(t, res.PrimaryPaid.Equal(dec("59000")))
	assert.True(t, res.RequiredPrincipal.Equal(dec("60000")))
	assert.True(t, res.Shortfall.Equal(dec("1000")))
	assert.True(t, res.TotalGrams.Equal(dec("5.2")))
	assert.Nil(t, res.EligibleSince)

	err = scheme.CheckRedeemable(res)
	assert.ErrorIs(t, err, scheme.ErrNotEligible)
	var ne *scheme.NotEligibleError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, e.ID, ne.Result.EnrollmentID)
}

func TestEvaluate_BeforeMaturity_NotEligible(t *testing.T) {
	e, payments := twelveMonthPlan()
	res, err := scheme.Evaluate(e, payments, e.Maturity().Add(-time.Second))
	require.NoError(t, err)

	assert.False(t, res.Eligible)
	assert.False(t, res.TenureMet)
	assert.True(t, res.PrincipalMet)
}

func TestEvaluate_TopUpsDoNotCountTowardPrincipal(t *testing.T) {
	e := enrollment("enr-e", date(2024, time.January, 15), "5000", 12)
	payments := monthlyPayments(e, 11, "5000", "0.7")
	payments = append(payments, topUp("enr-e", "big", date(2024, time.December, 20), "100000", "14"))

	res, err := scheme.Evaluate(e, payments, date(2025, time.March, 1))
	require.NoError(t, err)

	assert.False(t, res.Eligible)
	assert.True(t, res.PrimaryPaid.Equal(dec("55000")))
	assert.True(t, res.TotalPaid.Equal(dec("155000")))
	assert.True(t, res.Shortfall.Equal(dec("5000")))
}

func TestEvaluate_ZeroGrams_NotEligible(t *testing.T) {
	e := enrollment("enr-e", date(2024, time.January, 15), "5000", 2)
	payments := monthlyPayments(e, 2, "5000", "0")

	res, err := scheme.Evaluate(e, payments, date(2025, time.January, 1))
	require.NoError(t, err)

	assert.True(t, res.TenureMet)
	assert.True(t, res.PrincipalMet)
	assert.False(t, res.GramsMet)
	assert.False(t, res.Eligible)
}

func TestEvaluate_FailedAndPendingExcluded(t *testing.T) {
	e := enrollment("enr-e", date(2024, time.January, 15), "5000", 1)
	payments := []scheme.Payment{
		withStatus(primary("enr-e", "f", date(2024, time.January, 15), "5000", "0.7"), scheme.PaymentFailed),
		withStatus(primary("enr-e", "p", date(2024, time.January, 16), "5000", "0.7"), scheme.PaymentPending),
	}

	res, err := scheme.Evaluate(e, payments, date(2024, time.March, 1))
	require.NoError(t, err)

	assert.False(t, res.Eligible)
	assert.True(t, res.TotalPaid.IsZero())
	assert.True(t, res.TotalGrams.IsZero())
}

func TestEvaluate_EligibleSinceIsLastConditionMet(t *testing.T) {
	// GIVEN: the final installment arrives after maturity
	// THEN: eligibility starts when that payment landed, not at maturity
	e := enrollment("enr-e", date(2024, time.January, 15), "1000", 2)
	late := date(2024, time.April, 2)
	payments := []scheme.Payment{
		primary("enr-e", "a", date(2024, time.January, 15), "1000", "0.15"),
		primary("enr-e", "b", late, "1000", "0.15"),
	}

	res, err := scheme.Evaluate(e, payments, date(2024, time.May, 1))
	require.NoError(t, err)
	require.True(t, res.Eligible)
	assert.Equal(t, late, *res.EligibleSince)
}

func TestEvaluate_ExplicitMaturityWins(t *testing.T) {
	e := enrollment("enr-e", date(2024, time.January, 15), "1000", 2)
	m := date(2024, time.February, 20)
	e.MaturityDate = &m
	payments := monthlyPayments(e, 2, "1000", "0.15")

	res, err := scheme.Evaluate(e, payments, m)
	require.NoError(t, err)
	assert.True(t, res.Eligible)
	assert.Equal(t, m, res.MaturityDate)
}

func TestEvaluate_InvalidInputs(t *testing.T) {
	e := enrollment("enr-e", date(2024, time.January, 15), "1000", 0)
	_, err := scheme.Evaluate(e, nil, date(2025, time.January, 1))
	assert.ErrorIs(t, err, scheme.ErrInvalidEnrollment)

	good := enrollment("enr-e", date(2024, time.January, 15), "1000", 2)
	_, err = scheme.Evaluate(good, []scheme.Payment{primary("other", "x", date(2024, time.January, 15), "1", "0.1")}, date(2025, time.January, 1))
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}

func TestEvaluate_DoesNotMutateEnrollment(t *testing.T) {
	e, payments := twelveMonthPlan()
	before := e
	_, err := scheme.Evaluate(e, payments, e.Maturity())
	require.NoError(t, err)
	assert.Equal(t, before, e)
	assert.Equal(t, scheme.EnrollmentActive, e.Status)
}
