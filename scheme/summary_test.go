package scheme_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/scheme-engine/scheme"
)

func mixedBook() ([]scheme.Enrollment, []scheme.Payment) {
	gold := enrollment("gold", date(2024, time.January, 10), "5000", 12)
	silver := enrollment("silver", date(2024, time.January, 10), "1000", 6)
	silver.Grade = scheme.GradeSilver

	payments := []scheme.Payment{
		primary("gold", "g1", date(2024, time.January, 10), "5000", "0.7143"),
		topUp("gold", "g2", date(2024, time.January, 20), "2500", "0.3571"),
		withStatus(primary("gold", "g3", date(2024, time.February, 10), "5000", "0.7"), scheme.PaymentFailed),
		primary("silver", "s1", date(2024, time.January, 10), "1000", "11.1111"),
		withStatus(primary("silver", "s2", date(2024, time.February, 10), "1000", "11"), scheme.PaymentPending),
	}
	return []scheme.Enrollment{gold, silver}, payments
}

func TestSummarize_NoGrouping(t *testing.T) {
	enrollments, payments := mixedBook()

	sum, err := scheme.Summarize(payments, enrollments, scheme.GroupByNone)
	require.NoError(t, err)

	assert.Equal(t, scheme.GroupByNone, sum.GroupBy)
	assert.True(t, sum.Paid.Equal(dec("8500")))
	assert.True(t, sum.Grams.Equal(dec("12.1825")))
	assert.True(t, sum.PrimaryPaid.Equal(dec("6000")))
	assert.True(t, sum.TopUpPaid.Equal(dec("2500")))
	assert.Equal(t, 3, sum.PaymentCount)
	assert.Nil(t, sum.ByGrade)
}

func TestSummarize_ByGrade_UsesEnrollmentGrade(t *testing.T) {
	enrollments, payments := mixedBook()

	sum, err := scheme.Summarize(payments, enrollments, scheme.GroupByGrade)
	require.NoError(t, err)
	require.Len(t, sum.ByGrade, 2, "grades without successful payments are absent")

	assert.Equal(t, scheme.Grade22K, sum.ByGrade[0].Grade)
	assert.True(t, sum.ByGrade[0].Paid.Equal(dec("7500")))
	assert.True(t, sum.ByGrade[0].Grams.Equal(dec("1.0714")))
	assert.Equal(t, 2, sum.ByGrade[0].PaymentCount)

	assert.Equal(t, scheme.GradeSilver, sum.ByGrade[1].Grade)
	assert.True(t, sum.ByGrade[1].Paid.Equal(dec("1000")))
	assert.Equal(t, 1, sum.ByGrade[1].PaymentCount)

	assert.True(t, sum.Paid.Equal(dec("8500")))
}

func TestSummarize_OnlyFailedPayments_EmptyTotals(t *testing.T) {
	enrollments, _ := mixedBook()
	payments := []scheme.Payment{
		withStatus(primary("gold", "x", date(2024, time.January, 10), "5000", "0.7"), scheme.PaymentFailed),
	}

	sum, err := scheme.Summarize(payments, enrollments, scheme.GroupByGrade)
	require.NoError(t, err)
	assert.True(t, sum.Paid.IsZero())
	assert.Equal(t, 0, sum.PaymentCount)
	assert.Empty(t, sum.ByGrade)
}

func TestSummarize_UnknownEnrollmentWhenGrouping(t *testing.T) {
	_, payments := mixedBook()

	_, err := scheme.Summarize(payments, nil, scheme.GroupByGrade)
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)

	_, err = scheme.Summarize(payments, nil, scheme.GroupByNone)
	assert.NoError(t, err, "grade lookup is only needed when grouping")

	_, err = scheme.Summarize(payments, nil, scheme.GroupBy("karat"))
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}

func TestSummarize_Deterministic(t *testing.T) {
	enrollments, payments := mixedBook()
	a, err := scheme.Summarize(payments, enrollments, scheme.GroupByGrade)
	require.NoError(t, err)
	b, err := scheme.Summarize(payments, enrollments, scheme.GroupByGrade)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSummarizeDues_TotalsOverdueCommitmentPerGrade(t *testing.T) {
	// GIVEN: gold and silver both paid January only, plus one closed plan
	// WHEN: looking at dues on Mar 15
	// THEN: each owes Feb + Mar; the closed plan is skipped
	enrollments, payments := mixedBook()
	closed := enrollment("closed", date(2023, time.January, 10), "9000", 3)
	closed.Status = scheme.EnrollmentClosed
	enrollments = append(enrollments, closed)

	dues, err := scheme.SummarizeDues(enrollments, payments, date(2024, time.March, 15))
	require.NoError(t, err)

	assert.Equal(t, 2, dues.OverdueEnrollments)
	assert.Equal(t, 4, dues.OverdueMonths)
	assert.True(t, dues.Outstanding.Equal(dec("12000")), "got %s", dues.Outstanding)
	require.Len(t, dues.ByGrade, 2)

	assert.Equal(t, scheme.Grade22K, dues.ByGrade[0].Grade)
	assert.True(t, dues.ByGrade[0].Outstanding.Equal(dec("10000")))
	assert.Equal(t, 2, dues.ByGrade[0].OverdueMonths)

	assert.Equal(t, scheme.GradeSilver, dues.ByGrade[1].Grade)
	assert.True(t, dues.ByGrade[1].Outstanding.Equal(dec("2000")))
	assert.Equal(t, 2, dues.PaidMonths)
	assert.Equal(t, 9+3, dues.PendingMonths)
}

func TestSummarizeDues_RejectsStrayPayment(t *testing.T) {
	enrollments, _ := mixedBook()
	_, err := scheme.SummarizeDues(enrollments, []scheme.Payment{primary("nobody", "x", date(2024, time.January, 1), "1", "0.1")}, date(2024, time.March, 1))
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}

func TestValueHoldings(t *testing.T) {
	enrollments, payments := mixedBook()
	sum, err := scheme.Summarize(payments, enrollments, scheme.GroupByGrade)
	require.NoError(t, err)

	rates := map[scheme.Grade]scheme.RateSnapshot{
		scheme.Grade22K:    {ID: "r22", Grade: scheme.Grade22K, RatePerGram: dec("7000")},
		scheme.GradeSilver: {ID: "rs", Grade: scheme.GradeSilver, RatePerGram: dec("90")},
	}
	values, err := scheme.ValueHoldings(sum, rates)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.True(t, values[0].Value.Equal(dec("7499.8")), "got %s", values[0].Value)
	assert.True(t, values[1].Value.Equal(dec("1000")), "got %s", values[1].Value)

	delete(rates, scheme.GradeSilver)
	_, err = scheme.ValueHoldings(sum, rates)
	assert.ErrorIs(t, err, scheme.ErrRateNotFound)

	flat, err := scheme.Summarize(payments, enrollments, scheme.GroupByNone)
	require.NoError(t, err)
	_, err = scheme.ValueHoldings(flat, rates)
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}
