package scheme_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/scheme-engine/scheme"
	"github.com/warp/scheme-engine/scheme/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*scheme.PaymentLedger, *store.TxMemory) {
	t.Helper()
	s := store.NewTxMemory()
	ctx := context.Background()

	require.NoError(t, s.AddRate(ctx, rate("r-jan", scheme.Grade22K, "6250.50", date(2024, time.January, 1))))
	require.NoError(t, s.AddRate(ctx, rate("r-feb", scheme.Grade22K, "7000", date(2024, time.February, 1))))
	require.NoError(t, s.CreateEnrollment(ctx, enrollment("enr-l", date(2024, time.January, 10), "5000", 3)))

	l := scheme.NewPaymentLedger(s)
	l.Now = func() time.Time { return date(2024, time.January, 20) }
	return l, s
}

func TestPaymentLedger_Record_SnapshotsRateAtPaymentTime(t *testing.T) {
	// GIVEN: the rate changes on Feb 1
	// WHEN: recording a January payment after the change
	// THEN: the January rate is captured and grams allocated from it
	l, s := newTestLedger(t)
	ctx := context.Background()

	p, err := l.Record(ctx, scheme.PaymentRequest{
		EnrollmentID:   "enr-l",
		Amount:         dec("5000"),
		PaidAt:         date(2024, time.January, 10),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, scheme.RateID("r-jan"), p.RateID)
	assert.True(t, p.GramsAllocated.Equal(dec("0.7999")))

	stored, err := s.Payments(ctx, "enr-l")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, p, stored[0])
}

func TestPaymentLedger_Record_DefaultsPaidAtToNow(t *testing.T) {
	l, _ := newTestLedger(t)
	p, err := l.Record(context.Background(), scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, date(2024, time.January, 20), p.PaidAt)
}

func TestPaymentLedger_Record_DuplicateKeyRejected(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	req := scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("5000"), PaidAt: date(2024, time.January, 10), IdempotencyKey: "same"}

	_, err := l.Record(ctx, req)
	require.NoError(t, err)
	_, err = l.Record(ctx, req)
	assert.ErrorIs(t, err, scheme.ErrDuplicateIdempotencyKey)
	assert.True(t, scheme.IsConflict(err))

	stored, err := s.Payments(ctx, "enr-l")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPaymentLedger_Record_Failures(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, scheme.PaymentRequest{EnrollmentID: "missing", Amount: dec("1"), PaidAt: date(2024, time.January, 10)})
	assert.ErrorIs(t, err, scheme.ErrEnrollmentNotFound)

	_, err = l.Record(ctx, scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("1"), PaidAt: date(2023, time.June, 1)})
	assert.ErrorIs(t, err, scheme.ErrRateNotFound)

	_, err = l.Record(ctx, scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("-1"), PaidAt: date(2024, time.January, 10)})
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}

func TestPaymentLedger_Record_InvalidatesBillingCache(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	asOf := date(2024, time.January, 15)

	months, err := l.RebuildBillingMonths(ctx, "enr-l", asOf)
	require.NoError(t, err)
	assert.Equal(t, scheme.BillingOverdue, months[0].Status)

	_, cached, err := s.BillingMonths(ctx, "enr-l")
	require.NoError(t, err)
	require.True(t, cached)

	_, err = l.Record(ctx, scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("5000"), PaidAt: date(2024, time.January, 12)})
	require.NoError(t, err)

	_, cached, err = s.BillingMonths(ctx, "enr-l")
	require.NoError(t, err)
	assert.False(t, cached, "payment write drops cached billing months")

	months, err = l.BillingMonths(ctx, "enr-l", asOf)
	require.NoError(t, err)
	assert.Equal(t, scheme.BillingPaid, months[0].Status)
	assert.True(t, months[0].PrimaryPaid)
}

func TestPaymentLedger_BillingMonths_ServesCacheOnlyForItsInstant(t *testing.T) {
	// GIVEN: billing months cached as of a date years after the tenure
	// WHEN: reading them as of a date inside the first month
	// THEN: the rows match the derived view at that date, and the cache
	// still holds the rows built for the later date
	l, s := newTestLedger(t)
	ctx := context.Background()
	later := date(2030, time.January, 1)
	asOf := date(2024, time.January, 20)

	future, err := l.BillingMonths(ctx, "enr-l", later)
	require.NoError(t, err)
	for _, m := range future {
		assert.Equal(t, scheme.BillingOverdue, m.Status)
	}

	months, err := l.BillingMonths(ctx, "enr-l", asOf)
	require.NoError(t, err)
	dues, err := l.Dues(ctx, "enr-l", asOf)
	require.NoError(t, err)
	require.Len(t, months, len(dues))
	for i, d := range dues {
		assert.Equal(t, d.Status, months[i].Status, "month %d", i)
		assert.True(t, months[i].AsOf.Equal(asOf))
	}
	assert.Equal(t, scheme.BillingOverdue, months[0].Status)
	assert.Equal(t, scheme.BillingPending, months[1].Status)

	cached, ok, err := s.BillingMonths(ctx, "enr-l")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached[0].AsOf.Equal(later))

	again, err := l.BillingMonths(ctx, "enr-l", later)
	require.NoError(t, err)
	assert.Equal(t, future, again)
}

func TestPaymentLedger_Close_RequiresEligibility(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	err := l.Close(ctx, "enr-l", date(2024, time.February, 1), false)
	assert.ErrorIs(t, err, scheme.ErrNotEligible)

	for i, at := range []time.Time{date(2024, time.January, 10), date(2024, time.February, 10), date(2024, time.March, 10)} {
		_, err := l.Record(ctx, scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("5000"), PaidAt: at, IdempotencyKey: string(rune('a' + i))})
		require.NoError(t, err)
	}

	require.NoError(t, l.Close(ctx, "enr-l", date(2024, time.April, 10), false))
	e, err := s.GetEnrollment(ctx, "enr-l")
	require.NoError(t, err)
	assert.Equal(t, scheme.EnrollmentClosed, e.Status)

	_, err = l.Record(ctx, scheme.PaymentRequest{EnrollmentID: "enr-l", Amount: dec("5000"), PaidAt: date(2024, time.April, 11)})
	assert.ErrorIs(t, err, scheme.ErrEnrollmentClosed)
}

func TestPaymentLedger_Close_CancellationSkipsEligibility(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Close(ctx, "enr-l", date(2024, time.February, 1), true))
	e, err := s.GetEnrollment(ctx, "enr-l")
	require.NoError(t, err)
	assert.False(t, e.IsActive())

	err = l.Close(ctx, "enr-l", date(2024, time.February, 2), true)
	assert.ErrorIs(t, err, scheme.ErrEnrollmentClosed)
}

func TestPaymentLedger_Sweep(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEnrollment(ctx, enrollment("enr-2", date(2024, time.January, 5), "1000", 2)))

	res, err := l.Sweep(ctx, date(2024, time.February, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rebuilt)
	assert.Equal(t, 0, res.Failed)
	// enr-l: Jan 10 and Feb 10 overdue; enr-2: Jan 5 and Feb 5 overdue
	assert.Equal(t, 4, res.Overdue)

	months, cached, err := s.BillingMonths(ctx, "enr-2")
	require.NoError(t, err)
	require.True(t, cached)
	assert.Len(t, months, 2)
}
