/*
ledger.go - Payment recording and snapshot reads

PURPOSE:
  PaymentLedger is the single write path for payments. It resolves the rate
  in force when the money was received, allocates grams exactly once, and
  appends the payment with its idempotency key. The derived billing-month
  cache of the enrollment is invalidated in the same unit of work.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: payments are never edited
  2. SNAPSHOT: RatePerGram and GramsAllocated are frozen at record time
  3. IDEMPOTENT: a reused key returns ErrDuplicateIdempotencyKey
  4. CACHE, NOT TRUTH: persisted billing months are dropped on every write
     and served only for the instant they were derived for

READ CONSISTENCY:
  Snapshot loads the enrollment and its payments together so callers can
  classify and evaluate against one consistent view.

SEE ALSO:
  - store.go: Persistence interfaces
  - allocation.go: NewPayment
*/
package scheme

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PAYMENT LEDGER
// =============================================================================

type PaymentLedger struct {
	Store Store
	Rates RateProvider

	// Now defaults to time.Now. Tests pin it.
	Now func() time.Time
}

// NewPaymentLedger uses the store itself as the rate provider.
func NewPaymentLedger(store Store) *PaymentLedger {
	return &PaymentLedger{Store: store, Rates: store, Now: time.Now}
}

func (l *PaymentLedger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Record validates, prices and appends a payment.
func (l *PaymentLedger) Record(ctx context.Context, req PaymentRequest) (Payment, error) {
	e, err := l.Store.GetEnrollment(ctx, req.EnrollmentID)
	if err != nil {
		return Payment{}, err
	}
	if !e.IsActive() {
		return Payment{}, fmt.Errorf("record payment on %s: %w", e.ID, ErrEnrollmentClosed)
	}

	if req.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, req.IdempotencyKey)
		if err != nil {
			return Payment{}, err
		}
		if exists {
			return Payment{}, ErrDuplicateIdempotencyKey
		}
	}

	if req.ID == "" {
		req.ID = PaymentID(uuid.NewString())
	}
	if req.PaidAt.IsZero() {
		req.PaidAt = l.now()
	}

	rate, err := l.Rates.RateAt(ctx, e.RetailerID, e.Grade, req.PaidAt)
	if err != nil {
		return Payment{}, err
	}
	p, err := NewPayment(req, rate)
	if err != nil {
		return Payment{}, err
	}

	write := func(s Store) error {
		if err := s.AppendPayment(ctx, p); err != nil {
			return err
		}
		return s.InvalidateBillingMonths(ctx, e.ID)
	}
	if tx, ok := l.Store.(TxStore); ok {
		err = tx.WithTx(ctx, write)
	} else {
		err = write(l.Store)
	}
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// Snapshot loads an enrollment with all of its payments.
func (l *PaymentLedger) Snapshot(ctx context.Context, id EnrollmentID) (Enrollment, []Payment, error) {
	e, err := l.Store.GetEnrollment(ctx, id)
	if err != nil {
		return Enrollment{}, nil, err
	}
	payments, err := l.Store.Payments(ctx, id)
	if err != nil {
		return Enrollment{}, nil, err
	}
	return e, payments, nil
}

// Dues classifies an enrollment's billing months at asOf.
func (l *PaymentLedger) Dues(ctx context.Context, id EnrollmentID, asOf time.Time) ([]DueStatus, error) {
	e, payments, err := l.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	schedule, err := GenerateSchedule(e)
	if err != nil {
		return nil, err
	}
	return Classify(schedule, payments, asOf)
}

// Eligibility evaluates an enrollment at asOf.
func (l *PaymentLedger) Eligibility(ctx context.Context, id EnrollmentID, asOf time.Time) (EligibilityResult, error) {
	e, payments, err := l.Snapshot(ctx, id)
	if err != nil {
		return EligibilityResult{}, err
	}
	return Evaluate(e, payments, asOf)
}

// Close ends an enrollment. Redemption requires eligibility at asOf;
// cancellation does not.
func (l *PaymentLedger) Close(ctx context.Context, id EnrollmentID, asOf time.Time, cancel bool) error {
	reason := "redeemed"
	if cancel {
		reason = "cancelled"
	} else {
		res, err := l.Eligibility(ctx, id, asOf)
		if err != nil {
			return err
		}
		if err := CheckRedeemable(res); err != nil {
			return err
		}
	}
	return l.Store.CloseEnrollment(ctx, id, asOf, reason)
}

// =============================================================================
// BILLING MONTH CACHE
// =============================================================================

// RebuildBillingMonths recomputes and stores the billing months of one
// enrollment as of asOf, returning the fresh rows.
func (l *PaymentLedger) RebuildBillingMonths(ctx context.Context, id EnrollmentID, asOf time.Time) ([]BillingMonth, error) {
	months, err := l.deriveBillingMonths(ctx, id, asOf)
	if err != nil {
		return nil, err
	}
	if err := l.Store.SaveBillingMonths(ctx, id, months); err != nil {
		return nil, err
	}
	return months, nil
}

// BillingMonths serves the cached rows when they were derived for asOf.
// With no cache entry the rows are rebuilt and stored. An entry built for a
// different instant is left alone and the view is derived directly, so a
// historical or future read never replaces the current rows.
func (l *PaymentLedger) BillingMonths(ctx context.Context, id EnrollmentID, asOf time.Time) ([]BillingMonth, error) {
	months, ok, err := l.Store.BillingMonths(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return l.RebuildBillingMonths(ctx, id, asOf)
	}
	if len(months) > 0 && months[0].AsOf.Equal(cacheInstant(asOf)) {
		return months, nil
	}
	return l.deriveBillingMonths(ctx, id, asOf)
}

func (l *PaymentLedger) deriveBillingMonths(ctx context.Context, id EnrollmentID, asOf time.Time) ([]BillingMonth, error) {
	statuses, err := l.Dues(ctx, id, asOf)
	if err != nil {
		return nil, err
	}
	months := make([]BillingMonth, len(statuses))
	for i, st := range statuses {
		months[i] = st.Month
		months[i].AsOf = cacheInstant(asOf)
	}
	return months, nil
}

// cacheInstant truncates to the microsecond precision SQL timestamps keep.
func cacheInstant(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// SweepResult counts the work done by Sweep.
type SweepResult struct {
	Rebuilt int
	Overdue int
	Failed  int
}

// Sweep rebuilds the billing-month cache of every active enrollment so
// PENDING rows whose due date has passed turn OVERDUE without a new payment.
// A failing enrollment is counted and skipped; the first error is returned.
func (l *PaymentLedger) Sweep(ctx context.Context, asOf time.Time) (SweepResult, error) {
	var res SweepResult
	enrollments, err := l.Store.ListEnrollments(ctx, EnrollmentFilter{Status: EnrollmentActive})
	if err != nil {
		return res, err
	}

	var firstErr error
	for _, e := range enrollments {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		months, err := l.RebuildBillingMonths(ctx, e.ID, asOf)
		if err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep %s: %w", e.ID, err)
			}
			continue
		}
		res.Rebuilt++
		for _, m := range months {
			if m.Status == BillingOverdue {
				res.Overdue++
			}
		}
	}
	return res, firstErr
}
