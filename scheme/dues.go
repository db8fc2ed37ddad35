/*
dues.go - Due status tracking

PURPOSE:
  Cross-references a billing schedule with the payment stream and decides,
  for each billing month, whether it is PAID, PENDING or OVERDUE.

ALLOCATION (two passes, both in payment time order):
  1. On-time: each month takes the earliest unused successful primary
     installment dated inside its own window [due_i, due_i+1). The last
     month's window ends at maturity, or is open when maturity is not
     after its due date.
  2. Catch-up: every primary installment left over (paid before the first
     due date, a second payment in one window, or a late payment) goes to
     the earliest month that is still unpaid.

  A month can be paid by at most one payment and a payment pays at most
  one month, so the implied total of PAID months never exceeds the actual
  primary total.

STATUS OF UNPAID MONTHS:
  PENDING when the due date is still after asOf, otherwise OVERDUE with
  DaysOverdue = floor((asOf - due) / 24h).

SNAPSHOT:
  Payments dated after asOf are outside the snapshot and are ignored.
  TOP_UP payments never satisfy a billing month.

SEE ALSO:
  - schedule.go: Window boundaries
  - eligibility.go: Uses the same payment filtering
*/
package scheme

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DueStatus is the classification of one billing month.
type DueStatus struct {
	Month       BillingMonth
	Status      BillingStatus
	DaysOverdue int

	// Set when Status is PAID.
	PaidBy     PaymentID
	PaidAmount decimal.Decimal
	PaidAt     *time.Time
	OnTime     bool
}

// Classify assigns a status to every month of the schedule.
func Classify(schedule Schedule, payments []Payment, asOf time.Time) ([]DueStatus, error) {
	primaries, err := primariesAsOf(schedule.EnrollmentID, payments, asOf)
	if err != nil {
		return nil, err
	}

	out := make([]DueStatus, len(schedule.Months))
	for i, m := range schedule.Months {
		out[i] = DueStatus{Month: m, PaidAmount: decimal.Zero}
	}
	used := make([]bool, len(primaries))

	// Pass 1: on-time payments inside each month's own window.
	for i := range schedule.Months {
		for j, p := range primaries {
			if used[j] || !schedule.inWindow(i, p.PaidAt) {
				continue
			}
			markPaid(&out[i], p, true)
			used[j] = true
			break
		}
	}

	// Pass 2: leftovers to the earliest unpaid month.
	next := 0
	for j, p := range primaries {
		if used[j] {
			continue
		}
		for next < len(out) && out[next].Status == BillingPaid {
			next++
		}
		if next == len(out) {
			break
		}
		markPaid(&out[next], p, false)
		used[j] = true
	}

	for i := range out {
		if out[i].Status == BillingPaid {
			continue
		}
		due := out[i].Month.DueDate
		if due.After(asOf) {
			out[i].Status = BillingPending
		} else {
			out[i].Status = BillingOverdue
			out[i].DaysOverdue = max(0, WholeDaysBetween(due, asOf))
		}
		out[i].Month.Status = out[i].Status
	}
	return out, nil
}

func markPaid(ds *DueStatus, p Payment, onTime bool) {
	at := p.PaidAt
	ds.Status = BillingPaid
	ds.PaidBy = p.ID
	ds.PaidAmount = p.Amount
	ds.PaidAt = &at
	ds.OnTime = onTime
	ds.Month.PrimaryPaid = true
	ds.Month.Status = BillingPaid
}

// primariesAsOf returns the successful primary installments dated on or
// before asOf, in time order. Ties break on payment ID so the output is
// independent of input order.
func primariesAsOf(id EnrollmentID, payments []Payment, asOf time.Time) ([]Payment, error) {
	out := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.EnrollmentID != id {
			return nil, &InvalidInputError{Field: "payment.enrollment_id", Value: p.EnrollmentID,
				Reason: "payment belongs to enrollment " + string(p.EnrollmentID) + ", not " + string(id)}
		}
		if !p.IsPrimary() || p.PaidAt.After(asOf) {
			continue
		}
		out = append(out, p)
	}
	sortByTime(out)
	return out, nil
}

func sortByTime(ps []Payment) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].PaidAt.Equal(ps[j].PaidAt) {
			return ps[i].PaidAt.Before(ps[j].PaidAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// =============================================================================
// MONTHLY PROGRESS - How much of each month's commitment has been paid
// =============================================================================

// MonthProgress reports the money received inside one billing month's window.
type MonthProgress struct {
	Month      BillingMonth
	Commitment decimal.Decimal
	Paid       decimal.Decimal
	Remaining  decimal.Decimal // never negative
	Met        bool
}

// MonthlyProgress sums successful primary installments per billing window.
// Payments dated before the first due date count toward the first month.
// Unlike Classify, partial payments add up here.
func MonthlyProgress(schedule Schedule, payments []Payment, asOf time.Time) ([]MonthProgress, error) {
	primaries, err := primariesAsOf(schedule.EnrollmentID, payments, asOf)
	if err != nil {
		return nil, err
	}

	out := make([]MonthProgress, len(schedule.Months))
	for i, m := range schedule.Months {
		out[i] = MonthProgress{Month: m, Commitment: schedule.Commitment, Paid: decimal.Zero}
	}
	if len(out) == 0 {
		return out, nil
	}

	for _, p := range primaries {
		idx := -1
		if p.PaidAt.Before(schedule.Months[0].DueDate) {
			idx = 0
		} else {
			for i := range schedule.Months {
				if schedule.inWindow(i, p.PaidAt) {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			continue
		}
		out[idx].Paid = out[idx].Paid.Add(p.Amount)
	}

	for i := range out {
		rem := out[i].Commitment.Sub(out[i].Paid)
		if rem.IsNegative() {
			rem = decimal.Zero
		}
		out[i].Remaining = rem
		out[i].Met = out[i].Paid.GreaterThanOrEqual(out[i].Commitment)
	}
	return out, nil
}
