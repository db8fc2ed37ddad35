/*
schedule.go - Billing schedule generation

PURPOSE:
  Turns an enrollment into its ordered billing months. The schedule is a
  pure function of the enrollment, so it is recomputed on demand instead
  of being stored as an independent fact.

DUE DATES:
  Month i is due on the creation day advanced by i calendar months, at
  midnight UTC. Every due date is computed from the original anchor day,
  never from the previous due date:

    created 2024-01-31, tenure 3
      month 0: 2024-01-31
      month 1: 2024-02-29   (clamped, leap year)
      month 2: 2024-03-31   (anchor restored)

  Chaining (Feb 29 + 1 month = Mar 29) would drift the anchor permanently.

EXPLICIT MATURITY:
  When the enrollment carries its own maturity date, the final due date is
  clamped to it. The number of months is still TenureMonths. If the clamp
  would put the last month on or before the previous one, the enrollment
  is rejected as inconsistent.

SEE ALSO:
  - time.go: AddMonthsClamped
  - dues.go: Consumes the schedule
*/
package scheme

import (
	"time"

	"github.com/shopspring/decimal"
)

// Schedule is the derived billing plan of one enrollment.
type Schedule struct {
	EnrollmentID EnrollmentID
	Commitment   decimal.Decimal
	Maturity     time.Time
	Months       []BillingMonth
}

// Len returns the number of billing months.
func (s Schedule) Len() int { return len(s.Months) }

// windowEnd returns the exclusive end of month i's payment window and
// whether the window is bounded at all.
func (s Schedule) windowEnd(i int) (time.Time, bool) {
	if i+1 < len(s.Months) {
		return s.Months[i+1].DueDate, true
	}
	last := s.Months[i].DueDate
	if s.Maturity.After(last) {
		return s.Maturity, true
	}
	return time.Time{}, false
}

// inWindow reports whether t falls inside month i's window.
func (s Schedule) inWindow(i int, t time.Time) bool {
	if t.Before(s.Months[i].DueDate) {
		return false
	}
	end, bounded := s.windowEnd(i)
	return !bounded || t.Before(end)
}

// =============================================================================
// CURSOR - Incremental iteration over billing months
// =============================================================================

// ScheduleCursor yields billing months one at a time without materializing
// the whole schedule.
type ScheduleCursor struct {
	enrollment Enrollment
	anchor     time.Time
	lastDue    time.Time
	next       int
}

// NewScheduleCursor validates the enrollment and positions the cursor before
// the first billing month.
func NewScheduleCursor(e Enrollment) (*ScheduleCursor, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	anchor := StartOfDay(e.CreatedAt)
	n := e.TenureMonths

	lastDue := AddMonthsClamped(anchor, n-1)
	if e.MaturityDate != nil {
		maturity := StartOfDay(*e.MaturityDate)
		if maturity.Before(lastDue) {
			lastDue = maturity
		}
		if n > 1 && !lastDue.After(AddMonthsClamped(anchor, n-2)) {
			return nil, &InvalidEnrollmentError{
				EnrollmentID: e.ID,
				Reason:       "maturity date leaves no room for the final billing month",
			}
		}
	}

	return &ScheduleCursor{enrollment: e, anchor: anchor, lastDue: lastDue}, nil
}

// Next returns the next billing month, or false once the tenure is exhausted.
func (c *ScheduleCursor) Next() (BillingMonth, bool) {
	n := c.enrollment.TenureMonths
	if c.next >= n {
		return BillingMonth{}, false
	}
	i := c.next
	c.next++

	due := AddMonthsClamped(c.anchor, i)
	if i == n-1 {
		due = c.lastDue
	}
	return BillingMonth{
		EnrollmentID: c.enrollment.ID,
		Index:        i,
		Label:        MonthLabel(due),
		DueDate:      due,
		Status:       BillingPending,
	}, true
}

// Remaining returns how many months Next will still yield.
func (c *ScheduleCursor) Remaining() int { return c.enrollment.TenureMonths - c.next }

// =============================================================================
// GENERATION
// =============================================================================

// GenerateSchedule returns exactly TenureMonths billing months in strictly
// increasing due-date order. Every month starts PENDING; Classify assigns
// the real status.
func GenerateSchedule(e Enrollment) (Schedule, error) {
	cur, err := NewScheduleCursor(e)
	if err != nil {
		return Schedule{}, err
	}
	months := make([]BillingMonth, 0, cur.Remaining())
	for {
		m, ok := cur.Next()
		if !ok {
			break
		}
		months = append(months, m)
	}
	return Schedule{
		EnrollmentID: e.ID,
		Commitment:   e.CommitmentAmount,
		Maturity:     e.Maturity(),
		Months:       months,
	}, nil
}
