/*
summary.go - Ledger aggregation for dashboards

PURPOSE:
  Folds payment streams into display totals: money paid and grams held,
  optionally per grade, plus overdue dues across many enrollments and the
  current value of holdings.

GRADE ATTRIBUTION:
  A payment carries no grade. It takes the grade of the enrollment it
  belongs to, so grouping by grade needs the enrollments as well.

EXCLUSION:
  Only SUCCESS payments are folded. PENDING and FAILED payments are absent
  from every total, and a grade with no successful payments has no row.
*/
package scheme

import (
	"time"

	"github.com/shopspring/decimal"
)

// GroupBy selects how Summarize partitions its totals.
type GroupBy string

const (
	GroupByNone  GroupBy = "none"
	GroupByGrade GroupBy = "grade"
)

// ParseGroupBy accepts "grade" or "none"; empty means none.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case "", GroupByNone:
		return GroupByNone, nil
	case GroupByGrade:
		return GroupByGrade, nil
	}
	return "", &InvalidInputError{Field: "group_by", Value: s, Reason: "must be grade or none"}
}

// Totals is the aggregate of a set of successful payments.
type Totals struct {
	Paid         decimal.Decimal
	Grams        decimal.Decimal
	PrimaryPaid  decimal.Decimal
	TopUpPaid    decimal.Decimal
	PaymentCount int
}

func zeroTotals() Totals {
	return Totals{Paid: decimal.Zero, Grams: decimal.Zero, PrimaryPaid: decimal.Zero, TopUpPaid: decimal.Zero}
}

func (t *Totals) add(p Payment) {
	t.Paid = t.Paid.Add(p.Amount)
	t.Grams = t.Grams.Add(p.GramsAllocated)
	if p.Kind == KindTopUp {
		t.TopUpPaid = t.TopUpPaid.Add(p.Amount)
	} else {
		t.PrimaryPaid = t.PrimaryPaid.Add(p.Amount)
	}
	t.PaymentCount++
}

// GradeTotals is one row of a per-grade breakdown.
type GradeTotals struct {
	Grade Grade
	Totals
}

// Summary is the result of Summarize. ByGrade is nil unless grouping by
// grade, and is ordered as Grades.
type Summary struct {
	GroupBy GroupBy
	Totals
	ByGrade []GradeTotals
}

// Summarize folds successful payments into totals.
func Summarize(payments []Payment, enrollments []Enrollment, groupBy GroupBy) (Summary, error) {
	if groupBy == "" {
		groupBy = GroupByNone
	}
	if groupBy != GroupByNone && groupBy != GroupByGrade {
		return Summary{}, &InvalidInputError{Field: "group_by", Value: groupBy, Reason: "must be grade or none"}
	}

	grades := make(map[EnrollmentID]Grade, len(enrollments))
	for _, e := range enrollments {
		grades[e.ID] = e.Grade
	}

	sum := Summary{GroupBy: groupBy, Totals: zeroTotals()}
	perGrade := make(map[Grade]*Totals)
	for _, p := range payments {
		if !p.Counts() {
			continue
		}
		sum.add(p)
		if groupBy != GroupByGrade {
			continue
		}
		g, ok := grades[p.EnrollmentID]
		if !ok {
			return Summary{}, &InvalidInputError{Field: "payment.enrollment_id", Value: p.EnrollmentID,
				Reason: "no enrollment supplied to attribute a grade"}
		}
		t, ok := perGrade[g]
		if !ok {
			z := zeroTotals()
			t = &z
			perGrade[g] = t
		}
		t.add(p)
	}

	if groupBy == GroupByGrade {
		sum.ByGrade = []GradeTotals{}
		for _, g := range Grades {
			if t, ok := perGrade[g]; ok {
				sum.ByGrade = append(sum.ByGrade, GradeTotals{Grade: g, Totals: *t})
			}
		}
	}
	return sum, nil
}

// =============================================================================
// DUES OUTSTANDING - Overdue commitments across a retailer's enrollments
// =============================================================================

// GradeDues is the overdue commitment of one grade.
type GradeDues struct {
	Grade         Grade
	Outstanding   decimal.Decimal
	OverdueMonths int
}

// DuesSummary aggregates overdue billing months for a dashboard.
type DuesSummary struct {
	AsOf               time.Time
	Outstanding        decimal.Decimal
	OverdueMonths      int
	OverdueEnrollments int
	PendingMonths      int
	PaidMonths         int
	ByGrade            []GradeDues
}

// SummarizeDues classifies every active enrollment at asOf and totals the
// commitment of its OVERDUE months. payments may mix enrollments; each
// payment must belong to one of the supplied enrollments.
func SummarizeDues(enrollments []Enrollment, payments []Payment, asOf time.Time) (DuesSummary, error) {
	byEnrollment := make(map[EnrollmentID][]Payment, len(enrollments))
	known := make(map[EnrollmentID]bool, len(enrollments))
	for _, e := range enrollments {
		known[e.ID] = true
	}
	for _, p := range payments {
		if !known[p.EnrollmentID] {
			return DuesSummary{}, &InvalidInputError{Field: "payment.enrollment_id", Value: p.EnrollmentID,
				Reason: "payment references an enrollment outside the set"}
		}
		byEnrollment[p.EnrollmentID] = append(byEnrollment[p.EnrollmentID], p)
	}

	out := DuesSummary{AsOf: asOf, Outstanding: decimal.Zero, ByGrade: []GradeDues{}}
	perGrade := make(map[Grade]*GradeDues)

	for _, e := range enrollments {
		if !e.IsActive() {
			continue
		}
		schedule, err := GenerateSchedule(e)
		if err != nil {
			return DuesSummary{}, err
		}
		statuses, err := Classify(schedule, byEnrollment[e.ID], asOf)
		if err != nil {
			return DuesSummary{}, err
		}

		overdue := 0
		for _, st := range statuses {
			switch st.Status {
			case BillingPaid:
				out.PaidMonths++
			case BillingPending:
				out.PendingMonths++
			case BillingOverdue:
				overdue++
			}
		}
		if overdue == 0 {
			continue
		}

		owed := e.CommitmentAmount.Mul(decimal.NewFromInt(int64(overdue)))
		out.OverdueEnrollments++
		out.OverdueMonths += overdue
		out.Outstanding = out.Outstanding.Add(owed)

		gd, ok := perGrade[e.Grade]
		if !ok {
			gd = &GradeDues{Grade: e.Grade, Outstanding: decimal.Zero}
			perGrade[e.Grade] = gd
		}
		gd.Outstanding = gd.Outstanding.Add(owed)
		gd.OverdueMonths += overdue
	}

	for _, g := range Grades {
		if gd, ok := perGrade[g]; ok {
			out.ByGrade = append(out.ByGrade, *gd)
		}
	}
	return out, nil
}

// =============================================================================
// HOLDINGS VALUATION
// =============================================================================

// HoldingValue is the current worth of the grams held in one grade.
type HoldingValue struct {
	Grade       Grade
	Grams       decimal.Decimal
	RatePerGram decimal.Decimal
	RateID      RateID
	Value       decimal.Decimal
}

// ValueHoldings prices each per-grade row of a grade-grouped summary at the
// supplied rates. A grade with holdings but no rate is an error, not zero.
func ValueHoldings(sum Summary, rates map[Grade]RateSnapshot) ([]HoldingValue, error) {
	if sum.GroupBy != GroupByGrade {
		return nil, &InvalidInputError{Field: "group_by", Value: sum.GroupBy, Reason: "holdings need a grade breakdown"}
	}
	out := make([]HoldingValue, 0, len(sum.ByGrade))
	for _, row := range sum.ByGrade {
		rate, ok := rates[row.Grade]
		if !ok {
			return nil, &RateNotFoundError{Grade: row.Grade, At: "valuation"}
		}
		out = append(out, HoldingValue{
			Grade:       row.Grade,
			Grams:       row.Grams,
			RatePerGram: rate.RatePerGram,
			RateID:      rate.ID,
			Value:       row.Grams.Mul(rate.RatePerGram).Round(2),
		})
	}
	return out, nil
}
