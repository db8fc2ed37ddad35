package scheme_test

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/scheme-engine/scheme"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func enrollment(id string, created time.Time, commitment string, tenure int) scheme.Enrollment {
	return scheme.Enrollment{
		ID:               scheme.EnrollmentID(id),
		CustomerID:       "cust-1",
		RetailerID:       "ret-1",
		PlanName:         "Gold 12",
		Grade:            scheme.Grade22K,
		CommitmentAmount: dec(commitment),
		TenureMonths:     tenure,
		CreatedAt:        created,
		Status:           scheme.EnrollmentActive,
	}
}

func primary(enrollmentID, id string, at time.Time, amount, grams string) scheme.Payment {
	return scheme.Payment{
		ID:             scheme.PaymentID(id),
		EnrollmentID:   scheme.EnrollmentID(enrollmentID),
		Amount:         dec(amount),
		RatePerGram:    dec("7000"),
		GramsAllocated: dec(grams),
		Kind:           scheme.KindPrimaryInstallment,
		Status:         scheme.PaymentSuccess,
		Mode:           scheme.ModeCash,
		Source:         scheme.SourceStaffOffline,
		PaidAt:         at,
		IdempotencyKey: id,
	}
}

func topUp(enrollmentID, id string, at time.Time, amount, grams string) scheme.Payment {
	p := primary(enrollmentID, id, at, amount, grams)
	p.Kind = scheme.KindTopUp
	return p
}

func withStatus(p scheme.Payment, status scheme.PaymentStatus) scheme.Payment {
	p.Status = status
	return p
}

// monthlyPayments pays amount on each of the first n due dates.
func monthlyPayments(e scheme.Enrollment, n int, amount, grams string) []scheme.Payment {
	anchor := scheme.StartOfDay(e.CreatedAt)
	out := make([]scheme.Payment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, primary(string(e.ID), fmt.Sprintf("p-%02d", i), scheme.AddMonthsClamped(anchor, i), amount, grams))
	}
	return out
}
