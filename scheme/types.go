/*
Package scheme provides the savings scheme ledger and eligibility engine.

PURPOSE:
  This package contains the domain types and pure algorithms for fixed-tenure
  gold/silver savings plans. A customer enrolls in a plan, commits to a
  monthly amount for a number of months, and every payment is converted to
  grams of metal at the rate in force when the money was received.

KEY CONCEPTS IN THIS FILE (types.go):
  - Grade: Metal purity (18K, 22K, 24K, SILVER) selecting the rate table
  - Enrollment: A customer's subscription to a plan
  - Payment: A single recorded money transfer with its rate snapshot
  - BillingMonth: One expected due period, derived from the enrollment
  - RateSnapshot: Rate per gram for a grade from an instant onwards
  - EligibilityResult: Redemption eligibility with accumulated totals

DESIGN PRINCIPLES:
  1. Pure functions: schedule, dues, eligibility and summaries never do I/O
  2. Precision: decimal.Decimal for money and grams, never float64
  3. Snapshots: grams are allocated once at payment time and never recomputed
  4. Loud failures: invalid numbers are errors, never silently zero

USAGE:
  schedule, err := scheme.GenerateSchedule(enrollment)
  dues, err := scheme.Classify(schedule, payments, time.Now())
  result, err := scheme.Evaluate(enrollment, payments, time.Now())

SEE ALSO:
  - allocation.go: Grams from amount and rate
  - schedule.go: Billing month generation
  - dues.go: Paid/pending/overdue classification
  - eligibility.go: Redemption eligibility
  - summary.go: Dashboard totals
*/
package scheme

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EnrollmentID string
type PaymentID string
type CustomerID string
type RetailerID string
type RateID string

// =============================================================================
// GRADE - Metal purity classification
// =============================================================================

// Grade selects which rate table a payment is priced against.
type Grade string

const (
	Grade18K    Grade = "18K"
	Grade22K    Grade = "22K"
	Grade24K    Grade = "24K"
	GradeSilver Grade = "SILVER"
)

// Grades lists every supported grade in display order.
var Grades = []Grade{Grade18K, Grade22K, Grade24K, GradeSilver}

// Valid reports whether g is a known grade.
func (g Grade) Valid() bool {
	switch g {
	case Grade18K, Grade22K, Grade24K, GradeSilver:
		return true
	}
	return false
}

// ParseGrade converts a string to a Grade, accepting lower case input.
func ParseGrade(s string) (Grade, error) {
	g := Grade(normalizeCode(s))
	if !g.Valid() {
		return "", &InvalidInputError{Field: "grade", Value: s, Reason: "unknown grade"}
	}
	return g, nil
}

func normalizeCode(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// =============================================================================
// ENROLLMENT - A customer's subscription to a savings plan
// =============================================================================

type EnrollmentStatus string

const (
	EnrollmentActive EnrollmentStatus = "ACTIVE"
	EnrollmentClosed EnrollmentStatus = "CLOSED"
)

// Enrollment is immutable once created except for Status, which only the
// redemption workflow changes.
type Enrollment struct {
	ID         EnrollmentID
	CustomerID CustomerID
	RetailerID RetailerID
	TemplateID string
	PlanName   string
	Grade      Grade

	// Amount the customer commits to pay every billing month
	CommitmentAmount decimal.Decimal
	TenureMonths     int

	CreatedAt time.Time

	// Optional explicit maturity. When nil, maturity is CreatedAt + TenureMonths.
	MaturityDate *time.Time

	Status EnrollmentStatus
}

// Maturity returns the explicit maturity date, or the creation date advanced
// by the tenure in calendar months. Always midnight UTC.
func (e Enrollment) Maturity() time.Time {
	if e.MaturityDate != nil {
		return StartOfDay(*e.MaturityDate)
	}
	return AddMonthsClamped(StartOfDay(e.CreatedAt), e.TenureMonths)
}

// RequiredPrincipal is the total of primary installments needed for redemption.
func (e Enrollment) RequiredPrincipal() decimal.Decimal {
	return e.CommitmentAmount.Mul(decimal.NewFromInt(int64(e.TenureMonths)))
}

// MaxTenureMonths bounds the tenure of a plan. Schedules are materialized
// month by month, so an unbounded tenure is an unbounded allocation.
const MaxTenureMonths = 1200

// Validate checks the structural invariants of the enrollment record.
func (e Enrollment) Validate() error {
	if e.TenureMonths <= 0 {
		return &InvalidEnrollmentError{EnrollmentID: e.ID, Reason: "tenure months must be positive"}
	}
	if e.TenureMonths > MaxTenureMonths {
		return &InvalidEnrollmentError{EnrollmentID: e.ID, Reason: fmt.Sprintf("tenure months exceeds %d", MaxTenureMonths)}
	}
	if !e.CommitmentAmount.IsPositive() {
		return &InvalidEnrollmentError{EnrollmentID: e.ID, Reason: "commitment amount must be positive"}
	}
	if e.CreatedAt.IsZero() {
		return &InvalidEnrollmentError{EnrollmentID: e.ID, Reason: "creation date is missing"}
	}
	if e.MaturityDate != nil && StartOfDay(*e.MaturityDate).Before(StartOfDay(e.CreatedAt)) {
		return &InvalidEnrollmentError{EnrollmentID: e.ID, Reason: "maturity date precedes creation date"}
	}
	return nil
}

// IsActive reports whether the enrollment still accepts payments.
func (e Enrollment) IsActive() bool { return e.Status == EnrollmentActive || e.Status == "" }

// =============================================================================
// PAYMENT - A single recorded money transfer
// =============================================================================

type PaymentKind string

const (
	KindPrimaryInstallment PaymentKind = "PRIMARY_INSTALLMENT"
	KindTopUp              PaymentKind = "TOP_UP"
)

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentPending PaymentStatus = "PENDING"
	PaymentFailed  PaymentStatus = "FAILED"
)

type PaymentMode string

const (
	ModeCash         PaymentMode = "CASH"
	ModeUPI          PaymentMode = "UPI"
	ModeCard         PaymentMode = "CARD"
	ModeBankTransfer PaymentMode = "BANK_TRANSFER"
)

type PaymentSource string

const (
	SourceStaffOffline   PaymentSource = "STAFF_OFFLINE"
	SourceCustomerOnline PaymentSource = "CUSTOMER_ONLINE"
)

// Payment is immutable once recorded. GramsAllocated is derived from Amount
// and RatePerGram exactly once, when the payment is created.
type Payment struct {
	ID           PaymentID
	EnrollmentID EnrollmentID

	Amount         decimal.Decimal
	RatePerGram    decimal.Decimal
	RateID         RateID
	GramsAllocated decimal.Decimal

	Kind   PaymentKind
	Status PaymentStatus
	Mode   PaymentMode
	Source PaymentSource

	PaidAt         time.Time
	IdempotencyKey string
}

// Counts reports whether the payment counts toward any total.
func (p Payment) Counts() bool { return p.Status == PaymentSuccess }

// IsPrimary reports whether the payment is a successful primary installment.
func (p Payment) IsPrimary() bool {
	return p.Status == PaymentSuccess && p.Kind == KindPrimaryInstallment
}

// =============================================================================
// BILLING MONTH - One expected due period (derived, not stored)
// =============================================================================

type BillingStatus string

const (
	BillingPending BillingStatus = "PENDING"
	BillingPaid    BillingStatus = "PAID"
	BillingOverdue BillingStatus = "OVERDUE"
)

type BillingMonth struct {
	EnrollmentID EnrollmentID
	Index        int    // 0-based position in the schedule
	Label        string // calendar month, "2006-01"
	DueDate      time.Time
	PrimaryPaid  bool
	Status       BillingStatus

	// AsOf is the instant Status and PrimaryPaid were derived for. Zero on
	// rows straight from the schedule generator.
	AsOf time.Time
}

// =============================================================================
// RATE SNAPSHOT - Externally supplied metal rate
// =============================================================================

type RateSnapshot struct {
	ID            RateID
	RetailerID    RetailerID
	Grade         Grade
	RatePerGram   decimal.Decimal
	EffectiveFrom time.Time
}

// =============================================================================
// ELIGIBILITY RESULT - Computed redemption eligibility
// =============================================================================

type EligibilityResult struct {
	EnrollmentID EnrollmentID
	Eligible     bool

	TotalGrams decimal.Decimal // all SUCCESS payments, any kind
	TotalPaid  decimal.Decimal // all SUCCESS payments, any kind

	PrimaryPaid       decimal.Decimal
	RequiredPrincipal decimal.Decimal
	Shortfall         decimal.Decimal // RequiredPrincipal - PrimaryPaid, never negative

	MaturityDate time.Time

	TenureMet    bool
	PrincipalMet bool
	GramsMet     bool

	// Instant at which every condition first held. Nil unless Eligible.
	EligibleSince *time.Time
}

// =============================================================================
// PARSING - Enum values arriving from the wire or from storage
// =============================================================================

// ParsePaymentKind accepts PRIMARY_INSTALLMENT or TOP_UP in any case.
func ParsePaymentKind(s string) (PaymentKind, error) {
	switch k := PaymentKind(normalizeCode(s)); k {
	case KindPrimaryInstallment, KindTopUp:
		return k, nil
	}
	return "", &InvalidInputError{Field: "kind", Value: s, Reason: "must be PRIMARY_INSTALLMENT or TOP_UP"}
}

// ParsePaymentStatus accepts SUCCESS, PENDING or FAILED in any case.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(normalizeCode(s)); st {
	case PaymentSuccess, PaymentPending, PaymentFailed:
		return st, nil
	}
	return "", &InvalidInputError{Field: "status", Value: s, Reason: "must be SUCCESS, PENDING or FAILED"}
}

// ParsePaymentMode accepts the supported tender types in any case.
func ParsePaymentMode(s string) (PaymentMode, error) {
	switch m := PaymentMode(normalizeCode(s)); m {
	case ModeCash, ModeUPI, ModeCard, ModeBankTransfer:
		return m, nil
	}
	return "", &InvalidInputError{Field: "mode", Value: s, Reason: "unknown payment mode"}
}

// ParsePaymentSource accepts STAFF_OFFLINE or CUSTOMER_ONLINE in any case.
func ParsePaymentSource(s string) (PaymentSource, error) {
	switch src := PaymentSource(normalizeCode(s)); src {
	case SourceStaffOffline, SourceCustomerOnline:
		return src, nil
	}
	return "", &InvalidInputError{Field: "source", Value: s, Reason: "unknown payment source"}
}
