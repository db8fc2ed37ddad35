/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the scheme domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

NUMBERS:
  Money, rates and grams are decimal.Decimal and serialize as JSON strings
  ("5000", "0.7999") so clients never see float rounding. Request bodies
  accept either a JSON number or a numeric string via json.Number.

DATES:
  Calendar dates are "2006-01-02", instants are RFC3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/scheme.go: TemplateJSON type
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/scheme-engine/factory"
	"github.com/warp/scheme-engine/scheme"
)

// =============================================================================
// TEMPLATES
// =============================================================================

// TemplateDTO represents a scheme template in API responses.
type TemplateDTO struct {
	factory.TemplateJSON
	BonusAmount decimal.Decimal `json:"bonus_amount"`
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

// CreateEnrollmentRequest enrolls a customer either from a template
// (template_id) or with explicit terms.
type CreateEnrollmentRequest struct {
	ID         string `json:"id,omitempty"`
	CustomerID string `json:"customer_id"`
	TemplateID string `json:"template_id,omitempty"`

	// Explicit terms, used when TemplateID is empty
	RetailerID       string      `json:"retailer_id,omitempty"`
	PlanName         string      `json:"plan_name,omitempty"`
	Grade            string      `json:"grade,omitempty"`
	CommitmentAmount json.Number `json:"commitment_amount,omitempty"`
	TenureMonths     int         `json:"tenure_months,omitempty"`

	CreatedAt    string `json:"created_at,omitempty"`    // defaults to now
	MaturityDate string `json:"maturity_date,omitempty"` // YYYY-MM-DD
}

// EnrollmentDTO represents an enrollment in API responses.
type EnrollmentDTO struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	RetailerID        string          `json:"retailer_id"`
	TemplateID        string          `json:"template_id,omitempty"`
	PlanName          string          `json:"plan_name,omitempty"`
	Grade             string          `json:"grade"`
	CommitmentAmount  decimal.Decimal `json:"commitment_amount"`
	TenureMonths      int             `json:"tenure_months"`
	RequiredPrincipal decimal.Decimal `json:"required_principal"`
	CreatedAt         string          `json:"created_at"`
	MaturityDate      string          `json:"maturity_date"`
	Status            string          `json:"status"`
}

// CloseEnrollmentRequest redeems or cancels an enrollment.
type CloseEnrollmentRequest struct {
	Reason string `json:"reason"` // redeemed (default) or cancelled
	AsOf   string `json:"as_of,omitempty"`
}

// =============================================================================
// BILLING
// =============================================================================

// BillingMonthDTO is one billing month.
type BillingMonthDTO struct {
	Index       int    `json:"index"`
	Label       string `json:"label"`
	DueDate     string `json:"due_date"`
	PrimaryPaid bool   `json:"primary_paid"`
	Status      string `json:"status"`
}

// DueStatusDTO is one classified billing month.
type DueStatusDTO struct {
	BillingMonthDTO
	DaysOverdue int              `json:"days_overdue,omitempty"`
	PaidBy      string           `json:"paid_by,omitempty"`
	PaidAmount  *decimal.Decimal `json:"paid_amount,omitempty"`
	PaidAt      string           `json:"paid_at,omitempty"`
	OnTime      bool             `json:"on_time,omitempty"`
}

// DuesResponse wraps classified months with their as-of instant.
type DuesResponse struct {
	EnrollmentID string         `json:"enrollment_id"`
	AsOf         string         `json:"as_of"`
	Months       []DueStatusDTO `json:"months"`
}

// MonthProgressDTO reports money received against one month's commitment.
type MonthProgressDTO struct {
	Label      string          `json:"label"`
	DueDate    string          `json:"due_date"`
	Commitment decimal.Decimal `json:"commitment"`
	Paid       decimal.Decimal `json:"paid"`
	Remaining  decimal.Decimal `json:"remaining"`
	Met        bool            `json:"met"`
}

// EligibilityDTO represents an eligibility evaluation.
type EligibilityDTO struct {
	EnrollmentID      string          `json:"enrollment_id"`
	AsOf              string          `json:"as_of"`
	Eligible          bool            `json:"eligible"`
	TotalGrams        decimal.Decimal `json:"total_grams"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	PrimaryPaid       decimal.Decimal `json:"primary_paid"`
	RequiredPrincipal decimal.Decimal `json:"required_principal"`
	Shortfall         decimal.Decimal `json:"shortfall"`
	MaturityDate      string          `json:"maturity_date"`
	TenureMet         bool            `json:"tenure_met"`
	PrincipalMet      bool            `json:"principal_met"`
	GramsMet          bool            `json:"grams_met"`
	EligibleSince     string          `json:"eligible_since,omitempty"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPaymentRequest records a payment against an enrollment.
type RecordPaymentRequest struct {
	ID             string      `json:"id,omitempty"`
	Amount         json.Number `json:"amount"`
	Kind           string      `json:"kind,omitempty"`   // PRIMARY_INSTALLMENT (default) or TOP_UP
	Status         string      `json:"status,omitempty"` // SUCCESS (default), PENDING, FAILED
	Mode           string      `json:"mode,omitempty"`
	Source         string      `json:"source,omitempty"`
	PaidAt         string      `json:"paid_at,omitempty"` // defaults to now
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID             string          `json:"id"`
	EnrollmentID   string          `json:"enrollment_id"`
	Amount         decimal.Decimal `json:"amount"`
	RatePerGram    decimal.Decimal `json:"rate_per_gram"`
	RateID         string          `json:"rate_id,omitempty"`
	GramsAllocated decimal.Decimal `json:"grams_allocated"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Mode           string          `json:"mode,omitempty"`
	Source         string          `json:"source,omitempty"`
	PaidAt         string          `json:"paid_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// =============================================================================
// RATES
// =============================================================================

// CreateRateRequest publishes a rate snapshot.
type CreateRateRequest struct {
	ID            string      `json:"id,omitempty"`
	RetailerID    string      `json:"retailer_id"`
	Grade         string      `json:"grade"`
	RatePerGram   json.Number `json:"rate_per_gram"`
	EffectiveFrom string      `json:"effective_from"`
}

// RateDTO represents a rate snapshot.
type RateDTO struct {
	ID            string          `json:"id"`
	RetailerID    string          `json:"retailer_id"`
	Grade         string          `json:"grade"`
	RatePerGram   decimal.Decimal `json:"rate_per_gram"`
	EffectiveFrom string          `json:"effective_from"`
}

// =============================================================================
// SUMMARIES
// =============================================================================

// TotalsDTO is one block of ledger totals.
type TotalsDTO struct {
	Grade        string          `json:"grade,omitempty"`
	Paid         decimal.Decimal `json:"paid"`
	Grams        decimal.Decimal `json:"grams"`
	PrimaryPaid  decimal.Decimal `json:"primary_paid"`
	TopUpPaid    decimal.Decimal `json:"top_up_paid"`
	PaymentCount int             `json:"payment_count"`
}

// SummaryDTO is the response of GET /api/summary.
type SummaryDTO struct {
	GroupBy  string            `json:"group_by"`
	Totals   TotalsDTO         `json:"totals"`
	ByGrade  []TotalsDTO       `json:"by_grade,omitempty"`
	Holdings []HoldingValueDTO `json:"holdings,omitempty"`
}

// HoldingValueDTO prices the grams of one grade. A grade with no rate
// published at the valuation instant is reported with Unpriced set and
// null rate and value.
type HoldingValueDTO struct {
	Grade       string              `json:"grade"`
	Grams       decimal.Decimal     `json:"grams"`
	RatePerGram decimal.NullDecimal `json:"rate_per_gram"`
	RateID      string              `json:"rate_id,omitempty"`
	Value       decimal.NullDecimal `json:"value"`
	Unpriced    bool                `json:"unpriced,omitempty"`
}

// DuesSummaryDTO is the response of GET /api/dashboard/dues.
type DuesSummaryDTO struct {
	AsOf               string          `json:"as_of"`
	Outstanding        decimal.Decimal `json:"outstanding"`
	OverdueMonths      int             `json:"overdue_months"`
	OverdueEnrollments int             `json:"overdue_enrollments"`
	PendingMonths      int             `json:"pending_months"`
	PaidMonths         int             `json:"paid_months"`
	ByGrade            []GradeDuesDTO  `json:"by_grade"`
}

// GradeDuesDTO is the overdue commitment of one grade.
type GradeDuesDTO struct {
	Grade         string          `json:"grade"`
	Outstanding   decimal.Decimal `json:"outstanding"`
	OverdueMonths int             `json:"overdue_months"`
}

// SweepDTO reports a manual sweep.
type SweepDTO struct {
	AsOf    string `json:"as_of"`
	Rebuilt int    `json:"rebuilt"`
	Overdue int    `json:"overdue"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatDate(t time.Time) string    { return t.UTC().Format(scheme.DateLayout) }
func formatInstant(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toEnrollmentDTO(e scheme.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:                string(e.ID),
		CustomerID:        string(e.CustomerID),
		RetailerID:        string(e.RetailerID),
		TemplateID:        e.TemplateID,
		PlanName:          e.PlanName,
		Grade:             string(e.Grade),
		CommitmentAmount:  e.CommitmentAmount,
		TenureMonths:      e.TenureMonths,
		RequiredPrincipal: e.RequiredPrincipal(),
		CreatedAt:         formatInstant(e.CreatedAt),
		MaturityDate:      formatDate(e.Maturity()),
		Status:            string(e.Status),
	}
}

func toBillingMonthDTO(m scheme.BillingMonth) BillingMonthDTO {
	return BillingMonthDTO{
		Index:       m.Index,
		Label:       m.Label,
		DueDate:     formatDate(m.DueDate),
		PrimaryPaid: m.PrimaryPaid,
		Status:      string(m.Status),
	}
}

func toDueStatusDTO(ds scheme.DueStatus) DueStatusDTO {
	dto := DueStatusDTO{
		BillingMonthDTO: toBillingMonthDTO(ds.Month),
		DaysOverdue:     ds.DaysOverdue,
		PaidBy:          string(ds.PaidBy),
		OnTime:          ds.OnTime,
	}
	dto.Status = string(ds.Status)
	if ds.Status == scheme.BillingPaid {
		amount := ds.PaidAmount
		dto.PaidAmount = &amount
	}
	if ds.PaidAt != nil {
		dto.PaidAt = formatInstant(*ds.PaidAt)
	}
	return dto
}

func toEligibilityDTO(res scheme.EligibilityResult, asOf time.Time) EligibilityDTO {
	dto := EligibilityDTO{
		EnrollmentID:      string(res.EnrollmentID),
		AsOf:              formatInstant(asOf),
		Eligible:          res.Eligible,
		TotalGrams:        res.TotalGrams,
		TotalPaid:         res.TotalPaid,
		PrimaryPaid:       res.PrimaryPaid,
		RequiredPrincipal: res.RequiredPrincipal,
		Shortfall:         res.Shortfall,
		MaturityDate:      formatDate(res.MaturityDate),
		TenureMet:         res.TenureMet,
		PrincipalMet:      res.PrincipalMet,
		GramsMet:          res.GramsMet,
	}
	if res.EligibleSince != nil {
		dto.EligibleSince = formatInstant(*res.EligibleSince)
	}
	return dto
}

func toPaymentDTO(p scheme.Payment) PaymentDTO {
	return PaymentDTO{
		ID:             string(p.ID),
		EnrollmentID:   string(p.EnrollmentID),
		Amount:         p.Amount,
		RatePerGram:    p.RatePerGram,
		RateID:         string(p.RateID),
		GramsAllocated: p.GramsAllocated,
		Kind:           string(p.Kind),
		Status:         string(p.Status),
		Mode:           string(p.Mode),
		Source:         string(p.Source),
		PaidAt:         formatInstant(p.PaidAt),
		IdempotencyKey: p.IdempotencyKey,
	}
}

func toRateDTO(r scheme.RateSnapshot) RateDTO {
	return RateDTO{
		ID:            string(r.ID),
		RetailerID:    string(r.RetailerID),
		Grade:         string(r.Grade),
		RatePerGram:   r.RatePerGram,
		EffectiveFrom: formatInstant(r.EffectiveFrom),
	}
}

func toTotalsDTO(grade scheme.Grade, t scheme.Totals) TotalsDTO {
	return TotalsDTO{
		Grade:        string(grade),
		Paid:         t.Paid,
		Grams:        t.Grams,
		PrimaryPaid:  t.PrimaryPaid,
		TopUpPaid:    t.TopUpPaid,
		PaymentCount: t.PaymentCount,
	}
}

func toSummaryDTO(sum scheme.Summary) SummaryDTO {
	dto := SummaryDTO{
		GroupBy: string(sum.GroupBy),
		Totals:  toTotalsDTO("", sum.Totals),
	}
	for _, g := range sum.ByGrade {
		dto.ByGrade = append(dto.ByGrade, toTotalsDTO(g.Grade, g.Totals))
	}
	return dto
}

func toDuesSummaryDTO(d scheme.DuesSummary) DuesSummaryDTO {
	dto := DuesSummaryDTO{
		AsOf:               formatInstant(d.AsOf),
		Outstanding:        d.Outstanding,
		OverdueMonths:      d.OverdueMonths,
		OverdueEnrollments: d.OverdueEnrollments,
		PendingMonths:      d.PendingMonths,
		PaidMonths:         d.PaidMonths,
		ByGrade:            []GradeDuesDTO{},
	}
	for _, g := range d.ByGrade {
		dto.ByGrade = append(dto.ByGrade, GradeDuesDTO{
			Grade:         string(g.Grade),
			Outstanding:   g.Outstanding,
			OverdueMonths: g.OverdueMonths,
		})
	}
	return dto
}
