/*
Package factory provides JSON to Go scheme template conversion.

PURPOSE:
  Converts JSON scheme template definitions into scheme.Template values and
  turns templates into enrollments. Retailers define plans in the admin UI;
  the factory validates them and applies defaults.

JSON SCHEMA:
  {
    "id": "swarna-11",
    "retailer_id": "ret-1",
    "name": "Swarna 11+1",
    "grade": "22K",
    "installment_amount": 5000,
    "duration_months": 11,
    "bonus_percentage": 100,
    "active": true
  }

NUMBERS:
  Amounts arrive as JSON numbers. They cross into decimal exactly once,
  here, and NaN or infinite values are rejected rather than zeroed.

USAGE:
  f := factory.NewSchemeFactory()
  tmpl, err := f.ParseTemplate(jsonString)
  enrollment, err := f.Enroll(tmpl, "cust-1", time.Now())

SEE ALSO:
  - scheme/template.go: Template type and validation
  - api/scenarios.go: Uses Presets for demo data
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/scheme-engine/scheme"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TemplateJSON is the JSON representation of a scheme template.
type TemplateJSON struct {
	ID                string  `json:"id,omitempty"`
	RetailerID        string  `json:"retailer_id"`
	Name              string  `json:"name"`
	Grade             string  `json:"grade"`
	InstallmentAmount float64 `json:"installment_amount"`
	DurationMonths    int     `json:"duration_months"`
	BonusPercentage   float64 `json:"bonus_percentage,omitempty"`
	Active            *bool   `json:"active,omitempty"` // Default true
}

// =============================================================================
// SCHEME FACTORY
// =============================================================================

// SchemeFactory converts JSON templates to Go structs.
type SchemeFactory struct {
	// NewID generates template and enrollment IDs. Defaults to UUIDv4.
	NewID func() string
}

// NewSchemeFactory creates a new scheme factory.
func NewSchemeFactory() *SchemeFactory {
	return &SchemeFactory{NewID: uuid.NewString}
}

func (f *SchemeFactory) newID() string {
	if f.NewID == nil {
		return uuid.NewString()
	}
	return f.NewID()
}

// ParseTemplate parses a JSON string into a Template.
func (f *SchemeFactory) ParseTemplate(jsonStr string) (scheme.Template, error) {
	var tj TemplateJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return scheme.Template{}, fmt.Errorf("failed to parse template JSON: %w", err)
	}
	return f.FromJSON(tj)
}

// FromJSON converts TemplateJSON to a validated scheme.Template.
func (f *SchemeFactory) FromJSON(tj TemplateJSON) (scheme.Template, error) {
	grade, err := scheme.ParseGrade(tj.Grade)
	if err != nil {
		return scheme.Template{}, err
	}
	amount, err := scheme.DecimalFromFloat("installment_amount", tj.InstallmentAmount)
	if err != nil {
		return scheme.Template{}, err
	}
	bonus, err := scheme.DecimalFromFloat("bonus_percentage", tj.BonusPercentage)
	if err != nil {
		return scheme.Template{}, err
	}

	t := scheme.Template{
		ID:                tj.ID,
		RetailerID:        scheme.RetailerID(tj.RetailerID),
		Name:              tj.Name,
		Grade:             grade,
		InstallmentAmount: amount,
		DurationMonths:    tj.DurationMonths,
		BonusPercentage:   bonus,
		Active:            true,
	}
	if tj.Active != nil {
		t.Active = *tj.Active
	}
	if t.ID == "" {
		t.ID = f.newID()
	}
	if err := t.Validate(); err != nil {
		return scheme.Template{}, err
	}
	return t, nil
}

// ToJSON converts a Template to TemplateJSON.
func (f *SchemeFactory) ToJSON(t scheme.Template) TemplateJSON {
	amount, _ := t.InstallmentAmount.Float64()
	bonus, _ := t.BonusPercentage.Float64()
	active := t.Active
	return TemplateJSON{
		ID:                t.ID,
		RetailerID:        string(t.RetailerID),
		Name:              t.Name,
		Grade:             string(t.Grade),
		InstallmentAmount: amount,
		DurationMonths:    t.DurationMonths,
		BonusPercentage:   bonus,
		Active:            &active,
	}
}

// Enroll creates an ACTIVE enrollment for a customer on the template's terms.
func (f *SchemeFactory) Enroll(t scheme.Template, customerID scheme.CustomerID, createdAt time.Time) (scheme.Enrollment, error) {
	return t.NewEnrollment(scheme.EnrollmentID(f.newID()), customerID, createdAt)
}

// =============================================================================
// PRESETS
// =============================================================================

// Presets returns the plans most retailers start with.
func Presets(retailerID scheme.RetailerID) []TemplateJSON {
	return []TemplateJSON{
		{ID: "swarna-11", RetailerID: string(retailerID), Name: "Swarna 11+1", Grade: "22K",
			InstallmentAmount: 5000, DurationMonths: 11, BonusPercentage: 100},
		{ID: "gold-12", RetailerID: string(retailerID), Name: "Gold Saver 12", Grade: "24K",
			InstallmentAmount: 10000, DurationMonths: 12, BonusPercentage: 50},
		{ID: "rose-6", RetailerID: string(retailerID), Name: "Rose 18K Six", Grade: "18K",
			InstallmentAmount: 3000, DurationMonths: 6},
		{ID: "silver-12", RetailerID: string(retailerID), Name: "Silver Saver", Grade: "SILVER",
			InstallmentAmount: 1000, DurationMonths: 12, BonusPercentage: 25},
	}
}
