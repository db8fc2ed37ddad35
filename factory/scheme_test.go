package factory_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/scheme-engine/factory"
	"github.com/warp/scheme-engine/scheme"
)

func TestParseTemplate_Defaults(t *testing.T) {
	f := factory.NewSchemeFactory()
	f.NewID = func() string { return "generated" }

	tmpl, err := f.ParseTemplate(`{
		"retailer_id": "ret-1",
		"name": "Swarna 11+1",
		"grade": "22k",
		"installment_amount": 5000,
		"duration_months": 11,
		"bonus_percentage": 100
	}`)
	require.NoError(t, err)

	assert.Equal(t, "generated", tmpl.ID)
	assert.Equal(t, scheme.Grade22K, tmpl.Grade)
	assert.True(t, tmpl.InstallmentAmount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, 11, tmpl.DurationMonths)
	assert.True(t, tmpl.Active)
	assert.True(t, tmpl.Bonus().Equal(decimal.NewFromInt(5000)))
}

func TestParseTemplate_Rejects(t *testing.T) {
	f := factory.NewSchemeFactory()
	cases := map[string]string{
		"bad json":        `{`,
		"unknown grade":   `{"name":"x","grade":"14K","installment_amount":1,"duration_months":1}`,
		"zero amount":     `{"name":"x","grade":"22K","installment_amount":0,"duration_months":1}`,
		"zero duration":   `{"name":"x","grade":"22K","installment_amount":100,"duration_months":0}`,
		"missing name":    `{"grade":"22K","installment_amount":100,"duration_months":3}`,
		"negative bonus":  `{"name":"x","grade":"22K","installment_amount":100,"duration_months":3,"bonus_percentage":-1}`,
		"negative amount": `{"name":"x","grade":"22K","installment_amount":-100,"duration_months":3}`,
		"huge duration":   `{"name":"x","grade":"22K","installment_amount":100,"duration_months":1201}`,
	}
	for name, js := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseTemplate(js)
			assert.Error(t, err)
		})
	}

	_, err := f.ParseTemplate(`{"name":"x","grade":"22K","installment_amount":0,"duration_months":1}`)
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)

	_, err = f.ParseTemplate(`{"name":"x","grade":"22K","installment_amount":100,"duration_months":9223372036854775807}`)
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}

func TestEnroll_CopiesTemplateTerms(t *testing.T) {
	f := factory.NewSchemeFactory()
	n := 0
	f.NewID = func() string { n++; return fmt.Sprintf("id-%d", n) }

	tmpl, err := f.FromJSON(factory.Presets("ret-9")[0])
	require.NoError(t, err)

	created := time.Date(2024, time.January, 31, 15, 0, 0, 0, time.UTC)
	e, err := f.Enroll(tmpl, "cust-7", created)
	require.NoError(t, err)

	assert.Equal(t, scheme.EnrollmentID("id-1"), e.ID)
	assert.Equal(t, scheme.RetailerID("ret-9"), e.RetailerID)
	assert.Equal(t, "swarna-11", e.TemplateID)
	assert.Equal(t, scheme.Grade22K, e.Grade)
	assert.Equal(t, 11, e.TenureMonths)
	assert.Equal(t, scheme.EnrollmentActive, e.Status)
	assert.Equal(t, time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC), e.Maturity())
}

func TestEnroll_InactiveTemplateRejected(t *testing.T) {
	f := factory.NewSchemeFactory()
	inactive := false
	tj := factory.Presets("ret-1")[1]
	tj.Active = &inactive

	tmpl, err := f.FromJSON(tj)
	require.NoError(t, err)

	_, err = f.Enroll(tmpl, "cust-1", time.Now())
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)

	_, err = f.Enroll(scheme.Template{Active: true}, "", time.Now())
	assert.ErrorIs(t, err, scheme.ErrInvalidInput)
}

func TestPresets_AllValid(t *testing.T) {
	f := factory.NewSchemeFactory()
	for _, tj := range factory.Presets("ret-1") {
		tmpl, err := f.FromJSON(tj)
		require.NoError(t, err, tj.ID)

		back := f.ToJSON(tmpl)
		assert.Equal(t, tj.ID, back.ID)
		assert.Equal(t, tj.InstallmentAmount, back.InstallmentAmount)
	}
}
