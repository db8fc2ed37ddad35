/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Template and enrollment creation
- Payment recording (rate snapshot, idempotency, closed enrollments)
- Dues, progress and eligibility as of a pinned instant
- Redemption and cancellation
- Summaries, dues dashboard and sweep
- Middleware: rate limiting, health and metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/scheme-engine/factory"
	"github.com/warp/scheme-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.April, 20, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store)
	h.Now = func() time.Time { return testNow }
	h.Ledger.Now = h.Now
	return h
}

func newTestRouter(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	h := newTestHandler(t)
	return h, NewRouter(h, RouterOptions{})
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seedPlan publishes a 22K rate from 2024-12-01 and enrolls cust-1 on an
// 11-month, 5000/month plan created 2025-01-10.
func seedPlan(t *testing.T, router http.Handler) EnrollmentDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/rates", map[string]any{
		"id": "r-dec", "retailer_id": "ret-1", "grade": "22K",
		"rate_per_gram": 6600, "effective_from": "2024-12-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/enrollments", map[string]any{
		"id": "enr-1", "customer_id": "cust-1", "retailer_id": "ret-1", "plan_name": "Swarna",
		"grade": "22K", "commitment_amount": 5000, "tenure_months": 11, "created_at": "2025-01-10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[EnrollmentDTO](t, rec)
}

func pay(t *testing.T, router http.Handler, key, paidAt string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/enrollments/enr-1/payments", map[string]any{
		"amount": 5000, "paid_at": paidAt, "idempotency_key": key,
	})
}

// =============================================================================
// TEMPLATES AND ENROLLMENTS
// =============================================================================

func TestTemplates_CreateAndList(t *testing.T) {
	_, router := newTestRouter(t)

	// GIVEN: The preset templates of a retailer
	for _, tj := range factory.Presets("ret-1") {
		rec := do(t, router, http.MethodPost, "/api/templates", tj)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	// WHEN: Listing them
	rec := do(t, router, http.MethodGet, "/api/templates?retailer_id=ret-1", nil)

	// THEN: All are returned with their maturity bonus
	require.Equal(t, http.StatusOK, rec.Code)
	templates := decode[[]TemplateDTO](t, rec)
	require.Len(t, templates, 4)
	for _, tmpl := range templates {
		if tmpl.ID == "swarna-11" {
			assert.True(t, tmpl.BonusAmount.Equal(dec("5000")), "bonus %s", tmpl.BonusAmount)
		}
	}
}

func TestTemplates_RejectsUnknownGrade(t *testing.T) {
	_, router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/templates", map[string]any{
		"retailer_id": "ret-1", "name": "Platinum", "grade": "PT950",
		"installment_amount": 1000, "duration_months": 6,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollment_FromTemplateCopiesTerms(t *testing.T) {
	_, router := newTestRouter(t)

	// GIVEN: A saved template
	rec := do(t, router, http.MethodPost, "/api/templates", factory.Presets("ret-1")[1])
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Enrolling from it
	rec = do(t, router, http.MethodPost, "/api/enrollments", map[string]any{
		"customer_id": "cust-9", "template_id": "gold-12", "created_at": "2025-01-31",
	})

	// THEN: The enrollment carries the template's terms
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	e := decode[EnrollmentDTO](t, rec)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "gold-12", e.TemplateID)
	assert.Equal(t, "24K", e.Grade)
	assert.Equal(t, 12, e.TenureMonths)
	assert.True(t, e.RequiredPrincipal.Equal(dec("120000")))
	assert.Equal(t, "2026-01-31", e.MaturityDate)
	assert.Equal(t, "ACTIVE", e.Status)
}

func TestEnrollment_Validation(t *testing.T) {
	_, router := newTestRouter(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"unknown template", map[string]any{"customer_id": "c", "template_id": "nope"}, http.StatusNotFound},
		{"missing customer", map[string]any{"retailer_id": "r", "grade": "22K", "commitment_amount": 100, "tenure_months": 3}, http.StatusBadRequest},
		{"bad grade", map[string]any{"customer_id": "c", "retailer_id": "r", "grade": "9K", "commitment_amount": 100, "tenure_months": 3}, http.StatusBadRequest},
		{"zero commitment", map[string]any{"customer_id": "c", "retailer_id": "r", "grade": "22K", "commitment_amount": 0, "tenure_months": 3}, http.StatusBadRequest},
		{"zero tenure", map[string]any{"customer_id": "c", "retailer_id": "r", "grade": "22K", "commitment_amount": 100, "tenure_months": 0}, http.StatusBadRequest},
		{"tenure past limit", map[string]any{"customer_id": "c", "retailer_id": "r", "grade": "22K", "commitment_amount": 100, "tenure_months": 1201}, http.StatusBadRequest},
		{"max int tenure", map[string]any{"customer_id": "c", "retailer_id": "r", "grade": "22K", "commitment_amount": 100, "tenure_months": int64(math.MaxInt64)}, http.StatusBadRequest},
		{"maturity before creation", map[string]any{"customer_id": "c", "retailer_id": "r", "grade": "22K", "commitment_amount": 100,
			"tenure_months": 3, "created_at": "2025-03-01", "maturity_date": "2025-01-01"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/enrollments", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestEnrollment_NotFound(t *testing.T) {
	_, router := newTestRouter(t)

	for _, path := range []string{"/api/enrollments/ghost", "/api/enrollments/ghost/dues", "/api/enrollments/ghost/payments"} {
		rec := do(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestSchedule_ClampsToMonthEnd(t *testing.T) {
	_, router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/enrollments", map[string]any{
		"id": "enr-leap", "customer_id": "c", "retailer_id": "r", "grade": "22K",
		"commitment_amount": 100, "tenure_months": 3, "created_at": "2024-01-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/enrollments/enr-leap/schedule", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	months := decode[[]BillingMonthDTO](t, rec)
	require.Len(t, months, 3)
	assert.Equal(t, "2024-01-31", months[0].DueDate)
	assert.Equal(t, "2024-02-29", months[1].DueDate)
	assert.Equal(t, "2024-03-31", months[2].DueDate)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_SnapshotsRateAndAllocatesGrams(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	// WHEN: Recording 5000 at 6600/g
	rec := pay(t, router, "k-1", "2025-01-10T09:00:00Z")

	// THEN: Grams are rounded half-up to four places and the rate is kept
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[PaymentDTO](t, rec)
	assert.True(t, p.GramsAllocated.Equal(dec("0.7576")), "grams %s", p.GramsAllocated)
	assert.True(t, p.RatePerGram.Equal(dec("6600")))
	assert.Equal(t, "r-dec", p.RateID)
	assert.Equal(t, "PRIMARY_INSTALLMENT", p.Kind)
	assert.Equal(t, "SUCCESS", p.Status)

	// AND: A later rate does not change the recorded payment
	rec = do(t, router, http.MethodPost, "/api/rates", map[string]any{
		"retailer_id": "ret-1", "grade": "22K", "rate_per_gram": 7000, "effective_from": "2025-02-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/enrollments/enr-1/payments", nil)
	payments := decode[[]PaymentDTO](t, rec)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].GramsAllocated.Equal(dec("0.7576")))
}

func TestRecordPayment_DuplicateIdempotencyKey(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)

	rec := pay(t, router, "k-1", "2025-02-10T09:00:00Z")

	assert.Equal(t, http.StatusConflict, rec.Code)
	payments := decode[[]PaymentDTO](t, do(t, router, http.MethodGet, "/api/enrollments/enr-1/payments", nil))
	assert.Len(t, payments, 1)
}

func TestRecordPayment_Rejections(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"zero amount", map[string]any{"amount": 0}, http.StatusBadRequest},
		{"negative amount", map[string]any{"amount": -5}, http.StatusBadRequest},
		{"unknown kind", map[string]any{"amount": 10, "kind": "GIFT"}, http.StatusBadRequest},
		{"bad paid_at", map[string]any{"amount": 10, "paid_at": "yesterday"}, http.StatusBadRequest},
		{"no rate in force", map[string]any{"amount": 10, "paid_at": "2024-06-01"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/enrollments/enr-1/payments", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRecordPayment_DefaultsPaidAtToNow(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	rec := do(t, router, http.MethodPost, "/api/enrollments/enr-1/payments", map[string]any{"amount": "1250.50", "kind": "TOP_UP"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[PaymentDTO](t, rec)
	assert.Equal(t, formatInstant(testNow), p.PaidAt)
	assert.True(t, p.Amount.Equal(dec("1250.50")))
}

// =============================================================================
// DUES, PROGRESS, ELIGIBILITY
// =============================================================================

func TestDues_PaidPendingOverdue(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	// GIVEN: January and February paid
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-2", "2025-02-11T09:00:00Z").Code)

	// WHEN: Classifying as of 2025-04-20
	rec := do(t, router, http.MethodGet, "/api/enrollments/enr-1/dues?as_of=2025-04-20", nil)

	// THEN: March and April are overdue, May onwards pending
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dues := decode[DuesResponse](t, rec)
	require.Len(t, dues.Months, 11)
	want := []string{"PAID", "PAID", "OVERDUE", "OVERDUE", "PENDING"}
	for i, status := range want {
		assert.Equal(t, status, dues.Months[i].Status, "month %d", i)
	}
	assert.Equal(t, 41, dues.Months[2].DaysOverdue)
	assert.Equal(t, 10, dues.Months[3].DaysOverdue)
	assert.True(t, dues.Months[0].OnTime)
}

func TestDues_AsOfInThePastIgnoresLaterPayments(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)

	rec := do(t, router, http.MethodGet, "/api/enrollments/enr-1/dues?as_of=2025-01-09", nil)

	dues := decode[DuesResponse](t, rec)
	assert.Equal(t, "PENDING", dues.Months[0].Status)
}

func TestDues_InvalidAsOf(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	rec := do(t, router, http.MethodGet, "/api/enrollments/enr-1/dues?as_of=soon", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgress_PartialPaymentsAddUp(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	for paidAt, amount := range map[string]string{"2025-01-12T10:00:00Z": "2000", "2025-01-13T10:00:00Z": "3000"} {
		rec := do(t, router, http.MethodPost, "/api/enrollments/enr-1/payments", map[string]any{
			"amount": amount, "paid_at": paidAt,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(t, router, http.MethodGet, "/api/enrollments/enr-1/progress", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[[]MonthProgressDTO](t, rec)
	assert.True(t, progress[0].Paid.Equal(dec("5000")))
	assert.True(t, progress[0].Met)
	assert.True(t, progress[1].Remaining.Equal(dec("5000")))
}

func TestEligibility_BeforeMaturity(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)

	rec := do(t, router, http.MethodGet, "/api/enrollments/enr-1/eligibility", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[EligibilityDTO](t, rec)
	assert.False(t, res.Eligible)
	assert.False(t, res.TenureMet)
	assert.False(t, res.PrincipalMet)
	assert.True(t, res.GramsMet)
	assert.True(t, res.Shortfall.Equal(dec("50000")))
	assert.Equal(t, "2025-12-10", res.MaturityDate)
	assert.Empty(t, res.EligibleSince)
}

func TestClose_RedemptionRequiresEligibility(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	// WHEN: Redeeming an enrollment that has not matured
	rec := do(t, router, http.MethodPost, "/api/enrollments/enr-1/close", map[string]any{"reason": "redeemed"})

	// THEN: It is refused with the evaluation attached
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "eligibility")

	e := decode[EnrollmentDTO](t, do(t, router, http.MethodGet, "/api/enrollments/enr-1", nil))
	assert.Equal(t, "ACTIVE", e.Status)
}

func TestClose_RedeemsWhenEligible(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	for i := 0; i < 11; i++ {
		paidAt := time.Date(2025, time.January+time.Month(i), 10, 9, 0, 0, 0, time.UTC)
		rec := pay(t, router, "k-"+paidAt.Format("01"), paidAt.Format(time.RFC3339))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(t, router, http.MethodGet, "/api/enrollments/enr-1/eligibility?as_of=2025-12-10", nil)
	res := decode[EligibilityDTO](t, rec)
	require.True(t, res.Eligible)
	assert.Equal(t, "2025-12-10T00:00:00Z", res.EligibleSince)

	rec = do(t, router, http.MethodPost, "/api/enrollments/enr-1/close", map[string]any{"as_of": "2025-12-11"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CLOSED", decode[EnrollmentDTO](t, rec).Status)
}

func TestClose_CancelThenPaymentsRejected(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	rec := do(t, router, http.MethodPost, "/api/enrollments/enr-1/close", map[string]any{"reason": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = pay(t, router, "k-late", "2025-04-10T09:00:00Z")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/enrollments/enr-1/close", map[string]any{"reason": "cancelled"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClose_UnknownReason(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	rec := do(t, router, http.MethodPost, "/api/enrollments/enr-1/close", map[string]any{"reason": "lost"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RATES
// =============================================================================

func TestRates_CurrentPicksLatestEffective(t *testing.T) {
	_, router := newTestRouter(t)
	for _, body := range []map[string]any{
		{"id": "a", "retailer_id": "ret-1", "grade": "24K", "rate_per_gram": 7000, "effective_from": "2025-01-01"},
		{"id": "b", "retailer_id": "ret-1", "grade": "24K", "rate_per_gram": 7100, "effective_from": "2025-04-01"},
		{"id": "c", "retailer_id": "ret-1", "grade": "24K", "rate_per_gram": 7300, "effective_from": "2025-05-01"},
	} {
		require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/rates", body).Code)
	}

	rec := do(t, router, http.MethodGet, "/api/rates/current?retailer_id=ret-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	rates := decode[[]RateDTO](t, rec)
	require.Len(t, rates, 1)
	assert.Equal(t, "b", rates[0].ID)

	history := decode[[]RateDTO](t, do(t, router, http.MethodGet, "/api/rates?retailer_id=ret-1", nil))
	assert.Len(t, history, 3)
}

func TestRates_RejectsNonPositive(t *testing.T) {
	_, router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/rates", map[string]any{
		"retailer_id": "ret-1", "grade": "24K", "rate_per_gram": 0, "effective_from": "2025-01-01",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// DASHBOARDS
// =============================================================================

func TestSummary_ByGradeWithHoldings(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-2", "2025-02-10T09:00:00Z").Code)

	rec := do(t, router, http.MethodGet, "/api/summary?customer_id=cust-1&group_by=grade&value=true", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[SummaryDTO](t, rec)
	assert.True(t, sum.Totals.Paid.Equal(dec("10000")))
	assert.True(t, sum.Totals.Grams.Equal(dec("1.5152")))
	require.Len(t, sum.ByGrade, 1)
	assert.Equal(t, "22K", sum.ByGrade[0].Grade)
	require.Len(t, sum.Holdings, 1)
	assert.True(t, sum.Holdings[0].Value.Decimal.Equal(dec("10000.32")), "value %s", sum.Holdings[0].Value.Decimal)
	assert.False(t, sum.Holdings[0].Unpriced)
}

func TestSummary_RequiresScope(t *testing.T) {
	_, router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/summary", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuesDashboard_TotalsOverdue(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)

	rec := do(t, router, http.MethodGet, "/api/dashboard/dues?retailer_id=ret-1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decode[DuesSummaryDTO](t, rec)
	// February, March and April are overdue on 2025-04-20.
	assert.Equal(t, 3, d.OverdueMonths)
	assert.Equal(t, 1, d.OverdueEnrollments)
	assert.True(t, d.Outstanding.Equal(dec("15000")))
}

func TestSweep_RebuildsBillingMonths(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	rec := do(t, router, http.MethodPost, "/api/admin/sweep", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[SweepDTO](t, rec)
	assert.Equal(t, 1, res.Rebuilt)
	assert.Equal(t, 4, res.Overdue)
	assert.Empty(t, res.Error)

	months := decode[[]BillingMonthDTO](t, do(t, router, http.MethodGet, "/api/enrollments/enr-1/billing-months", nil))
	require.Len(t, months, 11)
	assert.Equal(t, "OVERDUE", months[0].Status)
	assert.Equal(t, "PENDING", months[10].Status)
}

func TestBillingMonths_FutureAsOfDoesNotLeakIntoLaterReads(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)

	// GIVEN: Billing months read as of a date long after maturity
	future := decode[[]BillingMonthDTO](t, do(t, router, http.MethodGet, "/api/enrollments/enr-1/billing-months?as_of=2099-01-01", nil))
	require.Len(t, future, 11)
	assert.Equal(t, "OVERDUE", future[10].Status)

	// WHEN: Reading them again as of today
	months := decode[[]BillingMonthDTO](t, do(t, router, http.MethodGet, "/api/enrollments/enr-1/billing-months", nil))

	// THEN: Only the four months already due are overdue, as the dues view says
	dues := decode[DuesResponse](t, do(t, router, http.MethodGet, "/api/enrollments/enr-1/dues", nil))
	require.Len(t, months, len(dues.Months))
	overdue := 0
	for i, m := range months {
		assert.Equal(t, dues.Months[i].Status, m.Status, "month %d", i)
		if m.Status == "OVERDUE" {
			overdue++
		}
	}
	assert.Equal(t, 4, overdue)
}

func TestSummary_HoldingsWithoutRateAreUnpriced(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)

	// WHEN: Valuing holdings at a date before the first 22K rate took effect
	rec := do(t, router, http.MethodGet, "/api/summary?customer_id=cust-1&group_by=grade&value=true&as_of=2024-11-01", nil)

	// THEN: The summary succeeds and the grade is reported without a price
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[SummaryDTO](t, rec)
	require.Len(t, sum.Holdings, 1)
	holding := sum.Holdings[0]
	assert.Equal(t, "22K", holding.Grade)
	assert.True(t, holding.Unpriced)
	assert.True(t, holding.Grams.Equal(dec("0.7576")), "grams %s", holding.Grams)
	assert.False(t, holding.Value.Valid)
	assert.False(t, holding.RatePerGram.Valid)
	assert.Contains(t, rec.Body.String(), `"value":null`)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRouter_RateLimitsWritesOnly(t *testing.T) {
	h := newTestHandler(t)
	router := NewRouter(h, RouterOptions{RateLimitRPS: 1})

	var codes []int
	for i := 0; i < 3; i++ {
		rec := do(t, router, http.MethodPost, "/api/rates", map[string]any{"retailer_id": ""})
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/rates", nil).Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	_, router := newTestRouter(t)
	seedPlan(t, router)
	require.Equal(t, http.StatusCreated, pay(t, router, "k-1", "2025-01-10T09:00:00Z").Code)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/readyz", nil).Code)

	rec := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `scheme_payments_recorded_total{grade="22K",kind="PRIMARY_INSTALLMENT",status="SUCCESS"} 1`), body)
	assert.Contains(t, body, `route="/api/enrollments/{id}/payments"`)
}
