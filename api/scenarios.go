/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario publishes rates, creates the preset
	templates, enrolls customers and records payments through the ledger,
	so every gram allocation uses the rate in force at payment time.

AVAILABLE SCENARIOS:

	on-track:      22K plan with every installment paid on its due date
	overdue:       24K plan with two missed months
	matured:       24K plan fully paid and past maturity, ready to redeem
	top-up-heavy:  Silver plan with a short principal but many top-ups

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Publish a rate history per grade
 3. Save the preset templates
 4. Enroll customers relative to today
 5. Record payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, now)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/scheme.go: Preset templates
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/scheme-engine/factory"
	"github.com/warp/scheme-engine/scheme"
)

// DemoRetailer owns every template and rate created by scenarios.
const DemoRetailer scheme.RetailerID = "ret-demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "on-track",
		Name:        "On Track",
		Description: "Swarna 11+1 (22K), five installments paid on their due dates",
	},
	{
		ID:          "overdue",
		Name:        "Overdue",
		Description: "Gold Saver 12 (24K), months three and four missed",
	},
	{
		ID:          "matured",
		Name:        "Matured",
		Description: "Gold Saver 12 (24K), fully paid and past maturity",
	},
	{
		ID:          "top-up-heavy",
		Name:        "Top-Up Heavy",
		Description: "Silver Saver with half the principal and frequent top-ups",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, now time.Time) error

var loaders = map[string]scenarioLoader{
	"on-track":     (*Handler).loadOnTrackScenario,
	"overdue":      (*Handler).loadOverdueScenario,
	"matured":      (*Handler).loadMaturedScenario,
	"top-up-heavy": (*Handler).loadTopUpHeavyScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q not found", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(h, ctx, scheme.StartOfDay(h.now())); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.flushSummaries(ctx)

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.requestLog(r).WithField("scenario", req.ScenarioID).Info("Scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOnTrackScenario(ctx context.Context, now time.Time) error {
	e, err := h.seed(ctx, now, "swarna-11", "cust-asha", scheme.AddMonthsClamped(now, -5).AddDate(0, 0, 3))
	if err != nil {
		return err
	}
	return h.payMonths(ctx, e, []int{0, 1, 2, 3, 4}, 0)
}

func (h *Handler) loadOverdueScenario(ctx context.Context, now time.Time) error {
	e, err := h.seed(ctx, now, "gold-12", "cust-vikram", scheme.AddMonthsClamped(now, -6))
	if err != nil {
		return err
	}
	// Months 2 and 3 were skipped; month 4 was paid two days after its due date.
	if err := h.payMonths(ctx, e, []int{0, 1}, 0); err != nil {
		return err
	}
	if err := h.payMonths(ctx, e, []int{4}, 2*24*time.Hour); err != nil {
		return err
	}
	return h.payMonths(ctx, e, []int{5}, 0)
}

func (h *Handler) loadMaturedScenario(ctx context.Context, now time.Time) error {
	e, err := h.seed(ctx, now, "gold-12", "cust-meera", scheme.AddMonthsClamped(now, -13))
	if err != nil {
		return err
	}
	months := make([]int, e.TenureMonths)
	for i := range months {
		months[i] = i
	}
	return h.payMonths(ctx, e, months, 0)
}

func (h *Handler) loadTopUpHeavyScenario(ctx context.Context, now time.Time) error {
	e, err := h.seed(ctx, now, "silver-12", "cust-ravi", scheme.AddMonthsClamped(now, -12))
	if err != nil {
		return err
	}
	if err := h.payMonths(ctx, e, []int{0, 2, 4, 6, 8, 10}, 0); err != nil {
		return err
	}

	sched, err := scheme.GenerateSchedule(e)
	if err != nil {
		return err
	}
	for i, m := range sched.Months {
		if i%2 == 0 {
			continue
		}
		_, err := h.Ledger.Record(ctx, scheme.PaymentRequest{
			EnrollmentID:   e.ID,
			Amount:         decimal.NewFromInt(750),
			Kind:           scheme.KindTopUp,
			Mode:           scheme.ModeUPI,
			Source:         scheme.SourceCustomerOnline,
			PaidAt:         m.DueDate.Add(10 * time.Hour),
			IdempotencyKey: fmt.Sprintf("%s-topup-%d", e.ID, i),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// demoRates is the rate per gram at the start of the history and the
// amount it moves every three months.
var demoRates = map[scheme.Grade][2]int64{
	scheme.Grade18K:    {5400, 60},
	scheme.Grade22K:    {6600, 75},
	scheme.Grade24K:    {7200, 80},
	scheme.GradeSilver: {85, 2},
}

// seed publishes fifteen months of rates, saves the preset templates and
// enrolls customerID on templateID at createdAt.
func (h *Handler) seed(ctx context.Context, now time.Time, templateID, customerID string, createdAt time.Time) (scheme.Enrollment, error) {
	start := scheme.AddMonthsClamped(now, -15)
	for _, g := range scheme.Grades {
		base, step := demoRates[g][0], demoRates[g][1]
		for q := 0; q*3 <= 15; q++ {
			err := h.Store.AddRate(ctx, scheme.RateSnapshot{
				ID:            scheme.RateID(fmt.Sprintf("rate-%s-%02d", g, q)),
				RetailerID:    DemoRetailer,
				Grade:         g,
				RatePerGram:   decimal.NewFromInt(base + int64(q)*step),
				EffectiveFrom: scheme.AddMonthsClamped(start, q*3),
			})
			if err != nil {
				return scheme.Enrollment{}, err
			}
		}
	}

	var tmpl scheme.Template
	for _, tj := range factory.Presets(DemoRetailer) {
		t, err := h.Factory.FromJSON(tj)
		if err != nil {
			return scheme.Enrollment{}, err
		}
		if err := h.Store.SaveTemplate(ctx, t); err != nil {
			return scheme.Enrollment{}, err
		}
		if t.ID == templateID {
			tmpl = t
		}
	}
	if tmpl.ID == "" {
		return scheme.Enrollment{}, fmt.Errorf("preset %q not found", templateID)
	}

	e, err := tmpl.NewEnrollment(scheme.EnrollmentID("enr-"+customerID), scheme.CustomerID(customerID), createdAt)
	if err != nil {
		return scheme.Enrollment{}, err
	}
	if err := h.Store.CreateEnrollment(ctx, e); err != nil {
		return scheme.Enrollment{}, err
	}
	return e, nil
}

// payMonths records one full primary installment for each listed month,
// late by the given delay after its due date.
func (h *Handler) payMonths(ctx context.Context, e scheme.Enrollment, months []int, late time.Duration) error {
	sched, err := scheme.GenerateSchedule(e)
	if err != nil {
		return err
	}
	for _, i := range months {
		m := sched.Months[i]
		_, err := h.Ledger.Record(ctx, scheme.PaymentRequest{
			EnrollmentID:   e.ID,
			Amount:         e.CommitmentAmount,
			Kind:           scheme.KindPrimaryInstallment,
			Mode:           scheme.ModeCash,
			Source:         scheme.SourceStaffOffline,
			PaidAt:         m.DueDate.Add(late).Add(9 * time.Hour),
			IdempotencyKey: fmt.Sprintf("%s-month-%d", e.ID, i),
		})
		if err != nil {
			return fmt.Errorf("month %d: %w", i, err)
		}
	}
	return nil
}
