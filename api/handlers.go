/*
handlers.go - HTTP API handlers for the savings scheme engine

PURPOSE:
  Exposes the scheme engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the scheme package.

ENDPOINTS:
  Templates:
    GET    /api/templates                      List templates of a retailer
    POST   /api/templates                      Create or replace a template

  Enrollments:
    GET    /api/enrollments                    List (customer_id, retailer_id, status)
    POST   /api/enrollments                    Enroll from a template or explicit terms
    GET    /api/enrollments/{id}               Enrollment details
    POST   /api/enrollments/{id}/close         Redeem (eligible only) or cancel
    GET    /api/enrollments/{id}/schedule      Billing months without payments
    GET    /api/enrollments/{id}/billing-months Cached billing months
    GET    /api/enrollments/{id}/dues          Paid/pending/overdue per month
    GET    /api/enrollments/{id}/progress      Money received per month
    GET    /api/enrollments/{id}/eligibility   Redemption eligibility

  Payments:
    GET    /api/enrollments/{id}/payments      Payment history
    POST   /api/enrollments/{id}/payments      Record a payment

  Rates:
    GET    /api/rates                          Rate history of a retailer
    POST   /api/rates                          Publish a rate snapshot
    GET    /api/rates/current                  Rate in force per grade

  Dashboards:
    GET    /api/summary                        Totals by customer or retailer
    GET    /api/dashboard/dues                 Overdue commitments of a retailer
    POST   /api/admin/sweep                    Rebuild the billing-month cache

AS-OF:
  Every read that depends on "now" takes an optional as_of query parameter
  (RFC3339 or YYYY-MM-DD). The snapshot (enrollment, payments, as_of) is
  read once and passed to the pure scheme functions.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, not eligible, closed enrollment
  - 404: Enrollment, template or rate not found
  - 409: Conflict (idempotency key reused)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Customer and retailer IDs arrive already resolved.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/scheme-engine/factory"
	"github.com/warp/scheme-engine/pkg/cache"
	"github.com/warp/scheme-engine/pkg/logger"
	"github.com/warp/scheme-engine/pkg/metrics"
	"github.com/warp/scheme-engine/scheme"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence surface the API needs: the scheme store plus
// Reset for demo scenarios. Both SQL stores satisfy it.
type Store interface {
	scheme.TxStore
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Store
	Ledger  *scheme.PaymentLedger
	Factory *factory.SchemeFactory
	Cache   *cache.Cache
	Metrics *metrics.Metrics
	Log     *logger.Logger

	// Now is the clock used when a request carries no as_of.
	Now func() time.Time

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a handler with a disabled cache, fresh metrics and a
// silent logger. Callers replace those fields when wiring the server.
func NewHandler(store Store) *Handler {
	return &Handler{
		Store:   store,
		Ledger:  scheme.NewPaymentLedger(store),
		Factory: factory.NewSchemeFactory(),
		Cache:   cache.NewCache(cache.Disabled(), "scheme", time.Minute),
		Metrics: metrics.New(),
		Log:     logger.Nop(),
		Now:     time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

// asOf reads the as_of query parameter, defaulting to now.
func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	s := r.URL.Query().Get("as_of")
	if s == "" {
		return h.now(), nil
	}
	t, err := scheme.ParseInstant(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("as_of: %w", err)
	}
	return t, nil
}

func (h *Handler) requestLog(r *http.Request) *logger.Logger {
	return h.Log.WithField("request_id", middleware.GetReqID(r.Context()))
}

// =============================================================================
// TEMPLATE HANDLERS
// =============================================================================

// ListTemplates returns the templates of a retailer (all when unset).
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	retailerID := scheme.RetailerID(r.URL.Query().Get("retailer_id"))
	templates, err := h.Store.ListTemplates(r.Context(), retailerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list templates", err)
		return
	}

	dtos := make([]TemplateDTO, len(templates))
	for i, t := range templates {
		dtos[i] = TemplateDTO{TemplateJSON: h.Factory.ToJSON(t), BonusAmount: t.Bonus()}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTemplate validates and stores a template.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req factory.TemplateJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	t, err := h.Factory.FromJSON(req)
	if err != nil {
		writeDomainError(w, "Invalid template", err)
		return
	}
	if err := h.Store.SaveTemplate(r.Context(), t); err != nil {
		writeDomainError(w, "Failed to save template", err)
		return
	}

	writeJSON(w, http.StatusCreated, TemplateDTO{TemplateJSON: h.Factory.ToJSON(t), BonusAmount: t.Bonus()})
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// ListEnrollments returns enrollments matching the query filter.
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheme.EnrollmentFilter{
		CustomerID: scheme.CustomerID(q.Get("customer_id")),
		RetailerID: scheme.RetailerID(q.Get("retailer_id")),
		Status:     scheme.EnrollmentStatus(q.Get("status")),
	}
	enrollments, err := h.Store.ListEnrollments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list enrollments", err)
		return
	}

	dtos := make([]EnrollmentDTO, len(enrollments))
	for i, e := range enrollments {
		dtos[i] = toEnrollmentDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEnrollment enrolls a customer.
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.buildEnrollment(r.Context(), req)
	if err != nil {
		writeDomainError(w, "Invalid enrollment", err)
		return
	}
	if err := h.Store.CreateEnrollment(r.Context(), e); err != nil {
		writeDomainError(w, "Failed to create enrollment", err)
		return
	}

	h.requestLog(r).WithFields(map[string]interface{}{
		"enrollment_id": e.ID,
		"customer_id":   e.CustomerID,
		"grade":         e.Grade,
	}).Info("Enrollment created")
	writeJSON(w, http.StatusCreated, toEnrollmentDTO(e))
}

func (h *Handler) buildEnrollment(ctx context.Context, req CreateEnrollmentRequest) (scheme.Enrollment, error) {
	createdAt := h.now()
	if req.CreatedAt != "" {
		t, err := scheme.ParseInstant(req.CreatedAt)
		if err != nil {
			return scheme.Enrollment{}, err
		}
		createdAt = t
	}
	id := scheme.EnrollmentID(req.ID)
	if id == "" {
		id = scheme.EnrollmentID(uuid.NewString())
	}

	var e scheme.Enrollment
	if req.TemplateID != "" {
		t, err := h.Store.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return scheme.Enrollment{}, err
		}
		if e, err = t.NewEnrollment(id, scheme.CustomerID(req.CustomerID), createdAt); err != nil {
			return scheme.Enrollment{}, err
		}
	} else {
		if req.CustomerID == "" {
			return scheme.Enrollment{}, &scheme.InvalidInputError{Field: "customer_id", Value: req.CustomerID, Reason: "is required"}
		}
		if req.RetailerID == "" {
			return scheme.Enrollment{}, &scheme.InvalidInputError{Field: "retailer_id", Value: req.RetailerID, Reason: "is required"}
		}
		grade, err := scheme.ParseGrade(req.Grade)
		if err != nil {
			return scheme.Enrollment{}, err
		}
		commitment, err := scheme.ParsePositiveDecimal("commitment_amount", req.CommitmentAmount.String())
		if err != nil {
			return scheme.Enrollment{}, err
		}
		e = scheme.Enrollment{
			ID:               id,
			CustomerID:       scheme.CustomerID(req.CustomerID),
			RetailerID:       scheme.RetailerID(req.RetailerID),
			PlanName:         req.PlanName,
			Grade:            grade,
			CommitmentAmount: commitment,
			TenureMonths:     req.TenureMonths,
			CreatedAt:        createdAt,
			Status:           scheme.EnrollmentActive,
		}
	}

	if req.MaturityDate != "" {
		m, err := scheme.ParseDate(req.MaturityDate)
		if err != nil {
			return scheme.Enrollment{}, err
		}
		e.MaturityDate = &m
	}
	// Catches an explicit maturity that leaves no room for the schedule.
	if _, err := scheme.GenerateSchedule(e); err != nil {
		return scheme.Enrollment{}, err
	}
	return e, nil
}

// GetEnrollment returns a single enrollment.
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEnrollment(r.Context(), enrollmentID(r))
	if err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(e))
}

// CloseEnrollment redeems an eligible enrollment, or cancels one.
func (h *Handler) CloseEnrollment(w http.ResponseWriter, r *http.Request) {
	var req CloseEnrollmentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var cancel bool
	switch req.Reason {
	case "", "redeemed":
	case "cancelled":
		cancel = true
	default:
		writeDomainError(w, "Invalid close reason",
			&scheme.InvalidInputError{Field: "reason", Value: req.Reason, Reason: "must be redeemed or cancelled"})
		return
	}

	asOf := h.now()
	if req.AsOf != "" {
		t, err := scheme.ParseInstant(req.AsOf)
		if err != nil {
			writeDomainError(w, "Invalid as_of", err)
			return
		}
		asOf = t
	}

	id := enrollmentID(r)
	if err := h.Ledger.Close(r.Context(), id, asOf, cancel); err != nil {
		var notEligible *scheme.NotEligibleError
		if errors.As(err, &notEligible) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":       "Enrollment is not eligible for redemption",
				"eligibility": toEligibilityDTO(notEligible.Result, asOf),
			})
			return
		}
		writeDomainError(w, "Failed to close enrollment", err)
		return
	}

	e, err := h.Store.GetEnrollment(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}
	h.invalidateSummaries(r.Context(), e)
	h.requestLog(r).WithFields(map[string]interface{}{
		"enrollment_id": id,
		"cancelled":     cancel,
	}).Info("Enrollment closed")
	writeJSON(w, http.StatusOK, toEnrollmentDTO(e))
}

// GetSchedule returns the billing months of an enrollment with no payment
// information applied.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEnrollment(r.Context(), enrollmentID(r))
	if err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}
	sched, err := scheme.GenerateSchedule(e)
	if err != nil {
		writeDomainError(w, "Invalid enrollment", err)
		return
	}

	dtos := make([]BillingMonthDTO, len(sched.Months))
	for i, m := range sched.Months {
		dtos[i] = toBillingMonthDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBillingMonths serves the billing-month cache, rebuilding it on a miss.
func (h *Handler) GetBillingMonths(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	months, err := h.Ledger.BillingMonths(r.Context(), enrollmentID(r), asOf)
	if err != nil {
		writeDomainError(w, "Failed to load billing months", err)
		return
	}

	dtos := make([]BillingMonthDTO, len(months))
	for i, m := range months {
		dtos[i] = toBillingMonthDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDues classifies each billing month as of the request instant.
func (h *Handler) GetDues(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	id := enrollmentID(r)
	statuses, err := h.Ledger.Dues(r.Context(), id, asOf)
	if err != nil {
		writeDomainError(w, "Failed to classify dues", err)
		return
	}

	resp := DuesResponse{EnrollmentID: string(id), AsOf: formatInstant(asOf), Months: make([]DueStatusDTO, len(statuses))}
	for i, ds := range statuses {
		resp.Months[i] = toDueStatusDTO(ds)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProgress reports money received against each month's commitment.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	e, payments, err := h.Ledger.Snapshot(r.Context(), enrollmentID(r))
	if err != nil {
		writeDomainError(w, "Failed to load enrollment", err)
		return
	}
	sched, err := scheme.GenerateSchedule(e)
	if err != nil {
		writeDomainError(w, "Invalid enrollment", err)
		return
	}
	progress, err := scheme.MonthlyProgress(sched, payments, asOf)
	if err != nil {
		writeDomainError(w, "Failed to compute progress", err)
		return
	}

	dtos := make([]MonthProgressDTO, len(progress))
	for i, p := range progress {
		dtos[i] = MonthProgressDTO{
			Label:      p.Month.Label,
			DueDate:    formatDate(p.Month.DueDate),
			Commitment: p.Commitment,
			Paid:       p.Paid,
			Remaining:  p.Remaining,
			Met:        p.Met,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEligibility evaluates redemption eligibility as of the request instant.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	res, err := h.Ledger.Eligibility(r.Context(), enrollmentID(r), asOf)
	if err != nil {
		writeDomainError(w, "Failed to evaluate eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(res, asOf))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns an enrollment's payments in time order.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := enrollmentID(r)
	if _, err := h.Store.GetEnrollment(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}
	payments, err := h.Store.Payments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordPayment prices and appends a payment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var body RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := toPaymentRequest(enrollmentID(r), body)
	if err != nil {
		writeDomainError(w, "Invalid payment", err)
		return
	}
	if req.PaidAt.IsZero() {
		req.PaidAt = h.now()
	}

	log := h.requestLog(r).WithFields(map[string]interface{}{
		"enrollment_id":   req.EnrollmentID,
		"idempotency_key": req.IdempotencyKey,
	})

	p, err := h.Ledger.Record(r.Context(), req)
	if err != nil {
		if scheme.IsConflict(err) {
			log.Warn("Duplicate payment rejected")
		} else if !scheme.IsClientError(err) && !scheme.IsNotFound(err) {
			log.WithError(err).Error("Failed to record payment")
		}
		writeDomainError(w, "Failed to record payment", err)
		return
	}

	e, err := h.Store.GetEnrollment(r.Context(), p.EnrollmentID)
	if err == nil {
		grams, _ := p.GramsAllocated.Float64()
		h.Metrics.PaymentRecorded(string(e.Grade), string(p.Kind), string(p.Status), grams)
		h.invalidateSummaries(r.Context(), e)
	}

	log.WithFields(map[string]interface{}{
		"payment_id": p.ID,
		"amount":     p.Amount.String(),
		"grams":      p.GramsAllocated.String(),
		"rate_id":    p.RateID,
	}).Info("Payment recorded")
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func toPaymentRequest(id scheme.EnrollmentID, body RecordPaymentRequest) (scheme.PaymentRequest, error) {
	amount, err := scheme.ParsePositiveDecimal("amount", body.Amount.String())
	if err != nil {
		return scheme.PaymentRequest{}, err
	}
	req := scheme.PaymentRequest{
		ID:             scheme.PaymentID(body.ID),
		EnrollmentID:   id,
		Amount:         amount,
		IdempotencyKey: body.IdempotencyKey,
	}
	if body.Kind != "" {
		if req.Kind, err = scheme.ParsePaymentKind(body.Kind); err != nil {
			return req, err
		}
	}
	if body.Status != "" {
		if req.Status, err = scheme.ParsePaymentStatus(body.Status); err != nil {
			return req, err
		}
	}
	if body.Mode != "" {
		if req.Mode, err = scheme.ParsePaymentMode(body.Mode); err != nil {
			return req, err
		}
	}
	if body.Source != "" {
		if req.Source, err = scheme.ParsePaymentSource(body.Source); err != nil {
			return req, err
		}
	}
	if body.PaidAt != "" {
		if req.PaidAt, err = scheme.ParseInstant(body.PaidAt); err != nil {
			return req, err
		}
	}
	return req, nil
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// CreateRate publishes a rate snapshot.
func (h *Handler) CreateRate(w http.ResponseWriter, r *http.Request) {
	var req CreateRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	snap, err := toRateSnapshot(req)
	if err != nil {
		writeDomainError(w, "Invalid rate", err)
		return
	}
	if err := h.Store.AddRate(r.Context(), snap); err != nil {
		writeDomainError(w, "Failed to add rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateDTO(snap))
}

func toRateSnapshot(req CreateRateRequest) (scheme.RateSnapshot, error) {
	if req.RetailerID == "" {
		return scheme.RateSnapshot{}, &scheme.InvalidInputError{Field: "retailer_id", Value: req.RetailerID, Reason: "is required"}
	}
	grade, err := scheme.ParseGrade(req.Grade)
	if err != nil {
		return scheme.RateSnapshot{}, err
	}
	rate, err := scheme.ParsePositiveDecimal("rate_per_gram", req.RatePerGram.String())
	if err != nil {
		return scheme.RateSnapshot{}, err
	}
	from, err := scheme.ParseInstant(req.EffectiveFrom)
	if err != nil {
		return scheme.RateSnapshot{}, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return scheme.RateSnapshot{
		ID:            scheme.RateID(id),
		RetailerID:    scheme.RetailerID(req.RetailerID),
		Grade:         grade,
		RatePerGram:   rate,
		EffectiveFrom: from,
	}, nil
}

// ListRates returns a retailer's rate history, newest first.
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	retailerID := scheme.RetailerID(r.URL.Query().Get("retailer_id"))
	rates, err := h.Store.ListRates(r.Context(), retailerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rates", err)
		return
	}
	dtos := make([]RateDTO, len(rates))
	for i, rt := range rates {
		dtos[i] = toRateDTO(rt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CurrentRates returns the snapshot in force for every grade that has one.
func (h *Handler) CurrentRates(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	rates, err := h.currentRates(r.Context(), scheme.RetailerID(r.URL.Query().Get("retailer_id")), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load rates", err)
		return
	}

	dtos := make([]RateDTO, 0, len(rates))
	for _, g := range scheme.Grades {
		if rt, ok := rates[g]; ok {
			dtos = append(dtos, toRateDTO(rt))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) currentRates(ctx context.Context, retailerID scheme.RetailerID, at time.Time) (map[scheme.Grade]scheme.RateSnapshot, error) {
	out := make(map[scheme.Grade]scheme.RateSnapshot)
	for _, g := range scheme.Grades {
		rt, err := h.Store.RateAt(ctx, retailerID, g, at)
		if errors.Is(err, scheme.ErrRateNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[g] = rt
	}
	return out, nil
}

// =============================================================================
// DASHBOARD HANDLERS
// =============================================================================

// GetSummary returns ledger totals for a customer or a retailer. With
// group_by=grade and value=true the holdings are priced at current rates.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	groupBy, err := scheme.ParseGroupBy(q.Get("group_by"))
	if err != nil {
		writeDomainError(w, "Invalid group_by", err)
		return
	}

	var (
		filter    scheme.EnrollmentFilter
		scope, id string
	)
	switch {
	case q.Get("customer_id") != "":
		scope, id = "customer", q.Get("customer_id")
		filter.CustomerID = scheme.CustomerID(id)
	case q.Get("retailer_id") != "":
		scope, id = "retailer", q.Get("retailer_id")
		filter.RetailerID = scheme.RetailerID(id)
	default:
		writeDomainError(w, "Missing scope",
			&scheme.InvalidInputError{Field: "customer_id", Value: "", Reason: "customer_id or retailer_id is required"})
		return
	}

	var dto SummaryDTO
	err = h.Cache.GetOrSet(r.Context(), cache.SummaryKey(scope, id, string(groupBy)), &dto, func() (interface{}, error) {
		sum, err := h.summarize(r.Context(), filter, groupBy)
		if err != nil {
			return nil, err
		}
		return toSummaryDTO(sum), nil
	})
	if err != nil {
		writeDomainError(w, "Failed to summarize", err)
		return
	}

	if q.Get("value") == "true" {
		holdings, err := h.valueHoldings(r, filter, groupBy)
		if err != nil {
			writeDomainError(w, "Failed to value holdings", err)
			return
		}
		dto.Holdings = holdings
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) summarize(ctx context.Context, filter scheme.EnrollmentFilter, groupBy scheme.GroupBy) (scheme.Summary, error) {
	enrollments, err := h.Store.ListEnrollments(ctx, filter)
	if err != nil {
		return scheme.Summary{}, err
	}
	payments, err := h.Store.ListPayments(ctx, scheme.PaymentFilter{EnrollmentFilter: filter})
	if err != nil {
		return scheme.Summary{}, err
	}
	return scheme.Summarize(payments, enrollments, groupBy)
}

func (h *Handler) valueHoldings(r *http.Request, filter scheme.EnrollmentFilter, groupBy scheme.GroupBy) ([]HoldingValueDTO, error) {
	if groupBy != scheme.GroupByGrade {
		return nil, &scheme.InvalidInputError{Field: "value", Value: "true", Reason: "requires group_by=grade"}
	}
	asOf, err := h.asOf(r)
	if err != nil {
		return nil, err
	}
	sum, err := h.summarize(r.Context(), filter, groupBy)
	if err != nil {
		return nil, err
	}

	// Holdings of one customer may span retailers; price each grade at the
	// retailer of the enrollments in scope.
	enrollments, err := h.Store.ListEnrollments(r.Context(), filter)
	if err != nil {
		return nil, err
	}
	rates := make(map[scheme.Grade]scheme.RateSnapshot)
	for _, e := range enrollments {
		if _, ok := rates[e.Grade]; ok {
			continue
		}
		rt, err := h.Store.RateAt(r.Context(), e.RetailerID, e.Grade, asOf)
		if err != nil {
			if errors.Is(err, scheme.ErrRateNotFound) {
				continue
			}
			return nil, err
		}
		rates[e.Grade] = rt
	}

	// Grades with no published rate are reported unpriced rather than
	// failing the valuation of the others.
	priced := sum
	priced.ByGrade = nil
	var unpriced []scheme.GradeTotals
	for _, row := range sum.ByGrade {
		if _, ok := rates[row.Grade]; ok {
			priced.ByGrade = append(priced.ByGrade, row)
		} else {
			unpriced = append(unpriced, row)
		}
	}

	values, err := scheme.ValueHoldings(priced, rates)
	if err != nil {
		return nil, err
	}
	out := make([]HoldingValueDTO, 0, len(sum.ByGrade))
	for _, v := range values {
		out = append(out, HoldingValueDTO{
			Grade:       string(v.Grade),
			Grams:       v.Grams,
			RatePerGram: decimal.NewNullDecimal(v.RatePerGram),
			RateID:      string(v.RateID),
			Value:       decimal.NewNullDecimal(v.Value),
		})
	}
	for _, row := range unpriced {
		out = append(out, HoldingValueDTO{Grade: string(row.Grade), Grams: row.Grams, Unpriced: true})
	}
	return out, nil
}

// GetDuesDashboard totals overdue commitments across a retailer's
// active enrollments.
func (h *Handler) GetDuesDashboard(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	filter := scheme.EnrollmentFilter{
		RetailerID: scheme.RetailerID(r.URL.Query().Get("retailer_id")),
		Status:     scheme.EnrollmentActive,
	}
	enrollments, err := h.Store.ListEnrollments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list enrollments", err)
		return
	}
	payments, err := h.Store.ListPayments(r.Context(), scheme.PaymentFilter{EnrollmentFilter: filter})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dues, err := scheme.SummarizeDues(enrollments, payments, asOf)
	if err != nil {
		writeDomainError(w, "Failed to summarize dues", err)
		return
	}
	writeJSON(w, http.StatusOK, toDuesSummaryDTO(dues))
}

// TriggerSweep rebuilds the billing-month cache now instead of waiting for
// the scheduler.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	res, err := h.Ledger.Sweep(r.Context(), asOf)
	h.Metrics.SweepFinished(res.Overdue, err)

	dto := SweepDTO{AsOf: formatInstant(asOf), Rebuilt: res.Rebuilt, Overdue: res.Overdue, Failed: res.Failed}
	if err != nil {
		dto.Error = err.Error()
		h.requestLog(r).WithError(err).Warnf("Sweep finished with %d failures", res.Failed)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.flushSummaries(r.Context())

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func enrollmentID(r *http.Request) scheme.EnrollmentID {
	return scheme.EnrollmentID(chi.URLParam(r, "id"))
}

// flushSummaries drops every cached summary after a bulk data change.
func (h *Handler) flushSummaries(ctx context.Context) {
	if _, err := h.Cache.DeleteMatching(ctx, cache.AllSummaries); err != nil {
		h.Log.WithError(err).Warn("Failed to flush summary cache")
	}
}

// Ready reports whether the store answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// invalidateSummaries drops cached summaries a write on e can change.
// A cache failure only costs a stale read until the TTL expires.
func (h *Handler) invalidateSummaries(ctx context.Context, e scheme.Enrollment) {
	keys := cache.SummaryKeys(string(e.CustomerID), string(e.RetailerID))
	if err := h.Cache.Delete(ctx, keys...); err != nil {
		h.Log.WithError(err).Warn("Failed to invalidate summary cache")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps scheme errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case scheme.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case scheme.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case scheme.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
