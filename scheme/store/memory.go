// Package store provides in-memory scheme.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/scheme-engine/scheme"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	enrollments map[scheme.EnrollmentID]scheme.Enrollment
	payments    map[scheme.EnrollmentID][]scheme.Payment
	idempotency map[string]bool
	rates       []scheme.RateSnapshot
	templates   map[string]scheme.Template
	billing     map[scheme.EnrollmentID][]scheme.BillingMonth
}

var _ scheme.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		enrollments: make(map[scheme.EnrollmentID]scheme.Enrollment),
		payments:    make(map[scheme.EnrollmentID][]scheme.Payment),
		idempotency: make(map[string]bool),
		templates:   make(map[string]scheme.Template),
		billing:     make(map[scheme.EnrollmentID][]scheme.BillingMonth),
	}
}

// Reset drops all data.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := NewMemory()
	m.enrollments = fresh.enrollments
	m.payments = fresh.payments
	m.idempotency = fresh.idempotency
	m.rates = nil
	m.templates = fresh.templates
	m.billing = fresh.billing
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (m *Memory) CreateEnrollment(_ context.Context, e scheme.Enrollment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = scheme.EnrollmentActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[e.ID]; ok {
		return &scheme.InvalidInputError{Field: "id", Value: e.ID, Reason: "enrollment already exists"}
	}
	m.enrollments[e.ID] = e
	return nil
}

func (m *Memory) GetEnrollment(_ context.Context, id scheme.EnrollmentID) (scheme.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enrollments[id]
	if !ok {
		return scheme.Enrollment{}, fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, id)
	}
	return e, nil
}

func (m *Memory) ListEnrollments(_ context.Context, filter scheme.EnrollmentFilter) ([]scheme.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []scheme.Enrollment
	for _, e := range m.enrollments {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CloseEnrollment(_ context.Context, id scheme.EnrollmentID, _ time.Time, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, id)
	}
	if !e.IsActive() {
		return scheme.ErrEnrollmentClosed
	}
	e.Status = scheme.EnrollmentClosed
	m.enrollments[id] = e
	return nil
}

// =============================================================================
// PAYMENTS - Append-only
// =============================================================================

func (m *Memory) AppendPayment(_ context.Context, p scheme.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(p)
}

func (m *Memory) appendLocked(p scheme.Payment) error {
	if _, ok := m.enrollments[p.EnrollmentID]; !ok {
		return fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, p.EnrollmentID)
	}
	if p.IdempotencyKey != "" && m.idempotency[p.IdempotencyKey] {
		return scheme.ErrDuplicateIdempotencyKey
	}

	ps := m.payments[p.EnrollmentID]
	// Binary search keeps the slice ordered by PaidAt.
	i := sort.Search(len(ps), func(i int) bool {
		return ps[i].PaidAt.After(p.PaidAt)
	})
	ps = append(ps, scheme.Payment{})
	copy(ps[i+1:], ps[i:])
	ps[i] = p
	m.payments[p.EnrollmentID] = ps

	if p.IdempotencyKey != "" {
		m.idempotency[p.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Payments(_ context.Context, id scheme.EnrollmentID) ([]scheme.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]scheme.Payment, len(m.payments[id]))
	copy(result, m.payments[id])
	return result, nil
}

func (m *Memory) ListPayments(_ context.Context, filter scheme.PaymentFilter) ([]scheme.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []scheme.Payment
	for id, ps := range m.payments {
		if !filter.Matches(m.enrollments[id]) {
			continue
		}
		for _, p := range ps {
			if filter.InRange(p.PaidAt) {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.Before(out[j].PaidAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// RATES
// =============================================================================

func (m *Memory) AddRate(_ context.Context, r scheme.RateSnapshot) error {
	if err := scheme.ValidateRate(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = append(m.rates, r)
	return nil
}

func (m *Memory) RateAt(_ context.Context, retailerID scheme.RetailerID, grade scheme.Grade, at time.Time) (scheme.RateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return scheme.LatestEffective(m.rates, retailerID, grade, at)
}

func (m *Memory) ListRates(_ context.Context, retailerID scheme.RetailerID) ([]scheme.RateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []scheme.RateSnapshot
	for _, r := range m.rates {
		if r.RetailerID == retailerID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveFrom.After(out[j].EffectiveFrom) })
	return out, nil
}

// =============================================================================
// TEMPLATES
// =============================================================================

func (m *Memory) SaveTemplate(_ context.Context, t scheme.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (scheme.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return scheme.Template{}, fmt.Errorf("%w: %s", scheme.ErrTemplateNotFound, id)
	}
	return t, nil
}

func (m *Memory) ListTemplates(_ context.Context, retailerID scheme.RetailerID) ([]scheme.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []scheme.Template
	for _, t := range m.templates {
		if retailerID == "" || t.RetailerID == retailerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// BILLING MONTH CACHE
// =============================================================================

func (m *Memory) SaveBillingMonths(_ context.Context, id scheme.EnrollmentID, months []scheme.BillingMonth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billing[id] = append([]scheme.BillingMonth(nil), months...)
	return nil
}

func (m *Memory) BillingMonths(_ context.Context, id scheme.EnrollmentID) ([]scheme.BillingMonth, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	months, ok := m.billing[id]
	if !ok {
		return nil, false, nil
	}
	return append([]scheme.BillingMonth(nil), months...), true, nil
}

func (m *Memory) InvalidateBillingMonths(_ context.Context, id scheme.EnrollmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.billing, id)
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

var _ scheme.TxStore = (*TxMemory)(nil)

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn against a private copy and publishes the copy only if
// fn succeeds, so a failed fn leaves no partial writes behind.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(scheme.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	view := tm.cloneLocked()
	if err := fn(view); err != nil {
		return err
	}

	tm.enrollments = view.enrollments
	tm.payments = view.payments
	tm.idempotency = view.idempotency
	tm.rates = view.rates
	tm.templates = view.templates
	tm.billing = view.billing
	return nil
}

func (m *Memory) cloneLocked() *Memory {
	c := NewMemory()
	for k, v := range m.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range m.payments {
		c.payments[k] = append([]scheme.Payment(nil), v...)
	}
	for k, v := range m.idempotency {
		c.idempotency[k] = v
	}
	c.rates = append([]scheme.RateSnapshot(nil), m.rates...)
	for k, v := range m.templates {
		c.templates[k] = v
	}
	for k, v := range m.billing {
		c.billing[k] = append([]scheme.BillingMonth(nil), v...)
	}
	return c
}
