/*
store.go - Persistence interfaces for enrollments, payments and rates

PURPOSE:
  Defines the boundary between the pure engine and the database. The
  engine never queries; callers load a consistent snapshot through these
  interfaces and pass plain slices to Classify, Evaluate and Summarize.

KEY INTERFACES:
  EnrollmentStore: Enrollment records and the single status transition
  PaymentStore:    Append-only payment ledger with idempotency keys
  RateStore:       Rate snapshots, also a RateProvider
  TemplateStore:   Scheme templates offered by a retailer
  BillingCache:    Persisted billing months, a cache of Classify output
  Store:           All of the above
  TxStore:         Store with atomic multi-write support

APPEND-ONLY CONTRACT:
  Payments are never updated or deleted. A wrong payment is corrected with
  a compensating record by the back office, outside this engine.

BILLING MONTH CACHE:
  Billing months are derived from the enrollment and its payments. Stores
  may persist them for query speed, but the rows are only a cache: every
  payment write invalidates them and the sweep rebuilds them.

IMPLEMENTATIONS:
  - scheme/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: Single-node SQLite
  - store/postgres/postgres.go: pgx connection pool

SEE ALSO:
  - ledger.go: PaymentLedger, the write path on top of Store
*/
package scheme

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// EnrollmentFilter narrows ListEnrollments. Zero fields match everything.
type EnrollmentFilter struct {
	CustomerID CustomerID
	RetailerID RetailerID
	Status     EnrollmentStatus
}

// Matches reports whether e passes the filter.
func (f EnrollmentFilter) Matches(e Enrollment) bool {
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if f.RetailerID != "" && e.RetailerID != f.RetailerID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// PaymentFilter narrows ListPayments. From and To are inclusive when set.
type PaymentFilter struct {
	EnrollmentFilter
	From *time.Time
	To   *time.Time
}

// InRange reports whether t falls inside [From, To].
func (f PaymentFilter) InRange(t time.Time) bool {
	if f.From != nil && t.Before(*f.From) {
		return false
	}
	if f.To != nil && t.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type EnrollmentStore interface {
	// CreateEnrollment persists a new enrollment. The record is validated first.
	CreateEnrollment(ctx context.Context, e Enrollment) error

	// GetEnrollment returns ErrEnrollmentNotFound when the ID is unknown.
	GetEnrollment(ctx context.Context, id EnrollmentID) (Enrollment, error)

	// ListEnrollments returns matching enrollments ordered by creation time.
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]Enrollment, error)

	// CloseEnrollment is the only mutation an enrollment ever sees.
	// Returns ErrEnrollmentClosed if it is already closed.
	CloseEnrollment(ctx context.Context, id EnrollmentID, at time.Time, reason string) error
}

// PaymentStore is APPEND-ONLY. No Update, no Delete.
type PaymentStore interface {
	// AppendPayment persists a payment. Returns ErrDuplicateIdempotencyKey
	// if the key was already used.
	AppendPayment(ctx context.Context, p Payment) error

	// Payments returns every payment of an enrollment ordered by PaidAt.
	Payments(ctx context.Context, id EnrollmentID) ([]Payment, error)

	// ListPayments returns payments across enrollments, joined on the
	// enrollment for the customer/retailer filter, ordered by PaidAt.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)

	// Exists checks if an idempotency key was already used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

type RateStore interface {
	RateProvider

	// AddRate stores a validated snapshot. Snapshots are never edited.
	AddRate(ctx context.Context, r RateSnapshot) error

	// ListRates returns a retailer's snapshots, newest EffectiveFrom first.
	ListRates(ctx context.Context, retailerID RetailerID) ([]RateSnapshot, error)
}

type TemplateStore interface {
	SaveTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id string) (Template, error)
	ListTemplates(ctx context.Context, retailerID RetailerID) ([]Template, error)
}

type BillingCache interface {
	// SaveBillingMonths replaces the cached rows of an enrollment.
	SaveBillingMonths(ctx context.Context, id EnrollmentID, months []BillingMonth) error

	// BillingMonths returns the cached rows and whether a cache entry exists.
	BillingMonths(ctx context.Context, id EnrollmentID) ([]BillingMonth, bool, error)

	// InvalidateBillingMonths drops the cached rows of an enrollment.
	InvalidateBillingMonths(ctx context.Context, id EnrollmentID) error
}

// Store is the full persistence surface used by the API.
type Store interface {
	EnrollmentStore
	PaymentStore
	RateStore
	TemplateStore
	BillingCache
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
