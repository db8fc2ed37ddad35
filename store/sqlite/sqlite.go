/*
Package sqlite provides a SQLite-backed implementation of scheme.TxStore.

PURPOSE:
  Persists enrollments, the append-only payment ledger, rate snapshots,
  scheme templates and the billing-month cache in a single SQLite file.
  The Postgres store in store/postgres follows the same schema.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the payments table
  - The only enrollment UPDATE is the ACTIVE -> CLOSED transition
  - billing_months is a cache and is freely deleted and rebuilt

NUMBERS AND TIMES:
  Money, rates and grams are stored as TEXT decimal strings and parsed
  back with scheme.ParseDecimal, so a corrupt value fails the read rather
  than becoming zero. Instants are stored in UTC with a fixed-width layout
  so that text comparison orders them correctly.

KEY TABLES:
  enrollments:    Customer subscriptions, status is the only mutable column
  payments:       Immutable ledger, UNIQUE idempotency_key
  rates:          Rate snapshots per retailer and grade
  templates:      Plans a retailer offers
  billing_months: Derived rows, invalidated on every payment write

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction.

USAGE:
  store, err := sqlite.New("./data/scheme.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := scheme.NewPaymentLedger(store)

SEE ALSO:
  - scheme/store.go: Interface definitions
  - scheme/store/memory.go: In-memory implementation for testing
  - store/postgres: pgx implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/scheme-engine/scheme"
)

// timeLayout is fixed-width so stored instants sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements scheme.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ scheme.TxStore = (*Store)(nil)
	_ scheme.Store   = conn{}
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Enrollments (status is the only column ever updated)
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		retailer_id TEXT NOT NULL,
		template_id TEXT,
		plan_name TEXT,
		grade TEXT NOT NULL,
		commitment_amount TEXT NOT NULL,
		tenure_months INTEGER NOT NULL CHECK (tenure_months > 0),
		created_at TEXT NOT NULL,
		maturity_date TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		closed_at TEXT,
		close_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_customer
		ON enrollments(customer_id);
	CREATE INDEX IF NOT EXISTS idx_enrollments_retailer
		ON enrollments(retailer_id);

	-- Payments (APPEND-ONLY ledger)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL REFERENCES enrollments(id),
		amount TEXT NOT NULL,
		rate_per_gram TEXT NOT NULL,
		rate_id TEXT,
		grams_allocated TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		mode TEXT,
		source TEXT,
		paid_at TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Hot path: one enrollment's payments in time order
	CREATE INDEX IF NOT EXISTS idx_payments_enrollment_paid
		ON payments(enrollment_id, paid_at);

	-- Rate snapshots
	CREATE TABLE IF NOT EXISTS rates (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		grade TEXT NOT NULL,
		rate_per_gram TEXT NOT NULL,
		effective_from TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rates_lookup
		ON rates(retailer_id, grade, effective_from);

	-- Scheme templates
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		grade TEXT NOT NULL,
		installment_amount TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		bonus_percentage TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Billing months (cache of derived rows)
	CREATE TABLE IF NOT EXISTS billing_months (
		enrollment_id TEXT NOT NULL REFERENCES enrollments(id),
		month_index INTEGER NOT NULL,
		label TEXT NOT NULL,
		due_date TEXT NOT NULL,
		primary_paid BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		as_of TEXT NOT NULL,
		PRIMARY KEY (enrollment_id, month_index)
	);
	`

	// billing_months is a cache, so a table from before as_of is dropped.
	var hasAsOf int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('billing_months') WHERE name = 'as_of'`).Scan(&hasAsOf)
	if err != nil {
		return fmt.Errorf("failed to inspect billing_months: %w", err)
	}
	if hasAsOf == 0 {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS billing_months"); err != nil {
			return fmt.Errorf("failed to drop stale billing_months: %w", err)
		}
	}

	_, err = s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against one querier without locking. Store wraps
// it with the mutex; WithTx hands one bound to the transaction to fn.
type conn struct {
	q querier
}

func (s *Store) read() conn { return conn{q: s.db} }

// =============================================================================
// ENROLLMENT STORE
// =============================================================================

func (s *Store) CreateEnrollment(ctx context.Context, e scheme.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateEnrollment(ctx, e)
}

func (c conn) CreateEnrollment(ctx context.Context, e scheme.Enrollment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = scheme.EnrollmentActive
	}
	var maturity sql.NullString
	if e.MaturityDate != nil {
		maturity = nullString(formatTime(*e.MaturityDate))
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO enrollments
		(id, customer_id, retailer_id, template_id, plan_name, grade,
		 commitment_amount, tenure_months, created_at, maturity_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.CustomerID, e.RetailerID, nullString(e.TemplateID), nullString(e.PlanName), e.Grade,
		e.CommitmentAmount.String(), e.TenureMonths, formatTime(e.CreatedAt), maturity, e.Status,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &scheme.InvalidInputError{Field: "id", Value: e.ID, Reason: "enrollment already exists"}
		}
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	return nil
}

const enrollmentColumns = `id, customer_id, retailer_id, template_id, plan_name, grade,
	commitment_amount, tenure_months, created_at, maturity_date, status`

func (s *Store) GetEnrollment(ctx context.Context, id scheme.EnrollmentID) (scheme.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetEnrollment(ctx, id)
}

func (c conn) GetEnrollment(ctx context.Context, id scheme.EnrollmentID) (scheme.Enrollment, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+enrollmentColumns+" FROM enrollments WHERE id = ?", id)
	if err != nil {
		return scheme.Enrollment{}, fmt.Errorf("failed to query enrollment: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return scheme.Enrollment{}, err
		}
		return scheme.Enrollment{}, fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, id)
	}
	return scanEnrollment(rows)
}

func (s *Store) ListEnrollments(ctx context.Context, filter scheme.EnrollmentFilter) ([]scheme.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEnrollments(ctx, filter)
}

func (c conn) ListEnrollments(ctx context.Context, filter scheme.EnrollmentFilter) ([]scheme.Enrollment, error) {
	where, args := enrollmentWhere(filter, "")
	query := "SELECT " + enrollmentColumns + " FROM enrollments" + where + " ORDER BY created_at ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []scheme.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

func (s *Store) CloseEnrollment(ctx context.Context, id scheme.EnrollmentID, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CloseEnrollment(ctx, id, at, reason)
}

func (c conn) CloseEnrollment(ctx context.Context, id scheme.EnrollmentID, at time.Time, reason string) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE enrollments SET status = ?, closed_at = ?, close_reason = ?
		WHERE id = ? AND status = ?
	`, scheme.EnrollmentClosed, formatTime(at), nullString(reason), id, scheme.EnrollmentActive)
	if err != nil {
		return fmt.Errorf("failed to close enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: either unknown or already closed.
	if _, err := c.GetEnrollment(ctx, id); err != nil {
		return err
	}
	return scheme.ErrEnrollmentClosed
}

// enrollmentWhere builds the WHERE clause for a filter. alias prefixes the
// column names when the enrollments table is joined.
func enrollmentWhere(filter scheme.EnrollmentFilter, alias string) (string, []any) {
	var clauses []string
	var args []any
	if filter.CustomerID != "" {
		clauses = append(clauses, alias+"customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.RetailerID != "" {
		clauses = append(clauses, alias+"retailer_id = ?")
		args = append(args, filter.RetailerID)
	}
	if filter.Status != "" {
		clauses = append(clauses, alias+"status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEnrollment(rows *sql.Rows) (scheme.Enrollment, error) {
	var (
		e          scheme.Enrollment
		templateID sql.NullString
		planName   sql.NullString
		commitment string
		createdAt  string
		maturity   sql.NullString
	)
	err := rows.Scan(
		&e.ID, &e.CustomerID, &e.RetailerID, &templateID, &planName, &e.Grade,
		&commitment, &e.TenureMonths, &createdAt, &maturity, &e.Status,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	e.TemplateID = templateID.String
	e.PlanName = planName.String
	if e.CommitmentAmount, err = scheme.ParseDecimal("commitment_amount", commitment); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if maturity.Valid {
		t, err := parseTime(maturity.String)
		if err != nil {
			return e, err
		}
		e.MaturityDate = &t
	}
	return e, nil
}

// =============================================================================
// PAYMENT STORE (append-only)
// =============================================================================

// AppendPayment adds a payment to the ledger.
func (s *Store) AppendPayment(ctx context.Context, p scheme.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AppendPayment(ctx, p)
}

func (c conn) AppendPayment(ctx context.Context, p scheme.Payment) error {
	query := `
		INSERT INTO payments
		(id, enrollment_id, amount, rate_per_gram, rate_id, grams_allocated,
		 kind, status, mode, source, paid_at, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.q.ExecContext(ctx, query,
		p.ID,
		p.EnrollmentID,
		p.Amount.String(),
		p.RatePerGram.String(),
		nullString(string(p.RateID)),
		p.GramsAllocated.String(),
		p.Kind,
		p.Status,
		nullString(string(p.Mode)),
		nullString(string(p.Source)),
		formatTime(p.PaidAt),
		nullString(p.IdempotencyKey),
		formatTime(time.Now()),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key"):
			return scheme.ErrDuplicateIdempotencyKey
		case isForeignKeyError(err):
			return fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, p.EnrollmentID)
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

const paymentColumns = `p.id, p.enrollment_id, p.amount, p.rate_per_gram, p.rate_id, p.grams_allocated,
	p.kind, p.status, p.mode, p.source, p.paid_at, p.idempotency_key`

// Payments returns all payments of an enrollment in PaidAt order.
func (s *Store) Payments(ctx context.Context, id scheme.EnrollmentID) ([]scheme.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Payments(ctx, id)
}

func (c conn) Payments(ctx context.Context, id scheme.EnrollmentID) ([]scheme.Payment, error) {
	query := "SELECT " + paymentColumns + ` FROM payments p
		WHERE p.enrollment_id = ?
		ORDER BY p.paid_at ASC, p.id ASC`
	return c.queryPayments(ctx, query, id)
}

// ListPayments returns payments across enrollments matching the filter.
func (s *Store) ListPayments(ctx context.Context, filter scheme.PaymentFilter) ([]scheme.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListPayments(ctx, filter)
}

func (c conn) ListPayments(ctx context.Context, filter scheme.PaymentFilter) ([]scheme.Payment, error) {
	where, args := enrollmentWhere(filter.EnrollmentFilter, "e.")
	var extra []string
	if filter.From != nil {
		extra = append(extra, "p.paid_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		extra = append(extra, "p.paid_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	if len(extra) > 0 {
		if where == "" {
			where = " WHERE " + strings.Join(extra, " AND ")
		} else {
			where += " AND " + strings.Join(extra, " AND ")
		}
	}

	query := "SELECT " + paymentColumns + ` FROM payments p
		JOIN enrollments e ON e.id = p.enrollment_id` + where + `
		ORDER BY p.paid_at ASC, p.id ASC`
	return c.queryPayments(ctx, query, args...)
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Exists(ctx, idempotencyKey)
}

func (c conn) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

func (c conn) queryPayments(ctx context.Context, query string, args ...any) ([]scheme.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []scheme.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

func scanPayment(rows *sql.Rows) (scheme.Payment, error) {
	var (
		p              scheme.Payment
		amount         string
		rate           string
		rateID         sql.NullString
		grams          string
		mode           sql.NullString
		source         sql.NullString
		paidAt         string
		idempotencyKey sql.NullString
	)

	err := rows.Scan(
		&p.ID, &p.EnrollmentID, &amount, &rate, &rateID, &grams,
		&p.Kind, &p.Status, &mode, &source, &paidAt, &idempotencyKey,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	if p.Amount, err = scheme.ParseDecimal("amount", amount); err != nil {
		return p, err
	}
	if p.RatePerGram, err = scheme.ParseDecimal("rate_per_gram", rate); err != nil {
		return p, err
	}
	if p.GramsAllocated, err = scheme.ParseDecimal("grams_allocated", grams); err != nil {
		return p, err
	}
	if p.PaidAt, err = parseTime(paidAt); err != nil {
		return p, err
	}
	p.RateID = scheme.RateID(rateID.String)
	p.Mode = scheme.PaymentMode(mode.String)
	p.Source = scheme.PaymentSource(source.String)
	p.IdempotencyKey = idempotencyKey.String

	return p, scheme.CheckStoredAllocation(p)
}

// =============================================================================
// RATE STORE
// =============================================================================

func (s *Store) AddRate(ctx context.Context, r scheme.RateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AddRate(ctx, r)
}

func (c conn) AddRate(ctx context.Context, r scheme.RateSnapshot) error {
	if err := scheme.ValidateRate(r); err != nil {
		return err
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO rates (id, retailer_id, grade, rate_per_gram, effective_from)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.RetailerID, r.Grade, r.RatePerGram.String(), formatTime(r.EffectiveFrom))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &scheme.InvalidInputError{Field: "id", Value: r.ID, Reason: "rate snapshot already exists"}
		}
		return fmt.Errorf("failed to add rate: %w", err)
	}
	return nil
}

// RateAt returns the latest snapshot effective at the given instant.
func (s *Store) RateAt(ctx context.Context, retailerID scheme.RetailerID, grade scheme.Grade, at time.Time) (scheme.RateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().RateAt(ctx, retailerID, grade, at)
}

func (c conn) RateAt(ctx context.Context, retailerID scheme.RetailerID, grade scheme.Grade, at time.Time) (scheme.RateSnapshot, error) {
	// Only the snapshots sharing the newest effective_from can win.
	rates, err := c.queryRates(ctx, `
		SELECT id, retailer_id, grade, rate_per_gram, effective_from FROM rates
		WHERE retailer_id = ? AND grade = ? AND effective_from = (
			SELECT MAX(effective_from) FROM rates
			WHERE retailer_id = ? AND grade = ? AND effective_from <= ?
		)
	`, retailerID, grade, retailerID, grade, formatTime(at))
	if err != nil {
		return scheme.RateSnapshot{}, err
	}
	return scheme.LatestEffective(rates, retailerID, grade, at)
}

func (s *Store) ListRates(ctx context.Context, retailerID scheme.RetailerID) ([]scheme.RateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListRates(ctx, retailerID)
}

func (c conn) ListRates(ctx context.Context, retailerID scheme.RetailerID) ([]scheme.RateSnapshot, error) {
	return c.queryRates(ctx, `
		SELECT id, retailer_id, grade, rate_per_gram, effective_from FROM rates
		WHERE retailer_id = ?
		ORDER BY effective_from DESC, id DESC
	`, retailerID)
}

func (c conn) queryRates(ctx context.Context, query string, args ...any) ([]scheme.RateSnapshot, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var rates []scheme.RateSnapshot
	for rows.Next() {
		var (
			r             scheme.RateSnapshot
			rate          string
			effectiveFrom string
		)
		if err := rows.Scan(&r.ID, &r.RetailerID, &r.Grade, &rate, &effectiveFrom); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		if r.RatePerGram, err = scheme.ParseDecimal("rate_per_gram", rate); err != nil {
			return nil, err
		}
		if r.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// =============================================================================
// TEMPLATE STORE
// =============================================================================

// SaveTemplate inserts or replaces a template. Existing enrollments keep
// the terms they were created with.
func (s *Store) SaveTemplate(ctx context.Context, t scheme.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().SaveTemplate(ctx, t)
}

func (c conn) SaveTemplate(ctx context.Context, t scheme.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO templates
		(id, retailer_id, name, grade, installment_amount, duration_months, bonus_percentage, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retailer_id = excluded.retailer_id,
			name = excluded.name,
			grade = excluded.grade,
			installment_amount = excluded.installment_amount,
			duration_months = excluded.duration_months,
			bonus_percentage = excluded.bonus_percentage,
			active = excluded.active
	`, t.ID, t.RetailerID, t.Name, t.Grade, t.InstallmentAmount.String(),
		t.DurationMonths, t.BonusPercentage.String(), t.Active)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

const templateColumns = `id, retailer_id, name, grade, installment_amount, duration_months, bonus_percentage, active`

func (s *Store) GetTemplate(ctx context.Context, id string) (scheme.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTemplate(ctx, id)
}

func (c conn) GetTemplate(ctx context.Context, id string) (scheme.Template, error) {
	templates, err := c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates WHERE id = ?", id)
	if err != nil {
		return scheme.Template{}, err
	}
	if len(templates) == 0 {
		return scheme.Template{}, fmt.Errorf("%w: %s", scheme.ErrTemplateNotFound, id)
	}
	return templates[0], nil
}

func (s *Store) ListTemplates(ctx context.Context, retailerID scheme.RetailerID) ([]scheme.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListTemplates(ctx, retailerID)
}

func (c conn) ListTemplates(ctx context.Context, retailerID scheme.RetailerID) ([]scheme.Template, error) {
	if retailerID == "" {
		return c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates ORDER BY id")
	}
	return c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates WHERE retailer_id = ? ORDER BY id", retailerID)
}

func (c conn) queryTemplates(ctx context.Context, query string, args ...any) ([]scheme.Template, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []scheme.Template
	for rows.Next() {
		var (
			t           scheme.Template
			installment string
			bonus       string
		)
		if err := rows.Scan(&t.ID, &t.RetailerID, &t.Name, &t.Grade, &installment,
			&t.DurationMonths, &bonus, &t.Active); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		if t.InstallmentAmount, err = scheme.ParseDecimal("installment_amount", installment); err != nil {
			return nil, err
		}
		if t.BonusPercentage, err = scheme.ParseDecimal("bonus_percentage", bonus); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// =============================================================================
// BILLING MONTH CACHE
// =============================================================================

// SaveBillingMonths replaces the cached rows atomically.
func (s *Store) SaveBillingMonths(ctx context.Context, id scheme.EnrollmentID, months []scheme.BillingMonth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := (conn{q: sqlTx}).SaveBillingMonths(ctx, id, months); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (c conn) SaveBillingMonths(ctx context.Context, id scheme.EnrollmentID, months []scheme.BillingMonth) error {
	if err := c.InvalidateBillingMonths(ctx, id); err != nil {
		return err
	}
	for _, m := range months {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO billing_months (enrollment_id, month_index, label, due_date, primary_paid, status, as_of)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, m.Index, m.Label, formatTime(m.DueDate), m.PrimaryPaid, m.Status, formatTime(m.AsOf))
		if err != nil {
			return fmt.Errorf("failed to save billing month %d: %w", m.Index, err)
		}
	}
	return nil
}

func (s *Store) BillingMonths(ctx context.Context, id scheme.EnrollmentID) ([]scheme.BillingMonth, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().BillingMonths(ctx, id)
}

func (c conn) BillingMonths(ctx context.Context, id scheme.EnrollmentID) ([]scheme.BillingMonth, bool, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT month_index, label, due_date, primary_paid, status, as_of FROM billing_months
		WHERE enrollment_id = ?
		ORDER BY month_index ASC
	`, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query billing months: %w", err)
	}
	defer rows.Close()

	var months []scheme.BillingMonth
	for rows.Next() {
		m := scheme.BillingMonth{EnrollmentID: id}
		var due, asOf string
		if err := rows.Scan(&m.Index, &m.Label, &due, &m.PrimaryPaid, &m.Status, &asOf); err != nil {
			return nil, false, fmt.Errorf("failed to scan billing month: %w", err)
		}
		if m.DueDate, err = parseTime(due); err != nil {
			return nil, false, err
		}
		if m.AsOf, err = parseTime(asOf); err != nil {
			return nil, false, err
		}
		months = append(months, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	// A schedule always has at least one month, so no rows means no entry.
	return months, len(months) > 0, nil
}

func (s *Store) InvalidateBillingMonths(ctx context.Context, id scheme.EnrollmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InvalidateBillingMonths(ctx, id)
}

func (c conn) InvalidateBillingMonths(ctx context.Context, id scheme.EnrollmentID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM billing_months WHERE enrollment_id = ?", id); err != nil {
		return fmt.Errorf("failed to invalidate billing months: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (scheme.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The store
// passed to fn sees its own uncommitted writes.
func (s *Store) WithTx(ctx context.Context, fn func(store scheme.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"billing_months", "payments", "enrollments", "rates", "templates"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older builds may use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
