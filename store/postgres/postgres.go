/*
Package postgres provides a PostgreSQL implementation of scheme.TxStore.

PURPOSE:
  The multi-node counterpart of store/sqlite. Same tables, same
  append-only contract, but amounts are NUMERIC, instants are TIMESTAMPTZ
  and concurrency control is left to the database.

SCHEMA:
  Versioned migrations live in migrations/ and are applied with
  RunMigrations (golang-migrate). New does not create tables.

USAGE:
  pool, err := postgres.NewPool(ctx, cfg)
  store := postgres.New(pool)
  ledger := scheme.NewPaymentLedger(store)

SEE ALSO:
  - scheme/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-file implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/scheme-engine/pkg/config"
	"github.com/warp/scheme-engine/scheme"
)

// Postgres error codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// NewPool creates a pgx pool from the database config and pings it once.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return pool, nil
}

// Querier abstracts pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements scheme.TxStore on a pgx pool.
type Store struct {
	conn
	pool *pgxpool.Pool
}

var (
	_ scheme.TxStore = (*Store)(nil)
	_ scheme.Store   = conn{}
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{conn: conn{q: pool}, pool: pool}
}

// Ping checks the pool can reach the database. Served by /readyz.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// WithTx executes fn within a database transaction.
// If fn returns an error the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(scheme.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(conn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// SaveBillingMonths replaces the cached rows in one transaction.
func (s *Store) SaveBillingMonths(ctx context.Context, id scheme.EnrollmentID, months []scheme.BillingMonth) error {
	return s.WithTx(ctx, func(tx scheme.Store) error {
		return tx.SaveBillingMonths(ctx, id, months)
	})
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE billing_months, payments, enrollments, rates, templates")
	return err
}

// conn holds every query; Store binds it to the pool and WithTx to a tx.
type conn struct {
	q Querier
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (c conn) CreateEnrollment(ctx context.Context, e scheme.Enrollment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = scheme.EnrollmentActive
	}
	var maturity *time.Time
	if e.MaturityDate != nil {
		m := e.MaturityDate.UTC()
		maturity = &m
	}

	_, err := c.q.Exec(ctx, `
		INSERT INTO enrollments
		(id, customer_id, retailer_id, template_id, plan_name, grade,
		 commitment_amount, tenure_months, created_at, maturity_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		string(e.ID), string(e.CustomerID), string(e.RetailerID), nullable(e.TemplateID), nullable(e.PlanName),
		string(e.Grade), e.CommitmentAmount, e.TenureMonths, e.CreatedAt.UTC(), maturity, string(e.Status),
	)
	if err != nil {
		if isCode(err, uniqueViolation) {
			return &scheme.InvalidInputError{Field: "id", Value: e.ID, Reason: "enrollment already exists"}
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

const enrollmentColumns = `id, customer_id, retailer_id, template_id, plan_name, grade,
	commitment_amount, tenure_months, created_at, maturity_date, status`

func (c conn) GetEnrollment(ctx context.Context, id scheme.EnrollmentID) (scheme.Enrollment, error) {
	row := c.q.QueryRow(ctx, "SELECT "+enrollmentColumns+" FROM enrollments WHERE id = $1", string(id))
	e, err := scanEnrollment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheme.Enrollment{}, fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, id)
	}
	return e, err
}

func (c conn) ListEnrollments(ctx context.Context, filter scheme.EnrollmentFilter) ([]scheme.Enrollment, error) {
	var a args
	where := enrollmentWhere(&a, filter, "")
	rows, err := c.q.Query(ctx,
		"SELECT "+enrollmentColumns+" FROM enrollments"+where+" ORDER BY created_at, id", a...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var out []scheme.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c conn) CloseEnrollment(ctx context.Context, id scheme.EnrollmentID, at time.Time, reason string) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE enrollments SET status = $1, closed_at = $2, close_reason = $3
		WHERE id = $4 AND status = $5
	`, string(scheme.EnrollmentClosed), at.UTC(), nullable(reason), string(id), string(scheme.EnrollmentActive))
	if err != nil {
		return fmt.Errorf("close enrollment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := c.GetEnrollment(ctx, id); err != nil {
		return err
	}
	return scheme.ErrEnrollmentClosed
}

func scanEnrollment(row pgx.Row) (scheme.Enrollment, error) {
	var (
		e                                 scheme.Enrollment
		id, customer, retailer, grade, st string
		templateID, planName              *string
		createdAt                         time.Time
		maturity                          *time.Time
	)
	err := row.Scan(&id, &customer, &retailer, &templateID, &planName, &grade,
		&e.CommitmentAmount, &e.TenureMonths, &createdAt, &maturity, &st)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan enrollment: %w", err)
	}

	e.ID = scheme.EnrollmentID(id)
	e.CustomerID = scheme.CustomerID(customer)
	e.RetailerID = scheme.RetailerID(retailer)
	e.Grade = scheme.Grade(grade)
	e.Status = scheme.EnrollmentStatus(st)
	e.TemplateID = deref(templateID)
	e.PlanName = deref(planName)
	e.CreatedAt = createdAt.UTC()
	if maturity != nil {
		m := maturity.UTC()
		e.MaturityDate = &m
	}
	return e, nil
}

// =============================================================================
// PAYMENTS - Append-only
// =============================================================================

func (c conn) AppendPayment(ctx context.Context, p scheme.Payment) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO payments
		(id, enrollment_id, amount, rate_per_gram, rate_id, grams_allocated,
		 kind, status, mode, source, paid_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		string(p.ID), string(p.EnrollmentID), p.Amount, p.RatePerGram, nullable(string(p.RateID)),
		p.GramsAllocated, string(p.Kind), string(p.Status), nullable(string(p.Mode)),
		nullable(string(p.Source)), p.PaidAt.UTC(), nullable(p.IdempotencyKey),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == uniqueViolation && pgErr.ConstraintName == "payments_idempotency_key_key":
				return scheme.ErrDuplicateIdempotencyKey
			case pgErr.Code == foreignKeyViolation:
				return fmt.Errorf("%w: %s", scheme.ErrEnrollmentNotFound, p.EnrollmentID)
			}
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `p.id, p.enrollment_id, p.amount, p.rate_per_gram, p.rate_id, p.grams_allocated,
	p.kind, p.status, p.mode, p.source, p.paid_at, p.idempotency_key`

func (c conn) Payments(ctx context.Context, id scheme.EnrollmentID) ([]scheme.Payment, error) {
	return c.queryPayments(ctx, "SELECT "+paymentColumns+` FROM payments p
		WHERE p.enrollment_id = $1 ORDER BY p.paid_at, p.id`, string(id))
}

func (c conn) ListPayments(ctx context.Context, filter scheme.PaymentFilter) ([]scheme.Payment, error) {
	var a args
	clauses := []string{}
	if where := enrollmentWhere(&a, filter.EnrollmentFilter, "e."); where != "" {
		clauses = append(clauses, strings.TrimPrefix(where, " WHERE "))
	}
	if filter.From != nil {
		clauses = append(clauses, "p.paid_at >= "+a.add(filter.From.UTC()))
	}
	if filter.To != nil {
		clauses = append(clauses, "p.paid_at <= "+a.add(filter.To.UTC()))
	}
	query := "SELECT " + paymentColumns + " FROM payments p JOIN enrollments e ON e.id = p.enrollment_id"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return c.queryPayments(ctx, query+" ORDER BY p.paid_at, p.id", a...)
}

func (c conn) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := c.q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM payments WHERE idempotency_key = $1)", idempotencyKey,
	).Scan(&exists)
	return exists, err
}

func (c conn) queryPayments(ctx context.Context, query string, a ...any) ([]scheme.Payment, error) {
	rows, err := c.q.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []scheme.Payment
	for rows.Next() {
		var (
			p                          scheme.Payment
			id, enrollmentID, kind, st string
			rateID, mode, source, key  *string
			paidAt                     time.Time
		)
		if err := rows.Scan(&id, &enrollmentID, &p.Amount, &p.RatePerGram, &rateID, &p.GramsAllocated,
			&kind, &st, &mode, &source, &paidAt, &key); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.ID = scheme.PaymentID(id)
		p.EnrollmentID = scheme.EnrollmentID(enrollmentID)
		p.Kind = scheme.PaymentKind(kind)
		p.Status = scheme.PaymentStatus(st)
		p.RateID = scheme.RateID(deref(rateID))
		p.Mode = scheme.PaymentMode(deref(mode))
		p.Source = scheme.PaymentSource(deref(source))
		p.IdempotencyKey = deref(key)
		p.PaidAt = paidAt.UTC()
		if err := scheme.CheckStoredAllocation(p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RATES
// =============================================================================

func (c conn) AddRate(ctx context.Context, r scheme.RateSnapshot) error {
	if err := scheme.ValidateRate(r); err != nil {
		return err
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO rates (id, retailer_id, grade, rate_per_gram, effective_from)
		VALUES ($1, $2, $3, $4, $5)
	`, string(r.ID), string(r.RetailerID), string(r.Grade), r.RatePerGram, r.EffectiveFrom.UTC())
	if err != nil {
		if isCode(err, uniqueViolation) {
			return &scheme.InvalidInputError{Field: "id", Value: r.ID, Reason: "rate snapshot already exists"}
		}
		return fmt.Errorf("insert rate: %w", err)
	}
	return nil
}

func (c conn) RateAt(ctx context.Context, retailerID scheme.RetailerID, grade scheme.Grade, at time.Time) (scheme.RateSnapshot, error) {
	rates, err := c.queryRates(ctx, `
		SELECT id, retailer_id, grade, rate_per_gram, effective_from FROM rates
		WHERE retailer_id = $1 AND grade = $2 AND effective_from <= $3
		ORDER BY effective_from DESC, id DESC
		LIMIT 1
	`, string(retailerID), string(grade), at.UTC())
	if err != nil {
		return scheme.RateSnapshot{}, err
	}
	return scheme.LatestEffective(rates, retailerID, grade, at)
}

func (c conn) ListRates(ctx context.Context, retailerID scheme.RetailerID) ([]scheme.RateSnapshot, error) {
	return c.queryRates(ctx, `
		SELECT id, retailer_id, grade, rate_per_gram, effective_from FROM rates
		WHERE retailer_id = $1
		ORDER BY effective_from DESC, id DESC
	`, string(retailerID))
}

func (c conn) queryRates(ctx context.Context, query string, a ...any) ([]scheme.RateSnapshot, error) {
	rows, err := c.q.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("query rates: %w", err)
	}
	defer rows.Close()

	var out []scheme.RateSnapshot
	for rows.Next() {
		var (
			r                   scheme.RateSnapshot
			id, retailer, grade string
			effectiveFrom       time.Time
		)
		if err := rows.Scan(&id, &retailer, &grade, &r.RatePerGram, &effectiveFrom); err != nil {
			return nil, fmt.Errorf("scan rate: %w", err)
		}
		r.ID = scheme.RateID(id)
		r.RetailerID = scheme.RetailerID(retailer)
		r.Grade = scheme.Grade(grade)
		r.EffectiveFrom = effectiveFrom.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// TEMPLATES
// =============================================================================

func (c conn) SaveTemplate(ctx context.Context, t scheme.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO templates
		(id, retailer_id, name, grade, installment_amount, duration_months, bonus_percentage, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			retailer_id = EXCLUDED.retailer_id,
			name = EXCLUDED.name,
			grade = EXCLUDED.grade,
			installment_amount = EXCLUDED.installment_amount,
			duration_months = EXCLUDED.duration_months,
			bonus_percentage = EXCLUDED.bonus_percentage,
			active = EXCLUDED.active
	`, t.ID, string(t.RetailerID), t.Name, string(t.Grade), t.InstallmentAmount,
		t.DurationMonths, t.BonusPercentage, t.Active)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

const templateColumns = `id, retailer_id, name, grade, installment_amount, duration_months, bonus_percentage, active`

func (c conn) GetTemplate(ctx context.Context, id string) (scheme.Template, error) {
	list, err := c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates WHERE id = $1", id)
	if err != nil {
		return scheme.Template{}, err
	}
	if len(list) == 0 {
		return scheme.Template{}, fmt.Errorf("%w: %s", scheme.ErrTemplateNotFound, id)
	}
	return list[0], nil
}

func (c conn) ListTemplates(ctx context.Context, retailerID scheme.RetailerID) ([]scheme.Template, error) {
	if retailerID == "" {
		return c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates ORDER BY id")
	}
	return c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates WHERE retailer_id = $1 ORDER BY id", string(retailerID))
}

func (c conn) queryTemplates(ctx context.Context, query string, a ...any) ([]scheme.Template, error) {
	rows, err := c.q.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []scheme.Template
	for rows.Next() {
		var (
			t               scheme.Template
			retailer, grade string
		)
		if err := rows.Scan(&t.ID, &retailer, &t.Name, &grade, &t.InstallmentAmount,
			&t.DurationMonths, &t.BonusPercentage, &t.Active); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.RetailerID = scheme.RetailerID(retailer)
		t.Grade = scheme.Grade(grade)
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// BILLING MONTH CACHE
// =============================================================================

func (c conn) SaveBillingMonths(ctx context.Context, id scheme.EnrollmentID, months []scheme.BillingMonth) error {
	if err := c.InvalidateBillingMonths(ctx, id); err != nil {
		return err
	}
	for _, m := range months {
		_, err := c.q.Exec(ctx, `
			INSERT INTO billing_months (enrollment_id, month_index, label, due_date, primary_paid, status, as_of)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, string(id), m.Index, m.Label, m.DueDate.UTC(), m.PrimaryPaid, string(m.Status), m.AsOf.UTC())
		if err != nil {
			return fmt.Errorf("insert billing month %d: %w", m.Index, err)
		}
	}
	return nil
}

func (c conn) BillingMonths(ctx context.Context, id scheme.EnrollmentID) ([]scheme.BillingMonth, bool, error) {
	rows, err := c.q.Query(ctx, `
		SELECT month_index, label, due_date, primary_paid, status, as_of FROM billing_months
		WHERE enrollment_id = $1 ORDER BY month_index
	`, string(id))
	if err != nil {
		return nil, false, fmt.Errorf("query billing months: %w", err)
	}
	defer rows.Close()

	var out []scheme.BillingMonth
	for rows.Next() {
		var (
			m         = scheme.BillingMonth{EnrollmentID: id}
			due, asOf time.Time
			st        string
		)
		if err := rows.Scan(&m.Index, &m.Label, &due, &m.PrimaryPaid, &st, &asOf); err != nil {
			return nil, false, fmt.Errorf("scan billing month: %w", err)
		}
		m.DueDate = due.UTC()
		m.AsOf = asOf.UTC()
		m.Status = scheme.BillingStatus(st)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return out, len(out) > 0, nil
}

func (c conn) InvalidateBillingMonths(ctx context.Context, id scheme.EnrollmentID) error {
	if _, err := c.q.Exec(ctx, "DELETE FROM billing_months WHERE enrollment_id = $1", string(id)); err != nil {
		return fmt.Errorf("delete billing months: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// args collects positional parameters and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func enrollmentWhere(a *args, filter scheme.EnrollmentFilter, alias string) string {
	var clauses []string
	if filter.CustomerID != "" {
		clauses = append(clauses, alias+"customer_id = "+a.add(string(filter.CustomerID)))
	}
	if filter.RetailerID != "" {
		clauses = append(clauses, alias+"retailer_id = "+a.add(string(filter.RetailerID)))
	}
	if filter.Status != "" {
		clauses = append(clauses, alias+"status = "+a.add(string(filter.Status)))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
