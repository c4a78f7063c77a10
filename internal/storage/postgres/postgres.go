// Package postgres implements the Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const paymentColumns = `id, fee_code, household_id, period, amount_minor, status,
	paid_on, due_date, method, collector, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New connects to dsn, applies migrations and returns a ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// RunMigrations applies the embedded schema through the pgx/v5 migrate driver.
func RunMigrations(dsn string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the scheme the pgx/v5 driver registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetFee(ctx context.Context, code string) (core.Fee, error) {
	row := s.pool.QueryRow(ctx, `SELECT code, name, amount_minor, category, recurrence,
		start_date, end_date, active FROM fees WHERE code = $1`, code)
	f, err := scanFee(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Fee{}, fmt.Errorf("fee %q: %w", code, core.ErrNotFound)
	}
	if err != nil {
		return core.Fee{}, fmt.Errorf("get fee %q: %w", code, err)
	}
	return f, nil
}

func (s *Store) ListFees(ctx context.Context) ([]core.Fee, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name, amount_minor, category, recurrence,
		start_date, end_date, active FROM fees ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list fees: %w", err)
	}
	defer rows.Close()

	var fees []core.Fee
	for rows.Next() {
		f, err := scanFee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fee: %w", err)
		}
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

func (s *Store) SaveFee(ctx context.Context, f core.Fee) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid fee: %w", err)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO fees
		(code, name, amount_minor, category, recurrence, start_date, end_date, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			amount_minor = EXCLUDED.amount_minor,
			category = EXCLUDED.category,
			recurrence = EXCLUDED.recurrence,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			active = EXCLUDED.active`,
		f.Code, f.Name, f.Amount.Minor, string(f.Category), string(f.RecurrenceOrDefault()),
		f.StartDate.Time, dateArg(f.EndDate), f.Active)
	if err != nil {
		return fmt.Errorf("save fee %q: %w", f.Code, err)
	}
	slog.DebugContext(ctx, "Fee saved to Postgres", "fee_code", f.Code, "active", f.Active)
	return nil
}

func (s *Store) GetHousehold(ctx context.Context, id string) (core.Household, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, address, head_resident_id, created_on, active
		FROM households WHERE id = $1`, id)
	h, err := scanHousehold(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Household{}, fmt.Errorf("household %q: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Household{}, fmt.Errorf("get household %q: %w", id, err)
	}
	return h, nil
}

func (s *Store) ListHouseholds(ctx context.Context) ([]core.Household, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, address, head_resident_id, created_on, active
		FROM households ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list households: %w", err)
	}
	defer rows.Close()

	var households []core.Household
	for rows.Next() {
		h, err := scanHousehold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan household: %w", err)
		}
		households = append(households, h)
	}
	return households, rows.Err()
}

func (s *Store) SaveHousehold(ctx context.Context, h core.Household) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("invalid household: %w", err)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO households
		(id, address, head_resident_id, created_on, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			head_resident_id = EXCLUDED.head_resident_id,
			created_on = EXCLUDED.created_on,
			active = EXCLUDED.active`,
		h.ID, h.Address, textArg(h.HeadResidentID), h.CreatedOn.Time, h.Active)
	if err != nil {
		return fmt.Errorf("save household %q: %w", h.ID, err)
	}
	slog.DebugContext(ctx, "Household saved to Postgres", "household_id", h.ID, "active", h.Active)
	return nil
}

func (s *Store) FindPayment(ctx context.Context, key core.PaymentKey) (core.Payment, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE fee_code = $1 AND household_id = $2 AND period = $3`,
		key.FeeCode, key.HouseholdID, key.Period.String())
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Payment{}, false, nil
	}
	if err != nil {
		return core.Payment{}, false, fmt.Errorf("find payment %s: %w", key, err)
	}
	return p, true, nil
}

func (s *Store) ListPayments(ctx context.Context, filter storage.PaymentFilter) ([]core.Payment, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.FeeCode != "" {
		where = append(where, "fee_code = "+arg(filter.FeeCode))
	}
	if filter.HouseholdID != "" {
		where = append(where, "household_id = "+arg(filter.HouseholdID))
	}
	if !filter.From.IsZero() {
		where = append(where, "period >= "+arg(filter.From.String()))
	}
	if !filter.To.IsZero() {
		where = append(where, "period <= "+arg(filter.To.String()))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period, fee_code, household_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []core.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) InsertPaymentIfAbsent(ctx context.Context, p core.Payment) (core.Payment, bool, error) {
	p, err := storage.PrepareInsert(p, s.now())
	if err != nil {
		return core.Payment{}, false, err
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO payments
		(fee_code, household_id, period, amount_minor, status, paid_on, due_date, method, collector, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fee_code, household_id, period) DO NOTHING
		RETURNING id`, insertArgs(p)...).Scan(&p.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ok, ferr := s.FindPayment(ctx, p.Key())
		if ferr != nil {
			return core.Payment{}, false, ferr
		}
		if !ok {
			return core.Payment{}, false, fmt.Errorf("insert payment %s: conflicting row vanished", p.Key())
		}
		return existing, false, nil
	}
	if err != nil {
		return core.Payment{}, false, fmt.Errorf("insert payment %s: %w", p.Key(), mapPgError(err))
	}
	return p, true, nil
}

func (s *Store) InsertPayment(ctx context.Context, p core.Payment) (core.Payment, error) {
	p, err := storage.PrepareInsert(p, s.now())
	if err != nil {
		return core.Payment{}, err
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO payments
		(fee_code, household_id, period, amount_minor, status, paid_on, due_date, method, collector, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`, insertArgs(p)...).Scan(&p.ID)
	if err != nil {
		return core.Payment{}, fmt.Errorf("insert payment %s: %w", p.Key(), mapPgError(err))
	}
	slog.InfoContext(ctx, "Payment saved to Postgres",
		"id", p.ID,
		"key", p.Key().String(),
		"status", p.Status,
		"amount_minor", p.Amount.Minor)
	return p, nil
}

func (s *Store) TransitionPayment(ctx context.Context, id int64, from, to core.Status, st *core.Settlement) (core.Payment, error) {
	if err := storage.CheckTransition(from, to, st); err != nil {
		return core.Payment{}, err
	}

	args := []any{id, string(from), string(to), s.now()}
	set := "status = $3, updated_at = $4"
	if st != nil {
		args = append(args, st.Amount.Minor, st.PaidOn.Time, string(st.Method), textArg(st.Collector))
		set += ", amount_minor = $5, paid_on = $6, method = $7, collector = $8"
	}
	row := s.pool.QueryRow(ctx, `UPDATE payments SET `+set+`
		WHERE id = $1 AND status = $2 RETURNING `+paymentColumns, args...)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Payment{}, fmt.Errorf("payment %d: %w", id, core.ErrNotFound)
		}
		if err != nil {
			return core.Payment{}, fmt.Errorf("read payment %d: %w", id, err)
		}
		return core.Payment{}, fmt.Errorf("%w: payment %d is %s, not %s", core.ErrInvalidTransition, id, current, from)
	}
	if err != nil {
		return core.Payment{}, fmt.Errorf("transition payment %d: %w", id, mapPgError(err))
	}
	return p, nil
}

func scanFee(row pgx.Row) (core.Fee, error) {
	var (
		f                    core.Fee
		category, recurrence string
		start                time.Time
		end                  *time.Time
	)
	if err := row.Scan(&f.Code, &f.Name, &f.Amount.Minor, &category, &recurrence, &start, &end, &f.Active); err != nil {
		return core.Fee{}, err
	}
	f.Category = core.Category(category)
	f.Recurrence = core.Recurrence(recurrence)
	f.StartDate = core.DateOf(start)
	f.EndDate = dateOf(end)
	return f, nil
}

func scanHousehold(row pgx.Row) (core.Household, error) {
	var (
		h       core.Household
		head    *string
		created time.Time
	)
	if err := row.Scan(&h.ID, &h.Address, &head, &created, &h.Active); err != nil {
		return core.Household{}, err
	}
	if head != nil {
		h.HeadResidentID = *head
	}
	h.CreatedOn = core.DateOf(created)
	return h, nil
}

func scanPayment(row pgx.Row) (core.Payment, error) {
	var (
		p                    core.Payment
		period, status       string
		paidOn, dueDate      *time.Time
		method, collector    *string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&p.ID, &p.FeeCode, &p.HouseholdID, &period, &p.Amount.Minor, &status,
		&paidOn, &dueDate, &method, &collector, &createdAt, &updatedAt); err != nil {
		return core.Payment{}, err
	}
	var err error
	if p.Period, err = core.ParsePeriod(period); err != nil {
		return core.Payment{}, err
	}
	p.Status = core.Status(status)
	p.PaidOn = dateOf(paidOn)
	p.DueDate = dateOf(dueDate)
	if method != nil {
		p.Method = core.CollectionMethod(*method)
	}
	if collector != nil {
		p.Collector = *collector
	}
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	return p, nil
}

func insertArgs(p core.Payment) []any {
	return []any{
		p.FeeCode, p.HouseholdID, p.Period.String(), p.Amount.Minor, string(p.Status),
		dateArg(p.PaidOn), dateArg(p.DueDate), textArg(string(p.Method)), textArg(p.Collector),
		p.CreatedAt, p.UpdatedAt,
	}
}

func dateOf(t *time.Time) core.Date {
	if t == nil {
		return core.Date{}
	}
	return core.DateOf(*t)
}

func dateArg(d core.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%w: %s", core.ErrConstraintViolation, pgErr.ConstraintName)
	case foreignKeyViolation:
		return fmt.Errorf("unknown fee or household: %w", core.ErrNotFound)
	}
	return err
}
