package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feeledger/internal/core"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const timestampLayout = time.RFC3339Nano

const paymentColumns = `id, fee_code, household_id, period, amount_minor, status,
	paid_on, due_date, method, collector, created_at, updated_at`

// SQLiteRepository is the Store backed by a single SQLite file.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteRepository)(nil)

// SQLiteDSN builds a modernc DSN for path with foreign keys, WAL and a busy timeout.
func SQLiteDSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := SQLiteDSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer keeps insert-if-absent and compare-and-set updates serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) GetFee(ctx context.Context, code string) (core.Fee, error) {
	row := r.db.QueryRowContext(ctx, `SELECT code, name, amount_minor, category, recurrence,
		start_date, end_date, active FROM fees WHERE code = ?`, code)
	f, err := scanFee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Fee{}, fmt.Errorf("fee %q: %w", code, core.ErrNotFound)
	}
	if err != nil {
		return core.Fee{}, fmt.Errorf("get fee %q: %w", code, err)
	}
	return f, nil
}

func (r *SQLiteRepository) ListFees(ctx context.Context) ([]core.Fee, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT code, name, amount_minor, category, recurrence,
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

// SaveFee inserts or updates a fee. Fees are soft-deactivated, never deleted.
func (r *SQLiteRepository) SaveFee(ctx context.Context, f core.Fee) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid fee: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO fees
		(code, name, amount_minor, category, recurrence, start_date, end_date, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			amount_minor = excluded.amount_minor,
			category = excluded.category,
			recurrence = excluded.recurrence,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			active = excluded.active`,
		f.Code, f.Name, f.Amount.Minor, string(f.Category), string(f.RecurrenceOrDefault()),
		f.StartDate.String(), nullString(f.EndDate.String()), f.Active)
	if err != nil {
		return fmt.Errorf("save fee %q: %w", f.Code, err)
	}
	slog.DebugContext(ctx, "Fee saved to SQLite", "fee_code", f.Code, "active", f.Active)
	return nil
}

func (r *SQLiteRepository) GetHousehold(ctx context.Context, id string) (core.Household, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, address, head_resident_id, created_on, active
		FROM households WHERE id = ?`, id)
	h, err := scanHousehold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Household{}, fmt.Errorf("household %q: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Household{}, fmt.Errorf("get household %q: %w", id, err)
	}
	return h, nil
}

func (r *SQLiteRepository) ListHouseholds(ctx context.Context) ([]core.Household, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, address, head_resident_id, created_on, active
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

func (r *SQLiteRepository) SaveHousehold(ctx context.Context, h core.Household) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("invalid household: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO households
		(id, address, head_resident_id, created_on, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			head_resident_id = excluded.head_resident_id,
			created_on = excluded.created_on,
			active = excluded.active`,
		h.ID, h.Address, nullString(h.HeadResidentID), h.CreatedOn.String(), h.Active)
	if err != nil {
		return fmt.Errorf("save household %q: %w", h.ID, err)
	}
	slog.DebugContext(ctx, "Household saved to SQLite", "household_id", h.ID, "active", h.Active)
	return nil
}

func (r *SQLiteRepository) FindPayment(ctx context.Context, key core.PaymentKey) (core.Payment, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE fee_code = ? AND household_id = ? AND period = ?`,
		key.FeeCode, key.HouseholdID, key.Period.String())
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Payment{}, false, nil
	}
	if err != nil {
		return core.Payment{}, false, fmt.Errorf("find payment %s: %w", key, err)
	}
	return p, true, nil
}

func (r *SQLiteRepository) ListPayments(ctx context.Context, filter PaymentFilter) ([]core.Payment, error) {
	var (
		where []string
		args  []any
	)
	if filter.FeeCode != "" {
		where = append(where, "fee_code = ?")
		args = append(args, filter.FeeCode)
	}
	if filter.HouseholdID != "" {
		where = append(where, "household_id = ?")
		args = append(args, filter.HouseholdID)
	}
	if !filter.From.IsZero() {
		where = append(where, "period >= ?")
		args = append(args, filter.From.String())
	}
	if !filter.To.IsZero() {
		where = append(where, "period <= ?")
		args = append(args, filter.To.String())
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period, fee_code, household_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *SQLiteRepository) InsertPaymentIfAbsent(ctx context.Context, p core.Payment) (core.Payment, bool, error) {
	p, err := PrepareInsert(p, r.now())
	if err != nil {
		return core.Payment{}, false, err
	}
	row := r.db.QueryRowContext(ctx, `INSERT INTO payments
		(fee_code, household_id, period, amount_minor, status, paid_on, due_date, method, collector, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fee_code, household_id, period) DO NOTHING
		RETURNING id`, insertArgs(p)...)
	if err := row.Scan(&p.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, ok, ferr := r.FindPayment(ctx, p.Key())
			if ferr != nil {
				return core.Payment{}, false, ferr
			}
			if !ok {
				return core.Payment{}, false, fmt.Errorf("insert payment %s: conflicting row vanished", p.Key())
			}
			return existing, false, nil
		}
		return core.Payment{}, false, fmt.Errorf("insert payment %s: %w", p.Key(), mapSQLiteError(err))
	}
	return p, true, nil
}

func (r *SQLiteRepository) InsertPayment(ctx context.Context, p core.Payment) (core.Payment, error) {
	p, err := PrepareInsert(p, r.now())
	if err != nil {
		return core.Payment{}, err
	}
	row := r.db.QueryRowContext(ctx, `INSERT INTO payments
		(fee_code, household_id, period, amount_minor, status, paid_on, due_date, method, collector, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`, insertArgs(p)...)
	if err := row.Scan(&p.ID); err != nil {
		return core.Payment{}, fmt.Errorf("insert payment %s: %w", p.Key(), mapSQLiteError(err))
	}
	slog.InfoContext(ctx, "Payment saved to SQLite",
		"id", p.ID,
		"key", p.Key().String(),
		"status", p.Status,
		"amount_minor", p.Amount.Minor)
	return p, nil
}

func (r *SQLiteRepository) TransitionPayment(ctx context.Context, id int64, from, to core.Status, s *core.Settlement) (core.Payment, error) {
	if err := CheckTransition(from, to, s); err != nil {
		return core.Payment{}, err
	}

	query := `UPDATE payments SET status = ?, updated_at = ?`
	args := []any{string(to), r.now().Format(timestampLayout)}
	if s != nil {
		query += `, amount_minor = ?, paid_on = ?, method = ?, collector = ?`
		args = append(args, s.Amount.Minor, s.PaidOn.String(), string(s.Method), nullString(s.Collector))
	}
	query += ` WHERE id = ? AND status = ? RETURNING ` + paymentColumns
	args = append(args, id, string(from))

	p, err := scanPayment(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var current string
		err := r.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Payment{}, fmt.Errorf("payment %d: %w", id, core.ErrNotFound)
		}
		if err != nil {
			return core.Payment{}, fmt.Errorf("read payment %d: %w", id, err)
		}
		return core.Payment{}, fmt.Errorf("%w: payment %d is %s, not %s", core.ErrInvalidTransition, id, current, from)
	}
	if err != nil {
		return core.Payment{}, fmt.Errorf("transition payment %d: %w", id, mapSQLiteError(err))
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFee(s scanner) (core.Fee, error) {
	var (
		f                    core.Fee
		category, recurrence string
		startDate            string
		endDate              sql.NullString
	)
	if err := s.Scan(&f.Code, &f.Name, &f.Amount.Minor, &category, &recurrence, &startDate, &endDate, &f.Active); err != nil {
		return core.Fee{}, err
	}
	f.Category = core.Category(category)
	f.Recurrence = core.Recurrence(recurrence)
	var err error
	if f.StartDate, err = core.ParseDate(startDate); err != nil {
		return core.Fee{}, err
	}
	if f.EndDate, err = core.ParseDate(endDate.String); err != nil {
		return core.Fee{}, err
	}
	return f, nil
}

func scanHousehold(s scanner) (core.Household, error) {
	var (
		h         core.Household
		head      sql.NullString
		createdOn string
	)
	if err := s.Scan(&h.ID, &h.Address, &head, &createdOn, &h.Active); err != nil {
		return core.Household{}, err
	}
	h.HeadResidentID = head.String
	var err error
	if h.CreatedOn, err = core.ParseDate(createdOn); err != nil {
		return core.Household{}, err
	}
	return h, nil
}

func scanPayment(s scanner) (core.Payment, error) {
	var (
		p                                core.Payment
		period, status                   string
		paidOn, dueDate, method, collect sql.NullString
		createdAt, updatedAt             string
	)
	if err := s.Scan(&p.ID, &p.FeeCode, &p.HouseholdID, &period, &p.Amount.Minor, &status,
		&paidOn, &dueDate, &method, &collect, &createdAt, &updatedAt); err != nil {
		return core.Payment{}, err
	}
	var err error
	if p.Period, err = core.ParsePeriod(period); err != nil {
		return core.Payment{}, err
	}
	if p.PaidOn, err = core.ParseDate(paidOn.String); err != nil {
		return core.Payment{}, err
	}
	if p.DueDate, err = core.ParseDate(dueDate.String); err != nil {
		return core.Payment{}, err
	}
	p.Status = core.Status(status)
	p.Method = core.CollectionMethod(method.String)
	p.Collector = collect.String
	if p.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return core.Payment{}, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timestampLayout, updatedAt); err != nil {
		return core.Payment{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return p, nil
}

func insertArgs(p core.Payment) []any {
	return []any{
		p.FeeCode, p.HouseholdID, p.Period.String(), p.Amount.Minor, string(p.Status),
		nullString(p.PaidOn.String()), nullString(p.DueDate.String()),
		nullString(string(p.Method)), nullString(p.Collector),
		p.CreatedAt.Format(timestampLayout), p.UpdatedAt.Format(timestampLayout),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapSQLiteError translates constraint failures into the core sentinels.
func mapSQLiteError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", core.ErrConstraintViolation, err)
	case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("unknown fee or household: %w", core.ErrNotFound)
	case code&0xff == sqlite3.SQLITE_CONSTRAINT:
		msg := se.Error()
		if strings.Contains(msg, "UNIQUE") {
			return fmt.Errorf("%w: %v", core.ErrConstraintViolation, err)
		}
		if strings.Contains(msg, "FOREIGN KEY") {
			return fmt.Errorf("unknown fee or household: %w", core.ErrNotFound)
		}
	}
	return err
}
