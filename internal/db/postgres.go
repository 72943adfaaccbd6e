package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablemesh/pos-core/internal/fiscal"
	"github.com/tablemesh/pos-core/internal/models"
)

// AuthoritativeStore is the relay host's Postgres backend: the system of
// record every terminal converges to. All entity writes are idempotent
// upserts keyed by the entity's stable identifier, and every applied
// replay item is recorded so redelivery after a lost acknowledgment is a
// no-op.
type AuthoritativeStore struct {
	pool *pgxpool.Pool
}

func NewAuthoritativeStore(ctx context.Context, connString string) (*AuthoritativeStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	return &AuthoritativeStore{pool: p}, nil
}

// Migrate creates the relay schema if it does not exist.
func (s *AuthoritativeStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL,
		rollover_time TEXT NOT NULL,
		rollover_mode TEXT NOT NULL DEFAULT 'auto',
		current_business_date TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS fiscal_periods (
		property_id TEXT NOT NULL REFERENCES properties(id),
		business_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		gross_sales BIGINT NOT NULL DEFAULT 0,
		net_sales BIGINT NOT NULL DEFAULT 0,
		tax BIGINT NOT NULL DEFAULT 0,
		tips BIGINT NOT NULL DEFAULT 0,
		check_count INT NOT NULL DEFAULT 0,
		guest_count INT NOT NULL DEFAULT 0,
		closed_at TIMESTAMPTZ,
		PRIMARY KEY (property_id, business_date)
	);

	CREATE TABLE IF NOT EXISTS checks (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		business_date TEXT NOT NULL,
		status TEXT NOT NULL,
		revision BIGINT NOT NULL,
		guest_count INT NOT NULL,
		gross_total BIGINT NOT NULL,
		body JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_checks_period ON checks(property_id, business_date, status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		check_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		business_date TEXT NOT NULL,
		amount BIGINT NOT NULL,
		tip BIGINT NOT NULL,
		tax BIGINT NOT NULL,
		method TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_period ON payments(property_id, business_date);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		business_date TEXT NOT NULL,
		role TEXT NOT NULL,
		clock_in TIMESTAMPTZ NOT NULL,
		clock_out TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS applied_items (
		item_id TEXT PRIMARY KEY,
		terminal_id TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate relay schema: %w", err)
	}
	return nil
}

func (s *AuthoritativeStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// IsProcessed reports whether a replay item was already applied. Checked
// before any lock is taken so duplicates are acknowledged cheaply.
func (s *AuthoritativeStore) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_items WHERE item_id = $1)`, itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return exists, nil
}

// MarkProcessed records the item inside the same transaction as the entity
// write, so the apply and its idempotency marker commit atomically.
func (s *AuthoritativeStore) MarkProcessed(ctx context.Context, tx pgx.Tx, itemID, terminalID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO applied_items (item_id, terminal_id) VALUES ($1, $2) ON CONFLICT (item_id) DO NOTHING`,
		itemID, terminalID,
	)
	return err
}

func (s *AuthoritativeStore) UpsertCheck(ctx context.Context, tx pgx.Tx, check models.Check, body []byte) error {
	query := `
		INSERT INTO checks (id, property_id, business_date, status, revision, guest_count, gross_total, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			property_id = excluded.property_id,
			business_date = excluded.business_date,
			status = excluded.status,
			revision = excluded.revision,
			guest_count = excluded.guest_count,
			gross_total = excluded.gross_total,
			body = excluded.body,
			updated_at = now()`

	_, err := tx.Exec(ctx, query,
		check.ID, check.PropertyID, check.BusinessDate, string(check.Status),
		check.Revision, check.GuestCount, check.Total(), body,
	)
	if err != nil {
		return fmt.Errorf("upsert check %s: %w", check.ID, err)
	}
	return nil
}

func (s *AuthoritativeStore) DeleteCheck(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM checks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete check %s: %w", id, err)
	}
	return nil
}

func (s *AuthoritativeStore) UpsertPayment(ctx context.Context, tx pgx.Tx, p models.Payment) error {
	query := `
		INSERT INTO payments (id, check_id, property_id, business_date, amount, tip, tax, method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			check_id = excluded.check_id,
			property_id = excluded.property_id,
			business_date = excluded.business_date,
			amount = excluded.amount,
			tip = excluded.tip,
			tax = excluded.tax,
			method = excluded.method,
			created_at = excluded.created_at`

	_, err := tx.Exec(ctx, query,
		p.ID, p.CheckID, p.PropertyID, p.BusinessDate, p.Amount, p.Tip, p.Tax, p.Method, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *AuthoritativeStore) DeletePayment(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete payment %s: %w", id, err)
	}
	return nil
}

func (s *AuthoritativeStore) UpsertTimeEntry(ctx context.Context, tx pgx.Tx, e models.TimeEntry) error {
	query := `
		INSERT INTO time_entries (id, employee_id, property_id, business_date, role, clock_in, clock_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			employee_id = excluded.employee_id,
			property_id = excluded.property_id,
			business_date = excluded.business_date,
			role = excluded.role,
			clock_in = excluded.clock_in,
			clock_out = excluded.clock_out`

	_, err := tx.Exec(ctx, query,
		e.ID, e.EmployeeID, e.PropertyID, e.BusinessDate, e.Role, e.ClockIn, e.ClockOut,
	)
	if err != nil {
		return fmt.Errorf("upsert time entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *AuthoritativeStore) DeleteTimeEntry(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM time_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete time entry %s: %w", id, err)
	}
	return nil
}

func (s *AuthoritativeStore) ListProperties(ctx context.Context) ([]models.Property, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, timezone, rollover_time, rollover_mode, current_business_date FROM properties ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var props []models.Property
	for rows.Next() {
		var p models.Property
		if err := rows.Scan(&p.ID, &p.Name, &p.Timezone, &p.RolloverTime, &p.RolloverMode, &p.CurrentBusinessDate); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// ListOpenPeriods returns non-closed periods oldest business date first.
func (s *AuthoritativeStore) ListOpenPeriods(ctx context.Context, propertyID string) ([]models.FiscalPeriod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT property_id, business_date, status, gross_sales, net_sales, tax, tips, check_count, guest_count, closed_at
		FROM fiscal_periods
		WHERE property_id = $1 AND status <> 'closed'
		ORDER BY business_date ASC`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list open periods: %w", err)
	}
	defer rows.Close()

	var periods []models.FiscalPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (s *AuthoritativeStore) GetPeriod(ctx context.Context, propertyID, businessDate string) (*models.FiscalPeriod, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT property_id, business_date, status, gross_sales, net_sales, tax, tips, check_count, guest_count, closed_at
		FROM fiscal_periods
		WHERE property_id = $1 AND business_date = $2`, propertyID, businessDate)

	p, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AggregateTotals rolls up the closed checks and payments of one business
// date. Open checks are excluded; they carry forward into the next period.
func (s *AuthoritativeStore) AggregateTotals(ctx context.Context, propertyID, businessDate string) (models.PeriodTotals, error) {
	var totals models.PeriodTotals

	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(gross_total), 0), COUNT(*), COALESCE(SUM(guest_count), 0)
		FROM checks
		WHERE property_id = $1 AND business_date = $2 AND status = 'closed'`,
		propertyID, businessDate,
	).Scan(&totals.GrossSales, &totals.CheckCount, &totals.GuestCount)
	if err != nil {
		return totals, fmt.Errorf("aggregate checks: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(tax), 0), COALESCE(SUM(tip), 0)
		FROM payments
		WHERE property_id = $1 AND business_date = $2`,
		propertyID, businessDate,
	).Scan(&totals.Tax, &totals.Tips)
	if err != nil {
		return totals, fmt.Errorf("aggregate payments: %w", err)
	}

	totals.NetSales = totals.GrossSales - totals.Tax
	return totals, nil
}

func (s *AuthoritativeStore) ClosePeriod(ctx context.Context, propertyID, businessDate string, totals models.PeriodTotals, closedAt time.Time) error {
	query := `
		UPDATE fiscal_periods
		SET status = 'closed',
		    gross_sales = $3, net_sales = $4, tax = $5, tips = $6,
		    check_count = $7, guest_count = $8, closed_at = $9
		WHERE property_id = $1 AND business_date = $2 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query,
		propertyID, businessDate,
		totals.GrossSales, totals.NetSales, totals.Tax, totals.Tips,
		totals.CheckCount, totals.GuestCount, closedAt,
	)
	if err != nil {
		return fmt.Errorf("close period %s/%s: %w", propertyID, businessDate, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("period %s/%s is not open", propertyID, businessDate)
	}
	return nil
}

func (s *AuthoritativeStore) CreatePeriod(ctx context.Context, propertyID, businessDate string) error {
	// The primary key enforces at most one period per (property, date);
	// a concurrent creator wins silently.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fiscal_periods (property_id, business_date, status)
		VALUES ($1, $2, 'open')
		ON CONFLICT (property_id, business_date) DO NOTHING`,
		propertyID, businessDate,
	)
	if err != nil {
		return fmt.Errorf("create period %s/%s: %w", propertyID, businessDate, err)
	}
	return nil
}

func scanPeriod(row pgx.Row) (models.FiscalPeriod, error) {
	var (
		p      models.FiscalPeriod
		status string
	)
	err := row.Scan(
		&p.PropertyID, &p.BusinessDate, &status,
		&p.Totals.GrossSales, &p.Totals.NetSales, &p.Totals.Tax, &p.Totals.Tips,
		&p.Totals.CheckCount, &p.Totals.GuestCount, &p.ClosedAt,
	)
	if err != nil {
		return p, err
	}
	p.Status = models.PeriodStatus(status)
	return p, nil
}

func (s *AuthoritativeStore) Close() {
	s.pool.Close()
}

var _ fiscal.PeriodStore = (*AuthoritativeStore)(nil)
