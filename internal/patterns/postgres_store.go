package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists patterns in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pattern store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recipientColumns = `address, label, category, tx_count, total_volume, max_amount, last_seen_at, typical_hours`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row scanner) (*RecipientPattern, error) {
	var (
		p     RecipientPattern
		label sql.NullString
		seen  sql.NullTime
		hours pq.Int64Array
	)
	if err := row.Scan(&p.Address, &label, &p.Category, &p.TransactionCount,
		&p.TotalVolume, &p.MaxAmount, &seen, &hours); err != nil {
		return nil, err
	}
	p.Label = label.String
	if seen.Valid {
		t := seen.Time.UTC()
		p.LastSeenAt = &t
	}
	p.TypicalHours = make([]int, len(hours))
	for i, h := range hours {
		p.TypicalHours[i] = int(h)
	}
	return &p, nil
}

func (s *PostgresStore) GetRecipient(ctx context.Context, address string) (*RecipientPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipient_patterns WHERE address = $1`, address)
	p, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ListRecipients(ctx context.Context) ([]*RecipientPattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recipientColumns+` FROM recipient_patterns ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RecipientPattern
	for rows.Next() {
		p, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountKnownRecipients(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipient_patterns WHERE tx_count > 0`).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetDaily(ctx context.Context, day string) (*DailyAggregate, error) {
	d := DailyAggregate{Date: day}
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_count, total_volume FROM daily_aggregates WHERE day = $1`, day,
	).Scan(&d.TransactionCount, &d.TotalVolume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Apply records the execution marker and both upserts in one transaction.
// The marker insert doubles as the dedupe check.
func (s *PostgresStore) Apply(ctx context.Context, exec Execution) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pattern_executions (tx_id, recipient, amount, executed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_id) DO NOTHING`,
		exec.TxID, exec.Recipient, exec.Amount, exec.At)
	if err != nil {
		return false, fmt.Errorf("failed to insert execution marker: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	hour := exec.At.UTC().Hour()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recipient_patterns (address, category, tx_count, total_volume, max_amount, last_seen_at, typical_hours)
		VALUES ($1, $2, 1, $3, $3, $4, ARRAY[$5::INT])
		ON CONFLICT (address) DO UPDATE SET
			tx_count = recipient_patterns.tx_count + 1,
			total_volume = recipient_patterns.total_volume + EXCLUDED.total_volume,
			max_amount = GREATEST(recipient_patterns.max_amount, EXCLUDED.max_amount),
			last_seen_at = EXCLUDED.last_seen_at,
			typical_hours = CASE
				WHEN $5::INT = ANY(recipient_patterns.typical_hours) THEN recipient_patterns.typical_hours
				ELSE ARRAY(SELECT unnest(array_append(recipient_patterns.typical_hours, $5::INT)) ORDER BY 1)
			END`,
		exec.Recipient, DefaultCategory, exec.Amount, exec.At, hour); err != nil {
		return false, fmt.Errorf("failed to upsert recipient pattern: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (day, tx_count, total_volume)
		VALUES ($1, 1, $2)
		ON CONFLICT (day) DO UPDATE SET
			tx_count = daily_aggregates.tx_count + 1,
			total_volume = daily_aggregates.total_volume + EXCLUDED.total_volume`,
		DayKey(exec.At), exec.Amount); err != nil {
		return false, fmt.Errorf("failed to upsert daily aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Annotate(ctx context.Context, address, label, category string) (*RecipientPattern, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO recipient_patterns (address, label, category, tx_count, total_volume, max_amount, typical_hours)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), $4), 0, 0, 0, '{}')
		ON CONFLICT (address) DO UPDATE SET
			label = EXCLUDED.label,
			category = COALESCE(NULLIF($3, ''), recipient_patterns.category)
		RETURNING `+recipientColumns,
		address, nullString(label), category, DefaultCategory)
	return scanRecipient(row)
}

func (s *PostgresStore) GetLimits(ctx context.Context) (*Limits, error) {
	var (
		l     Limits
		hours pq.Int64Array
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT max_single_transfer, max_daily_volume, allowed_hours_utc FROM global_limits WHERE id = TRUE`,
	).Scan(&l.MaxSingleTransfer, &l.MaxDailyVolume, &hours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLimits
	}
	if err != nil {
		return nil, err
	}
	l.AllowedHoursUTC = make([]int, len(hours))
	for i, h := range hours {
		l.AllowedHoursUTC[i] = int(h)
	}
	return &l, nil
}

func (s *PostgresStore) PutLimits(ctx context.Context, l Limits) error {
	hours := make(pq.Int64Array, len(l.AllowedHoursUTC))
	for i, h := range l.AllowedHoursUTC {
		hours[i] = int64(h)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_limits (id, max_single_transfer, max_daily_volume, allowed_hours_utc, updated_at)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			max_single_transfer = EXCLUDED.max_single_transfer,
			max_daily_volume = EXCLUDED.max_daily_volume,
			allowed_hours_utc = EXCLUDED.allowed_hours_utc,
			updated_at = EXCLUDED.updated_at`,
		l.MaxSingleTransfer, l.MaxDailyVolume, hours, time.Now().UTC())
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
