package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zhentan/cosigner/internal/risk"
)

// PostgresStore persists settings and decisions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed admission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetSettings(ctx context.Context, group string) (*Settings, error) {
	var (
		s         Settings
		lastCheck sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT signer_group, screening_enabled, last_check, updated_at
		FROM group_settings WHERE signer_group = $1
	`, group).Scan(&s.SignerGroup, &s.ScreeningEnabled, &lastCheck, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		t := lastCheck.Time.UTC()
		s.LastCheck = &t
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func (p *PostgresStore) PutSettings(ctx context.Context, s *Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO group_settings (signer_group, screening_enabled, last_check, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signer_group) DO UPDATE SET
			screening_enabled = EXCLUDED.screening_enabled,
			last_check = EXCLUDED.last_check,
			updated_at = EXCLUDED.updated_at
	`, s.SignerGroup, s.ScreeningEnabled, s.LastCheck, s.UpdatedAt)
	return err
}

func (p *PostgresStore) AppendDecision(ctx context.Context, d *Decision) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO decisions (tx_id, signer_group, verdict, score, action, actor, detail, decided_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, d.TxID, d.Group, string(d.Verdict), d.Score, string(d.Action), d.Actor, d.Detail, d.At)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentDecisions(ctx context.Context, group string, limit int) ([]*Decision, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tx_id, signer_group, verdict, score, action, actor, detail, decided_at
		FROM decisions
		WHERE signer_group = $1
		ORDER BY id DESC
		LIMIT $2
	`, group, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Decision
	for rows.Next() {
		var (
			d       Decision
			verdict sql.NullString
			score   sql.NullInt64
		)
		if err := rows.Scan(&d.TxID, &d.Group, &verdict, &score, &d.Action, &d.Actor, &d.Detail, &d.At); err != nil {
			return nil, err
		}
		d.Verdict = risk.Verdict(verdict.String)
		if score.Valid {
			v := int(score.Int64)
			d.Score = &v
		}
		d.At = d.At.UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}
