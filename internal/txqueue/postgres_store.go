package txqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zhentan/cosigner/internal/pagination"
	"github.com/zhentan/cosigner/internal/risk"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, signer_group, recipient, amount, asset, proposed_by, proposer_signature,
		required_signers, threshold, unsigned_operation, origin, requester, status,
		risk_score, risk_verdict, risk_reasons, risk_evaluated_at,
		review_started_at, review_reason, decided_by, reject_reason, rejected_at,
		executed_at, executed_by, result_hash, success, submitted_op_hash, submitted_at,
		created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t                                                      Transaction
		requester                                              []byte
		riskScore                                              sql.NullInt64
		riskVerdict, reviewReason, decidedBy, rejectReason     sql.NullString
		executedBy, resultHash, submittedOpHash                sql.NullString
		riskEvaluatedAt, reviewStartedAt, rejectedAt, executed sql.NullTime
		submittedAt                                            sql.NullTime
		success                                                sql.NullBool
		signers, reasons                                       pq.StringArray
	)
	err := row.Scan(
		&t.ID, &t.SignerGroup, &t.Recipient, &t.Amount, &t.Asset, &t.ProposedBy, &t.ProposerSignature,
		&signers, &t.Threshold, &t.UnsignedOperation, &t.Origin, &requester, &t.Status,
		&riskScore, &riskVerdict, &reasons, &riskEvaluatedAt,
		&reviewStartedAt, &reviewReason, &decidedBy, &rejectReason, &rejectedAt,
		&executed, &executedBy, &resultHash, &success, &submittedOpHash, &submittedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RequiredSigners = []string(signers)
	if len(reasons) > 0 {
		t.RiskReasons = []string(reasons)
	}
	if len(requester) > 0 {
		var r Requester
		if err := json.Unmarshal(requester, &r); err != nil {
			return nil, fmt.Errorf("failed to decode requester: %w", err)
		}
		t.Requester = &r
	}
	if riskScore.Valid {
		s := int(riskScore.Int64)
		t.RiskScore = &s
	}
	t.RiskVerdict = risk.Verdict(riskVerdict.String)
	t.ReviewReason = reviewReason.String
	t.DecidedBy = decidedBy.String
	t.RejectReason = rejectReason.String
	t.ExecutedBy = executedBy.String
	t.ResultHash = resultHash.String
	t.SubmittedOpHash = submittedOpHash.String
	t.RiskEvaluatedAt = timePtr(riskEvaluatedAt)
	t.ReviewStartedAt = timePtr(reviewStartedAt)
	t.RejectedAt = timePtr(rejectedAt)
	t.ExecutedAt = timePtr(executed)
	t.SubmittedAt = timePtr(submittedAt)
	if success.Valid {
		v := success.Bool
		t.Success = &v
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	requester, err := encodeRequester(t.Requester)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			NULL, NULL, NULL, NULL,
			NULL, NULL, NULL, NULL, NULL,
			NULL, NULL, NULL, NULL, NULL, NULL,
			$14, $15
		)`,
		t.ID, t.SignerGroup, t.Recipient, t.Amount, t.Asset, t.ProposedBy, t.ProposerSignature,
		pq.StringArray(t.RequiredSigners), t.Threshold, t.UnsignedOperation, string(t.Origin), requester, string(t.Status),
		t.CreatedAt, t.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
// Only lifecycle columns are written; proposal columns never change.
func (p *PostgresStore) Update(ctx context.Context, id string, fn func(t *Transaction) error) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanTransaction(tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return current, nil
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, risk_score = $2, risk_verdict = $3, risk_reasons = $4, risk_evaluated_at = $5,
			review_started_at = $6, review_reason = $7, decided_by = $8, reject_reason = $9, rejected_at = $10,
			executed_at = $11, executed_by = $12, result_hash = $13, success = $14,
			submitted_op_hash = $15, submitted_at = $16, updated_at = $17
		WHERE id = $18`,
		string(next.Status), intPtrValue(next.RiskScore), nullString(string(next.RiskVerdict)),
		reasonsValue(next.RiskReasons), nullTime(next.RiskEvaluatedAt),
		nullTime(next.ReviewStartedAt), nullString(next.ReviewReason), nullString(next.DecidedBy),
		nullString(next.RejectReason), nullTime(next.RejectedAt),
		nullTime(next.ExecutedAt), nullString(next.ExecutedBy), nullString(next.ResultHash),
		boolPtrValue(next.Success), nullString(next.SubmittedOpHash), nullTime(next.SubmittedAt),
		next.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

func (p *PostgresStore) ListBySigner(ctx context.Context, group string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM transactions
			WHERE signer_group = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, group, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM transactions
			WHERE signer_group = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, group, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, order Order, limit int) ([]*Transaction, error) {
	orderBy := "created_at DESC, id DESC"
	if order == OldestFirst {
		orderBy = "created_at ASC, id ASC"
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1
		ORDER BY `+orderBy+`
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// encodeRequester returns JSONB text; []byte parameters would be sent as bytea.
func encodeRequester(r *Requester) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode requester: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func intPtrValue(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func boolPtrValue(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}

func reasonsValue(r []string) any {
	if r == nil {
		return nil
	}
	return pq.StringArray(r)
}

var _ Store = (*PostgresStore)(nil)
