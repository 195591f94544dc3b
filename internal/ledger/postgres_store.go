package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/posinsight/posinsight/internal/policy"
)

// PostgresStore persists scored records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_transactions table if it doesn't exist.
// The same schema is managed by the goose migrations in migrations/.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_transactions (
			id            BIGSERIAL PRIMARY KEY,
			total_amount  DOUBLE PRECISION NOT NULL CHECK (total_amount >= 0),
			item_count    INTEGER NOT NULL CHECK (item_count >= 1),
			discount_pct  DOUBLE PRECISION NOT NULL CHECK (discount_pct >= 0 AND discount_pct <= 100),
			fraud_score   DOUBLE PRECISION NOT NULL CHECK (fraud_score >= 0 AND fraud_score <= 1),
			fraud_status  TEXT NOT NULL CHECK (fraud_status IN ('NORMAL', 'POTENSI FRAUD')),
			evidence_path TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_transactions_created_at
			ON fraud_transactions (created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) (*Record, error) {
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	// Postgres keeps microsecond precision. Truncate so the returned record
	// matches what is stored and created_at lookups hit.
	stored.CreatedAt = stored.CreatedAt.Truncate(time.Microsecond)

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fraud_transactions
			(total_amount, item_count, discount_pct, fraud_score, fraud_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		stored.TotalAmount,
		stored.ItemCount,
		stored.DiscountPct,
		stored.FraudScore,
		string(stored.FraudStatus),
		stored.CreatedAt,
	).Scan(&stored.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to append record: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) AttachEvidence(ctx context.Context, createdAt time.Time, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin attach: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id       int64
		status   string
		existing sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, fraud_status, evidence_path
		FROM fraud_transactions
		WHERE created_at = $1
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE
	`, createdAt).Scan(&id, &status, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to locate record: %w", err)
	}

	if policy.Verdict(status) != policy.VerdictFraud {
		return ErrNotFlagged
	}
	if existing.Valid && existing.String != "" {
		return nil // first write wins
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE fraud_transactions
		SET evidence_path = $1
		WHERE id = $2 AND evidence_path IS NULL
	`, path, id); err != nil {
		return fmt.Errorf("failed to attach evidence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attach: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total_amount, item_count, discount_pct,
		       fraud_score, fraud_status, evidence_path, created_at
		FROM fraud_transactions
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var (
			rec      Record
			status   string
			evidence sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.TotalAmount,
			&rec.ItemCount,
			&rec.DiscountPct,
			&rec.FraudScore,
			&status,
			&evidence,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.FraudStatus = policy.Verdict(status)
		if evidence.Valid {
			rec.EvidencePath = evidence.String
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}
