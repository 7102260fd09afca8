package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// Compile-time check that PostgresStore implements IdempotencyRepo.
var _ IdempotencyRepo = (*PostgresStore)(nil)

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT op_key, ttl_class, result_json, executed_at, expires_at FROM idempotency_keys WHERE op_key = $1 AND expires_at > $2`,
		key, now,
	).Scan(&rec.Key, &rec.TTLClass, &resultJSON, &rec.ExecutedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record failed: %w", err)
	}
	rec.ResultJSON = resultJSON.String
	return &rec, nil
}

func (s *PostgresStore) PutIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (op_key, ttl_class, result_json, executed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (op_key) DO UPDATE SET ttl_class = EXCLUDED.ttl_class, result_json = EXCLUDED.result_json,
			executed_at = EXCLUDED.executed_at, expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.TTLClass, nilIfEmpty(rec.ResultJSON), rec.ExecutedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put idempotency record failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.PurgeExpiredIdempotencyRecords", "purged", n)
	}
	return int(n), nil
}
