package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// Compile-time check that SQLiteStore implements IdempotencyRepo.
var _ IdempotencyRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT op_key, ttl_class, result_json, executed_at, expires_at FROM idempotency_keys WHERE op_key = ? AND expires_at > ?`,
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

func (s *SQLiteStore) PutIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys (op_key, ttl_class, result_json, executed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.TTLClass, nilIfEmpty(rec.ResultJSON), rec.ExecutedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put idempotency record failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.PurgeExpiredIdempotencyRecords", "purged", n)
	}
	return int(n), nil
}
