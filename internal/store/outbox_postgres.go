package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) (string, error) {
	id := util.GenerateOutboxID()
	now := time.Now()
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, job_id, type, payload_json, status, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)`,
		id, entry.JobID, entry.Type, nilIfEmpty(entry.PayloadJSON), models.OutboxStatusPending, maxAttempts, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutbox", "id", id, "jobID", entry.JobID, "type", entry.Type)
	return id, nil
}

func (s *PostgresStore) EnqueueOutboxWithTransition(ctx context.Context, jobID string, expected, next models.JobStatus, now time.Time, entry models.OutboxEntry) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("enqueue with transition begin failed: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, previous_status = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		next, expected, now, jobID, expected,
	)
	if err != nil {
		return false, "", fmt.Errorf("enqueue with transition cas failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("enqueue with transition rows affected failed: %w", err)
	}
	if n == 0 {
		return false, "", nil
	}

	id := util.GenerateOutboxID()
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (id, job_id, type, payload_json, status, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)`,
		id, jobID, entry.Type, nilIfEmpty(entry.PayloadJSON), models.OutboxStatusPending, maxAttempts, now, now,
	)
	if err != nil {
		return false, "", fmt.Errorf("enqueue with transition insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("enqueue with transition commit failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxWithTransition", "jobID", jobID, "from", expected, "to", next, "outboxID", id)
	return true, id, nil
}

func (s *PostgresStore) ClaimOutboxEntry(ctx context.Context, id, attemptID string) (*models.OutboxEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("outbox claim begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1 FOR UPDATE`, id)
	entry, err := scanOutboxEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, models.ErrOutboxEntryNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("outbox claim read failed: %w", err)
	}

	switch evaluateOutboxClaim(&entry, attemptID) {
	case outboxClaimTerminal:
		slog.Debug("PostgresStore.ClaimOutboxEntry: terminal", "id", id, "status", entry.Status)
		return &entry, false, nil

	case outboxClaimAttemptReplay:
		slog.Debug("PostgresStore.ClaimOutboxEntry: attempt replay", "id", id, "attemptID", attemptID)
		return &entry, false, nil

	case outboxClaimBudgetExhausted:
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = $1, updated_at = $2 WHERE id = $3`,
			models.OutboxStatusFailed, now, id,
		)
		if err != nil {
			return nil, false, fmt.Errorf("outbox exhaust update failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("outbox exhaust commit failed: %w", err)
		}
		entry.Status = models.OutboxStatusFailed
		entry.UpdatedAt = now
		slog.Warn("PostgresStore.ClaimOutboxEntry: attempt budget exhausted", "id", id, "attempts", entry.Attempts)
		return &entry, false, nil

	default: // outboxClaimOK
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = $1, attempts = attempts + 1, last_attempt_id = $2, updated_at = $3 WHERE id = $4`,
			models.OutboxStatusProcessing, attemptID, now, id,
		)
		if err != nil {
			return nil, false, fmt.Errorf("outbox claim update failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("outbox claim commit failed: %w", err)
		}
		entry.Status = models.OutboxStatusProcessing
		entry.Attempts++
		entry.LastAttemptID = attemptID
		entry.UpdatedAt = now
		return &entry, true, nil
	}
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		models.OutboxStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox failed: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending outbox iteration failed: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id)
	e, err := scanOutboxEntry(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrOutboxEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox entry failed: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) CompleteOutboxEntry(ctx context.Context, id, evidenceJSON string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, evidence_json = $2, updated_at = $3 WHERE id = $4`,
		models.OutboxStatusCompleted, nilIfEmpty(evidenceJSON), now, id,
	)
	if err != nil {
		return fmt.Errorf("complete outbox entry failed: %w", err)
	}
	slog.Debug("PostgresStore.CompleteOutboxEntry", "id", id)
	return nil
}

func (s *PostgresStore) FailOutboxEntry(ctx context.Context, id, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET
			status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			last_error = $3, updated_at = $4
		 WHERE id = $5`,
		models.OutboxStatusFailed, models.OutboxStatusPending, errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox entry failed: %w", err)
	}
	slog.Debug("PostgresStore.FailOutboxEntry", "id", id, "error", errMsg)
	return nil
}

func (s *PostgresStore) RequeueStaleProcessingOutbox(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		models.OutboxStatusPending, now, models.OutboxStatusProcessing, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleProcessingOutbox", "requeued", n)
	}
	return int(n), nil
}
