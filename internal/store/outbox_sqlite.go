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

// Compile-time check that SQLiteStore implements OutboxRepo.
var _ OutboxRepo = (*SQLiteStore)(nil)

const outboxColumns = `id, job_id, type, payload_json, status, attempts, max_attempts, last_attempt_id, last_error, evidence_json, created_at, updated_at`

func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) (string, error) {
	id := util.GenerateOutboxID()
	now := time.Now()
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, job_id, type, payload_json, status, attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, entry.JobID, entry.Type, nilIfEmpty(entry.PayloadJSON), models.OutboxStatusPending, maxAttempts, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutbox", "id", id, "jobID", entry.JobID, "type", entry.Type)
	return id, nil
}

func (s *SQLiteStore) EnqueueOutboxWithTransition(ctx context.Context, jobID string, expected, next models.JobStatus, now time.Time, entry models.OutboxEntry) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("enqueue with transition begin failed: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, previous_status = ?, updated_at = ? WHERE id = ? AND status = ?`,
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
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, jobID, entry.Type, nilIfEmpty(entry.PayloadJSON), models.OutboxStatusPending, maxAttempts, now, now,
	)
	if err != nil {
		return false, "", fmt.Errorf("enqueue with transition insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("enqueue with transition commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutboxWithTransition", "jobID", jobID, "from", expected, "to", next, "outboxID", id)
	return true, id, nil
}

func (s *SQLiteStore) ClaimOutboxEntry(ctx context.Context, id, attemptID string) (*models.OutboxEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("outbox claim begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	entry, err := scanOutboxEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, models.ErrOutboxEntryNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("outbox claim read failed: %w", err)
	}

	switch evaluateOutboxClaim(&entry, attemptID) {
	case outboxClaimTerminal:
		slog.Debug("SQLiteStore.ClaimOutboxEntry: terminal", "id", id, "status", entry.Status)
		return &entry, false, nil

	case outboxClaimAttemptReplay:
		slog.Debug("SQLiteStore.ClaimOutboxEntry: attempt replay", "id", id, "attemptID", attemptID)
		return &entry, false, nil

	case outboxClaimBudgetExhausted:
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, updated_at = ? WHERE id = ?`,
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
		slog.Warn("SQLiteStore.ClaimOutboxEntry: attempt budget exhausted", "id", id, "attempts", entry.Attempts)
		return &entry, false, nil

	default: // outboxClaimOK
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, attempts = attempts + 1, last_attempt_id = ?, updated_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
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

func (s *SQLiteStore) GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	e, err := scanOutboxEntry(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrOutboxEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox entry failed: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) CompleteOutboxEntry(ctx context.Context, id, evidenceJSON string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, evidence_json = ?, updated_at = ? WHERE id = ?`,
		models.OutboxStatusCompleted, nilIfEmpty(evidenceJSON), now, id,
	)
	if err != nil {
		return fmt.Errorf("complete outbox entry failed: %w", err)
	}
	slog.Debug("SQLiteStore.CompleteOutboxEntry", "id", id)
	return nil
}

func (s *SQLiteStore) FailOutboxEntry(ctx context.Context, id, errMsg string) error {
	now := time.Now()
	// Requeue to pending unless attempts are exhausted.
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET
			status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
			last_error = ?, updated_at = ?
		 WHERE id = ?`,
		models.OutboxStatusFailed, models.OutboxStatusPending, errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox entry failed: %w", err)
	}
	slog.Debug("SQLiteStore.FailOutboxEntry", "id", id, "error", errMsg)
	return nil
}

func (s *SQLiteStore) RequeueStaleProcessingOutbox(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		models.OutboxStatusPending, now, models.OutboxStatusProcessing, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleProcessingOutbox", "requeued", n)
	}
	return int(n), nil
}
