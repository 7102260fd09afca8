package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// Compile-time check that SQLiteStore implements DispatchRepo.
var _ DispatchRepo = (*SQLiteStore)(nil)

const dispatchColumns = `id, kind, channel, correlation_id, to_address, body, provider_message_id, status, attempts, last_attempt_id, last_error, provider_status, provider_error_code, update_count, created_at, updated_at`

func (s *SQLiteStore) ReserveForSend(ctx context.Context, key, attemptID string, maxAttempts int, seed models.DispatchMessage) (*Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reserve begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatch_messages WHERE id = ?`, key)
	existing, err := scanDispatchMessage(row)
	if err == sql.ErrNoRows {
		record := seed
		record.ID = key
		record.Status = models.DispatchStatusSending
		record.Attempts = 1
		record.LastAttemptID = attemptID
		record.CreatedAt = now
		record.UpdatedAt = now
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dispatch_messages (id, kind, channel, correlation_id, to_address, body, status, attempts, last_attempt_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			key, record.Kind, record.Channel, record.CorrelationID, record.ToAddress, record.Body,
			models.DispatchStatusSending, attemptID, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("reserve insert failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("reserve commit failed: %w", err)
		}
		slog.Debug("SQLiteStore.ReserveForSend: created", "key", key, "attemptID", attemptID)
		return &Reservation{CanSend: true, Record: record}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve read failed: %w", err)
	}

	switch evaluateReservation(&existing, attemptID, maxAttempts) {
	case reservationAlreadySent:
		slog.Debug("SQLiteStore.ReserveForSend: already sent", "key", key)
		return &Reservation{CanSend: false, Record: existing}, nil

	case reservationAttemptReplay:
		slog.Debug("SQLiteStore.ReserveForSend: attempt replay", "key", key, "attemptID", attemptID)
		return &Reservation{CanSend: false, Record: existing}, nil

	case reservationBudgetExhausted:
		if existing.Status != models.DispatchStatusFailed {
			_, err := tx.ExecContext(ctx,
				`UPDATE dispatch_messages SET status = ?, updated_at = ? WHERE id = ?`,
				models.DispatchStatusFailed, now, key,
			)
			if err != nil {
				return nil, fmt.Errorf("reserve exhaust update failed: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("reserve exhaust commit failed: %w", err)
			}
			existing.Status = models.DispatchStatusFailed
			existing.UpdatedAt = now
		}
		slog.Warn("SQLiteStore.ReserveForSend: attempt budget exhausted", "key", key, "attempts", existing.Attempts, "maxAttempts", maxAttempts)
		return &Reservation{CanSend: false, Record: existing}, nil

	default: // reservationClaim
		_, err := tx.ExecContext(ctx,
			`UPDATE dispatch_messages SET status = ?, attempts = attempts + 1, last_attempt_id = ?, updated_at = ? WHERE id = ?`,
			models.DispatchStatusSending, attemptID, now, key,
		)
		if err != nil {
			return nil, fmt.Errorf("reserve claim failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("reserve claim commit failed: %w", err)
		}
		existing.Status = models.DispatchStatusSending
		existing.Attempts++
		existing.LastAttemptID = attemptID
		existing.UpdatedAt = now
		slog.Debug("SQLiteStore.ReserveForSend: claimed", "key", key, "attemptID", attemptID, "attempts", existing.Attempts)
		return &Reservation{CanSend: true, Record: existing}, nil
	}
}

func (s *SQLiteStore) GetDispatchMessage(ctx context.Context, key string) (*models.DispatchMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatch_messages WHERE id = ?`, key)
	m, err := scanDispatchMessage(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrDispatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.DispatchMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatch_messages WHERE provider_message_id = ?`, providerMessageID)
	m, err := scanDispatchMessage(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrDispatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by provider message id failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) MarkDispatchSent(ctx context.Context, key, providerMessageID string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_messages SET status = ?, provider_message_id = ?, updated_at = ?
		 WHERE id = ? AND provider_message_id IS NULL`,
		models.DispatchStatusSent, providerMessageID, now, key,
	)
	if err != nil {
		return fmt.Errorf("mark dispatch sent failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Either the row is missing or the provider id was already written.
		existing, err := s.GetDispatchMessage(ctx, key)
		if err != nil {
			return err
		}
		if existing.ProviderMessageID == providerMessageID {
			return nil
		}
		return models.ErrProviderMessageIDSet
	}
	slog.Debug("SQLiteStore.MarkDispatchSent", "key", key, "providerMessageID", providerMessageID)
	return nil
}

func (s *SQLiteStore) MarkDispatchFailed(ctx context.Context, key, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status != ?`,
		models.DispatchStatusFailed, errMsg, now, key, models.DispatchStatusSent,
	)
	if err != nil {
		return fmt.Errorf("mark dispatch failed failed: %w", err)
	}
	slog.Debug("SQLiteStore.MarkDispatchFailed", "key", key, "error", errMsg)
	return nil
}

func (s *SQLiteStore) AnnotateProviderStatus(ctx context.Context, key, providerStatus, providerErrorCode string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_messages SET provider_status = ?, provider_error_code = ?, update_count = update_count + 1, updated_at = ?
		 WHERE id = ?`,
		providerStatus, nilIfEmpty(providerErrorCode), now, key,
	)
	if err != nil {
		return fmt.Errorf("annotate provider status failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return models.ErrDispatchNotFound
	}
	return nil
}
