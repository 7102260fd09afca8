package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// Compile-time check that SQLiteStore implements WebhookRepo.
var _ WebhookRepo = (*SQLiteStore)(nil)

const webhookColumns = `id, provider, kind, provider_event_id, signature_status, normalized_json, processed, quarantined, dispatch_message_id, job_id, trace_id, created_at, processed_at`

func (s *SQLiteStore) CreateWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_events (id, provider, kind, provider_event_id, signature_status, normalized_json, processed, quarantined, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		event.ID, event.Provider, event.Kind, event.ProviderEventID, event.SignatureStatus,
		nilIfEmpty(event.NormalizedJSON), nilIfEmpty(event.TraceID), now,
	)
	if err != nil {
		return false, fmt.Errorf("create webhook event failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create webhook event rows affected failed: %w", err)
	}
	created := n == 1
	slog.Debug("SQLiteStore.CreateWebhookEvent", "id", event.ID, "created", created)
	return created, nil
}

func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = ?`, id)
	e, err := scanWebhookEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event failed: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) MarkWebhookProcessed(ctx context.Context, id, dispatchMessageID, jobID string, quarantined bool, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = 1, quarantined = ?, dispatch_message_id = ?, job_id = ?, processed_at = ? WHERE id = ?`,
		quarantined, nilIfEmpty(dispatchMessageID), nilIfEmpty(jobID), processedAt, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE processed = 0 AND quarantined = 0 ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed webhook events failed: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event failed: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook events iteration failed: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) AddQuarantineRecord(ctx context.Context, rec models.WebhookQuarantineRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_quarantine (id, provider, kind, provider_event_id, reason, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Provider, rec.Kind, rec.ProviderEventID, rec.Reason, nilIfEmpty(rec.PayloadJSON), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add quarantine record failed: %w", err)
	}
	slog.Info("SQLiteStore.AddQuarantineRecord", "id", rec.ID, "reason", rec.Reason)
	return nil
}

func (s *SQLiteStore) ListQuarantineRecords(ctx context.Context, limit int) ([]models.WebhookQuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, kind, provider_event_id, reason, payload_json, created_at
		 FROM webhook_quarantine ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list quarantine records failed: %w", err)
	}
	defer rows.Close()

	var recs []models.WebhookQuarantineRecord
	for rows.Next() {
		q, err := scanQuarantineRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quarantine records iteration failed: %w", err)
	}
	return recs, nil
}
