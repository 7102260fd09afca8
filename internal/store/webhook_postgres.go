package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// Compile-time check that PostgresStore implements WebhookRepo.
var _ WebhookRepo = (*PostgresStore)(nil)

func (s *PostgresStore) CreateWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, provider, kind, provider_event_id, signature_status, normalized_json, processed, quarantined, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, FALSE, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
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
	slog.Debug("PostgresStore.CreateWebhookEvent", "id", event.ID, "created", created)
	return created, nil
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id)
	e, err := scanWebhookEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event failed: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, id, dispatchMessageID, jobID string, quarantined bool, processedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = TRUE, quarantined = $1, dispatch_message_id = $2, job_id = $3, processed_at = $4 WHERE id = $5`,
		quarantined, nilIfEmpty(dispatchMessageID), nilIfEmpty(jobID), processedAt, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE processed = FALSE AND quarantined = FALSE ORDER BY created_at ASC LIMIT $1`,
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

func (s *PostgresStore) AddQuarantineRecord(ctx context.Context, rec models.WebhookQuarantineRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_quarantine (id, provider, kind, provider_event_id, reason, payload_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Provider, rec.Kind, rec.ProviderEventID, rec.Reason, nilIfEmpty(rec.PayloadJSON), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add quarantine record failed: %w", err)
	}
	slog.Info("PostgresStore.AddQuarantineRecord", "id", rec.ID, "reason", rec.Reason)
	return nil
}

func (s *PostgresStore) ListQuarantineRecords(ctx context.Context, limit int) ([]models.WebhookQuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, kind, provider_event_id, reason, payload_json, created_at
		 FROM webhook_quarantine ORDER BY created_at DESC LIMIT $1`,
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
