// Package store provides the WebhookRepo interface for inbound callback records.
package store

import (
	"context"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// WebhookRepo defines the persistence surface for webhook events and the
// quarantine of unmappable callbacks.
type WebhookRepo interface {
	// CreateWebhookEvent idempotently inserts an event record. Returns true if a
	// new row was created, false if the event id already existed. A duplicate
	// never overwrites the existing row.
	CreateWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error)

	// GetWebhookEvent retrieves an event by its deterministic id.
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)

	// MarkWebhookProcessed marks an event processed, storing the resolved
	// correlation (if any) and whether it was quarantined.
	MarkWebhookProcessed(ctx context.Context, id, dispatchMessageID, jobID string, quarantined bool, processedAt time.Time) error

	// ListUnprocessedWebhookEvents returns up to limit events that deduped
	// successfully but whose side effects have not been applied yet, oldest
	// first. Quarantined events are excluded.
	ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)

	// AddQuarantineRecord appends an unmappable event to the quarantine.
	AddQuarantineRecord(ctx context.Context, rec models.WebhookQuarantineRecord) error

	// ListQuarantineRecords returns the most recent quarantine records, newest
	// first, for operational reconciliation.
	ListQuarantineRecords(ctx context.Context, limit int) ([]models.WebhookQuarantineRecord, error)
}
