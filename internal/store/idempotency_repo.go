// Package store provides the IdempotencyRepo interface for run-once records.
package store

import (
	"context"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// IdempotencyRepo defines the persistence surface for generic idempotency
// records. Unlike the dispatch ledger this is an advisory pre-check: the guard
// built on it fails open when the store is unreachable.
type IdempotencyRepo interface {
	// GetIdempotencyRecord returns the record for key if it exists and has not
	// expired as of now; nil otherwise.
	GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*models.IdempotencyRecord, error)

	// PutIdempotencyRecord upserts a record.
	PutIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error

	// PurgeExpiredIdempotencyRecords deletes records whose expires_at is before
	// now and returns how many were removed.
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error)
}
