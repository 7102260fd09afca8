// Package store provides the JobRepo interface for job status persistence.
package store

import (
	"context"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// JobRepo defines the persistence surface for job records. Status writes go
// through UpdateJobStatusCAS only; the lifecycle guard owns the algorithm.
type JobRepo interface {
	// CreateJob inserts a new job in the collecting status and returns its ID.
	CreateJob(ctx context.Context, kind string) (string, error)

	// GetJob retrieves a single job by ID. Returns models.ErrJobNotFound if absent.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// UpdateJobStatusCAS conditionally moves a job from expected to next,
	// recording previous_status and updated_at. Returns false without error when
	// the stored status no longer equals expected (the caller lost a race).
	UpdateJobStatusCAS(ctx context.Context, id string, expected, next models.JobStatus, now time.Time) (bool, error)

	// AttachDispatchEvidence stores delivery evidence on a job. Evidence is only
	// written once; later calls are no-ops.
	AttachDispatchEvidence(ctx context.Context, id string, evidenceJSON string, confirmedAt time.Time) error

	// SetTimeoutReason records why the deadlock detector released a job.
	SetTimeoutReason(ctx context.Context, id string, reason string) error

	// ListJobsStuckSince returns up to limit jobs in the given status whose
	// updated_at is older than before, oldest first.
	ListJobsStuckSince(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]models.Job, error)

	// CountJobsStuckSince counts jobs across the given statuses whose updated_at
	// is older than before.
	CountJobsStuckSince(ctx context.Context, statuses []models.JobStatus, before time.Time) (int, error)
}
