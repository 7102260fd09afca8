// Package outbox decouples transactional writes from slow external calls.
// State-changing code enqueues durable work items inside its own transaction;
// the processor claims them out-of-band and performs the network call, so no
// database transaction ever blocks on a provider.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
)

// DefaultMaxAttempts bounds how many times one outbox entry may be claimed
// before it fails terminally.
const DefaultMaxAttempts = 3

// Queue is the enqueue-side API over the outbox repository.
type Queue struct {
	repo store.OutboxRepo
}

// NewQueue creates a queue over the given outbox repository.
func NewQueue(repo store.OutboxRepo) *Queue {
	return &Queue{repo: repo}
}

// Enqueue inserts a pending work item and returns its outbox ID.
func (q *Queue) Enqueue(ctx context.Context, jobID string, entryType models.OutboxType, payloadJSON string, maxAttempts int) (string, error) {
	if !models.IsValidOutboxType(entryType) {
		return "", models.ErrInvalidOutboxType
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	id, err := q.repo.EnqueueOutbox(ctx, models.OutboxEntry{
		JobID:       jobID,
		Type:        entryType,
		PayloadJSON: payloadJSON,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue outbox entry for job %s: %w", jobID, err)
	}
	return id, nil
}

// EnqueueWithTransition writes the work item and the job's CAS status change in
// one transaction: either both happen or neither does. Returns swapped=false
// when the job's status no longer equals expected; nothing is enqueued then.
func (q *Queue) EnqueueWithTransition(ctx context.Context, jobID string, expected, next models.JobStatus, entryType models.OutboxType, payloadJSON string, maxAttempts int) (bool, string, error) {
	if !models.IsValidOutboxType(entryType) {
		return false, "", models.ErrInvalidOutboxType
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	swapped, outboxID, err := q.repo.EnqueueOutboxWithTransition(ctx, jobID, expected, next, time.Now(), models.OutboxEntry{
		JobID:       jobID,
		Type:        entryType,
		PayloadJSON: payloadJSON,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return false, "", fmt.Errorf("failed transactional enqueue for job %s: %w", jobID, err)
	}
	return swapped, outboxID, nil
}
