// Package store provides the OutboxRepo interface for durable async work.
package store

import (
	"context"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// OutboxRepo defines the persistence surface for outbox entries. The invariant
// it enforces: no database transaction ever blocks on an external network call.
// Transactional writes only enqueue; a poller claims entries and performs the
// slow call out-of-band.
type OutboxRepo interface {
	// EnqueueOutbox inserts a pending entry and returns its ID.
	EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) (string, error)

	// EnqueueOutboxWithTransition writes the outbox entry and the CAS job status
	// change in one transaction. Returns swapped=false (and no enqueue) when the
	// job's status no longer equals expected.
	EnqueueOutboxWithTransition(ctx context.Context, jobID string, expected, next models.JobStatus, now time.Time, entry models.OutboxEntry) (swapped bool, outboxID string, err error)

	// ClaimOutboxEntry claims an entry for processing under the same discipline
	// as the dispatch ledger: terminal entries and duplicate attempt ids are
	// rejected, an exhausted budget flips the entry to failed, otherwise the
	// attempt counter is incremented and the entry marked processing. The claimed
	// entry is returned with claimed=true only when the caller may proceed.
	ClaimOutboxEntry(ctx context.Context, id, attemptID string) (entry *models.OutboxEntry, claimed bool, err error)

	// ListPendingOutbox returns up to limit pending entries, oldest first.
	ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error)

	// GetOutboxEntry retrieves an entry by ID.
	GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error)

	// CompleteOutboxEntry marks an entry completed and stores its evidence.
	CompleteOutboxEntry(ctx context.Context, id, evidenceJSON string) error

	// FailOutboxEntry records a processing failure. The entry returns to pending
	// unless its attempts are exhausted, in which case it becomes terminally
	// failed.
	FailOutboxEntry(ctx context.Context, id, errMsg string) error

	// RequeueStaleProcessingOutbox resets entries stuck in processing since
	// before staleBefore back to pending (crash recovery).
	RequeueStaleProcessingOutbox(ctx context.Context, staleBefore time.Time) (int, error)
}

// outboxClaimDecision mirrors the dispatch reservation branches for outbox
// entries.
type outboxClaimDecision int

const (
	outboxClaimTerminal outboxClaimDecision = iota
	outboxClaimAttemptReplay
	outboxClaimBudgetExhausted
	outboxClaimOK
)

func evaluateOutboxClaim(entry *models.OutboxEntry, attemptID string) outboxClaimDecision {
	if entry.Status == models.OutboxStatusCompleted || entry.Status == models.OutboxStatusFailed {
		return outboxClaimTerminal
	}
	if entry.LastAttemptID == attemptID {
		return outboxClaimAttemptReplay
	}
	if entry.Attempts >= entry.MaxAttempts {
		return outboxClaimBudgetExhausted
	}
	return outboxClaimOK
}
