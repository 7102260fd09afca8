// Package store provides the DispatchRepo interface for the write-before-send
// dispatch ledger.
package store

import (
	"context"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// Reservation is the outcome of a ReserveForSend call. Only when CanSend is true
// may the caller invoke the provider.
type Reservation struct {
	CanSend bool
	Record  models.DispatchMessage
}

// DispatchRepo defines the persistence surface for dispatch ledger entries.
// Entries are never deleted; they are the audit trail of every external send.
type DispatchRepo interface {
	// ReserveForSend atomically creates or claims the ledger entry for the given
	// idempotency key. seed supplies the identity fields (kind, channel,
	// correlation, address, body) used when the entry does not exist yet.
	ReserveForSend(ctx context.Context, key, attemptID string, maxAttempts int, seed models.DispatchMessage) (*Reservation, error)

	// GetDispatchMessage retrieves a ledger entry by idempotency key. Returns
	// models.ErrDispatchNotFound if absent.
	GetDispatchMessage(ctx context.Context, key string) (*models.DispatchMessage, error)

	// FindByProviderMessageID looks up the entry whose provider_message_id equals
	// the given identifier. Returns models.ErrDispatchNotFound if none matches.
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.DispatchMessage, error)

	// MarkDispatchSent sets status=sent and the immutable provider message id.
	// The provider id is written only if it is still empty; a sent entry never
	// regresses to any other status.
	MarkDispatchSent(ctx context.Context, key, providerMessageID string) error

	// MarkDispatchFailed records the send error. The entry and its attempt
	// counter persist so a new attempt id can reclaim it within the budget.
	MarkDispatchFailed(ctx context.Context, key, errMsg string) error

	// AnnotateProviderStatus updates the latest provider status/error fields and
	// bumps update_count. Identity fields are never touched.
	AnnotateProviderStatus(ctx context.Context, key, providerStatus, providerErrorCode string) error
}

// reservationDecision encodes the branch taken by the reserve algorithm for an
// existing ledger entry. The ordering of checks is load-bearing: sent wins over
// everything, an attempt-id replay must not consume budget, and only then is the
// budget enforced.
type reservationDecision int

const (
	reservationAlreadySent reservationDecision = iota
	reservationAttemptReplay
	reservationBudgetExhausted
	reservationClaim
)

func evaluateReservation(existing *models.DispatchMessage, attemptID string, maxAttempts int) reservationDecision {
	if existing.Status == models.DispatchStatusSent {
		return reservationAlreadySent
	}
	if existing.LastAttemptID == attemptID {
		return reservationAttemptReplay
	}
	if existing.Attempts >= maxAttempts {
		return reservationBudgetExhausted
	}
	return reservationClaim
}
