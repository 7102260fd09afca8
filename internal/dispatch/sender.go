// Package dispatch implements the write-before-send ledger around outbound
// external messages. Every send is preceded by a durable reservation keyed by
// an idempotency key, so a crash or retry can never deliver the same logical
// message more times than its attempt budget allows.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/templeobijnr/easy-islanders-sub001/internal/messaging"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// DefaultMaxAttempts bounds how many distinct attempts may claim one
// idempotency key before the ledger entry fails permanently.
const DefaultMaxAttempts = 3

// NewAttemptID returns a fresh attempt identifier. Attempt IDs are
// timestamp-ordered so attempts for one correlation are strictly sequenced.
func NewAttemptID() string {
	return util.GenerateAttemptID()
}

// IdempotencyKeyFor derives a deterministic ledger key from the message
// identity: same correlation, channel, kind and body always map to the same
// key, so a blind retry of the same logical send lands on the same entry.
func IdempotencyKeyFor(kind, channel, correlationID, body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("%s:%s:%s:%s", kind, channel, correlationID, hex.EncodeToString(sum[:16]))
}

// SendRequest describes one outbound external message.
type SendRequest struct {
	IdempotencyKey string
	AttemptID      string
	Kind           string
	Channel        string
	CorrelationID  string
	To             string
	Body           string
	TraceID        string
	MaxAttempts    int
}

// SendResult reports the outcome of SendExternalMessage. Sent is true only when
// this call performed a successful provider send; otherwise Record carries the
// ledger entry explaining why no send happened (already sent, attempt replay,
// or budget exhausted).
type SendResult struct {
	Sent   bool
	Record models.DispatchMessage
}

// Sender composes the dispatch ledger with a messaging provider.
type Sender struct {
	repo     store.DispatchRepo
	provider messaging.Provider
}

// NewSender creates a Sender over the given ledger repository and provider.
func NewSender(repo store.DispatchRepo, provider messaging.Provider) *Sender {
	return &Sender{repo: repo, provider: provider}
}

func (s *Sender) validate(req *SendRequest) error {
	canonicalTo, err := s.provider.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		return fmt.Errorf("invalid destination address: %w", err)
	}
	req.To = canonicalTo

	if req.Body == "" {
		return models.ErrEmptyBody
	}
	if len(req.Body) > models.MaxDispatchBodyLength {
		return models.ErrBodyTooLong
	}
	if req.CorrelationID == "" {
		return models.ErrEmptyCorrelationID
	}
	if req.IdempotencyKey == "" {
		return models.ErrEmptyIdempotencyKey
	}
	if req.TraceID == "" {
		return models.ErrEmptyTraceID
	}
	if req.AttemptID == "" {
		req.AttemptID = NewAttemptID()
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// SendExternalMessage reserves the ledger entry for req and, only if the
// reservation grants the send, calls the provider and records the outcome.
//
// A reservation-step failure is fail-closed: the provider is never called and
// the error is a RetryableSendError. A provider failure is recorded on the
// ledger; it surfaces as retryable while budget remains and as a
// PermanentDispatchFailureError once exhausted.
func (s *Sender) SendExternalMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	seed := models.DispatchMessage{
		ID:            req.IdempotencyKey,
		Kind:          req.Kind,
		Channel:       req.Channel,
		CorrelationID: req.CorrelationID,
		ToAddress:     req.To,
		Body:          req.Body,
	}

	reservation, err := s.repo.ReserveForSend(ctx, req.IdempotencyKey, req.AttemptID, req.MaxAttempts, seed)
	if err != nil {
		slog.Warn("Sender.SendExternalMessage: reservation failed, not sending",
			"key", req.IdempotencyKey, "attemptID", req.AttemptID, "traceID", req.TraceID, "error", err)
		return nil, &RetryableSendError{Key: req.IdempotencyKey, Err: err}
	}

	if !reservation.CanSend {
		slog.Info("Sender.SendExternalMessage: reservation declined send",
			"key", req.IdempotencyKey, "attemptID", req.AttemptID, "traceID", req.TraceID,
			"status", reservation.Record.Status, "attempts", reservation.Record.Attempts)
		return &SendResult{Sent: false, Record: reservation.Record}, nil
	}

	providerMessageID, sendErr := s.provider.SendMessage(ctx, req.To, req.Body)
	if sendErr != nil {
		if markErr := s.repo.MarkDispatchFailed(ctx, req.IdempotencyKey, sendErr.Error()); markErr != nil {
			slog.Error("Sender.SendExternalMessage: failed to record send failure",
				"key", req.IdempotencyKey, "traceID", req.TraceID, "sendError", sendErr, "markError", markErr)
		}
		if reservation.Record.Attempts >= req.MaxAttempts {
			return nil, &PermanentDispatchFailureError{
				Key:    req.IdempotencyKey,
				Reason: fmt.Sprintf("attempt budget exhausted after %d attempts: %v", reservation.Record.Attempts, sendErr),
			}
		}
		return nil, &RetryableSendError{Key: req.IdempotencyKey, Err: sendErr}
	}

	if err := s.repo.MarkDispatchSent(ctx, req.IdempotencyKey, providerMessageID); err != nil {
		// The provider accepted the message but the local write failed. The
		// ledger still shows sending; the provider status callback path can
		// complete the record asynchronously.
		slog.Error("Sender.SendExternalMessage: provider accepted but markSent failed",
			"key", req.IdempotencyKey, "providerMessageID", providerMessageID, "traceID", req.TraceID, "error", err)
		return nil, &RetryableSendError{Key: req.IdempotencyKey, Err: err}
	}

	record, err := s.repo.GetDispatchMessage(ctx, req.IdempotencyKey)
	if err != nil {
		slog.Warn("Sender.SendExternalMessage: sent but could not re-read ledger entry",
			"key", req.IdempotencyKey, "error", err)
		record = &seed
		record.Status = models.DispatchStatusSent
		record.ProviderMessageID = providerMessageID
	}

	slog.Info("Sender.SendExternalMessage: sent",
		"key", req.IdempotencyKey, "providerMessageID", providerMessageID,
		"correlationID", req.CorrelationID, "traceID", req.TraceID)
	return &SendResult{Sent: true, Record: *record}, nil
}

// GetRecord retrieves the ledger entry for a key.
func (s *Sender) GetRecord(ctx context.Context, key string) (*models.DispatchMessage, error) {
	return s.repo.GetDispatchMessage(ctx, key)
}
