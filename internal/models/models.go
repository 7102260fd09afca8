// Package models defines the core data structures for the Easy Islanders job core.
//
// It includes the job record, the dispatch ledger entry, webhook event records,
// idempotency records, and outbox entries, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// DispatchStatus represents the lifecycle state of a dispatch ledger entry.
type DispatchStatus string

const (
	// DispatchStatusSending means the entry is claimed and a provider call may be in flight.
	DispatchStatusSending DispatchStatus = "sending"
	// DispatchStatusSent is terminal: the provider accepted the message.
	DispatchStatusSent DispatchStatus = "sent"
	// DispatchStatusFailed means the last attempt failed; a new attempt may reclaim
	// the entry until the attempt budget is exhausted.
	DispatchStatusFailed DispatchStatus = "failed"
)

// OutboxStatus represents the lifecycle state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusCompleted  OutboxStatus = "completed"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxType identifies the kind of async work an outbox entry carries.
type OutboxType string

const (
	OutboxTypeLLMRequest   OutboxType = "llm_request"
	OutboxTypeProviderSend OutboxType = "provider_send"
	OutboxTypeLookup       OutboxType = "lookup"
	OutboxTypeWebhookCall  OutboxType = "webhook_call"
)

// IsValidOutboxType checks if the given outbox work type is supported.
func IsValidOutboxType(t OutboxType) bool {
	switch t {
	case OutboxTypeLLMRequest, OutboxTypeProviderSend, OutboxTypeLookup, OutboxTypeWebhookCall:
		return true
	default:
		return false
	}
}

// SignatureStatus records the outcome of webhook signature verification.
type SignatureStatus string

const (
	SignatureVerified      SignatureStatus = "verified"
	SignatureInvalid       SignatureStatus = "invalid"
	SignatureMissingSecret SignatureStatus = "missing_secret"
)

// Validation constants for dispatch input validation.
const (
	// MaxDispatchBodyLength defines the maximum allowed length for an outbound message body.
	MaxDispatchBodyLength = 4096
	// MinRecipientDigits defines the minimum number of digits in a destination address.
	MinRecipientDigits = 6
)

// Error variables for better error handling and testability.
var (
	ErrJobNotFound          = errors.New("job not found")
	ErrDispatchNotFound     = errors.New("dispatch message not found")
	ErrOutboxEntryNotFound  = errors.New("outbox entry not found")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrEmptyBody            = errors.New("message body cannot be empty")
	ErrBodyTooLong          = errors.New("message body exceeds maximum length")
	ErrEmptyCorrelationID   = errors.New("correlation id cannot be empty")
	ErrEmptyIdempotencyKey  = errors.New("idempotency key cannot be empty")
	ErrEmptyTraceID         = errors.New("trace id cannot be empty")
	ErrInvalidOutboxType    = errors.New("invalid outbox work type")
	ErrProviderMessageIDSet = errors.New("provider message id is already set")
)

// Job is the unit of work: a booking, order, or service request. The core only
// reads and writes Status, PreviousStatus, TimeoutReason, and DispatchEvidenceJSON;
// everything else belongs to the owning business logic.
type Job struct {
	ID                   string     `json:"id"`
	Kind                 string     `json:"kind"`
	Status               JobStatus  `json:"status"`
	PreviousStatus       JobStatus  `json:"previous_status"`
	TimeoutReason        string     `json:"timeout_reason"`
	DispatchEvidenceJSON string     `json:"dispatch_evidence_json"`
	DispatchedAt         *time.Time `json:"dispatched_at"`
	ConfirmedAt          *time.Time `json:"confirmed_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// DispatchMessage is one logical attempt to deliver one external message for one
// correlation. The ID is the deterministic idempotency key; at most one row exists
// per key. ProviderMessageID is set exactly once, at the transition to sent.
type DispatchMessage struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Channel           string         `json:"channel"`
	CorrelationID     string         `json:"correlation_id"`
	ToAddress         string         `json:"to_address"`
	Body              string         `json:"body"`
	ProviderMessageID string         `json:"provider_message_id"`
	Status            DispatchStatus `json:"status"`
	Attempts          int            `json:"attempts"`
	LastAttemptID     string         `json:"last_attempt_id"`
	LastError         string         `json:"last_error"`
	ProviderStatus    string         `json:"provider_status"`
	ProviderErrorCode string         `json:"provider_error_code"`
	UpdateCount       int            `json:"update_count"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// WebhookEvent is a deduplicated record of one inbound provider callback.
// The ID is the deterministic key provider:kind:providerEventId.
type WebhookEvent struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	Kind              string          `json:"kind"`
	ProviderEventID   string          `json:"provider_event_id"`
	SignatureStatus   SignatureStatus `json:"signature_status"`
	NormalizedJSON    string          `json:"normalized_json"`
	Processed         bool            `json:"processed"`
	Quarantined       bool            `json:"quarantined"`
	DispatchMessageID string          `json:"dispatch_message_id"`
	JobID             string          `json:"job_id"`
	TraceID           string          `json:"trace_id"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at"`
}

// WebhookQuarantineRecord preserves an unmappable event for manual reconciliation.
// Append-only.
type WebhookQuarantineRecord struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	Kind            string    `json:"kind"`
	ProviderEventID string    `json:"provider_event_id"`
	Reason          string    `json:"reason"`
	PayloadJSON     string    `json:"payload_json"`
	CreatedAt       time.Time `json:"created_at"`
}

// IdempotencyRecord marks a logical operation as already executed, with an
// optional cached result. Rows expire per TTL class.
type IdempotencyRecord struct {
	Key        string    `json:"key"`
	TTLClass   string    `json:"ttl_class"`
	ResultJSON string    `json:"result_json"`
	ExecutedAt time.Time `json:"executed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// OutboxEntry is a pending async work item, written in the same transaction as the
// state change that created the need for the work and consumed out-of-band.
type OutboxEntry struct {
	ID            string       `json:"id"`
	JobID         string       `json:"job_id"`
	Type          OutboxType   `json:"type"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	LastAttemptID string       `json:"last_attempt_id"`
	LastError     string       `json:"last_error"`
	EvidenceJSON  string       `json:"evidence_json"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TransitionResult is returned by a successful CAS transition.
type TransitionResult struct {
	JobID          string    `json:"job_id"`
	PreviousStatus JobStatus `json:"previous_status"`
	NewStatus      JobStatus `json:"new_status"`
	WasIdempotent  bool      `json:"was_idempotent"`
}

// DeadlockCheckResult summarizes one deadlock sweep.
type DeadlockCheckResult struct {
	JobsChecked    int       `json:"jobs_checked"`
	JobsReleased   int       `json:"jobs_released"`
	ReleasedJobIDs []string  `json:"released_job_ids"`
	Errors         []string  `json:"errors"`
	CheckedAt      time.Time `json:"checked_at"`
}

// DispatchEvidence is the proof attached to a job once an external send was
// confirmed by the provider.
type DispatchEvidence struct {
	DispatchMessageID string    `json:"dispatch_message_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderStatus    string    `json:"provider_status"`
	ConfirmedAt       time.Time `json:"confirmed_at"`
}
