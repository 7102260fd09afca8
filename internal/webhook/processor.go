// Package webhook ingests asynchronous provider callbacks, deduplicates them,
// correlates them back to dispatch ledger entries, and quarantines events that
// reference messages this system never issued.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
)

// ReasonUnknownProviderMessageID marks quarantined events whose message
// identifier matched no dispatch ledger entry.
const ReasonUnknownProviderMessageID = "UNKNOWN_PROVIDER_MESSAGE_ID"

// deliveredStatuses are the provider message statuses that count as delivery
// evidence for advancing a job to confirmed.
var deliveredStatuses = map[string]bool{
	"sent":      true,
	"delivered": true,
	"read":      true,
}

// ProviderStatusEvent is a normalized inbound status callback.
type ProviderStatusEvent struct {
	Provider          string
	Kind              string
	ProviderMessageID string
	MessageStatus     string
	ErrorCode         string
	RawFields         map[string]string
	SignatureStatus   models.SignatureStatus
	TraceID           string
}

// EventID derives the deterministic dedupe key. Status callbacks fold the
// status value into the provider event id so repeated identical pushes dedupe
// while distinct statuses for the same message stay distinct events.
func (e ProviderStatusEvent) EventID() string {
	return fmt.Sprintf("%s:%s:%s", e.Provider, e.Kind, e.providerEventID())
}

func (e ProviderStatusEvent) providerEventID() string {
	return fmt.Sprintf("%s:%s", e.ProviderMessageID, e.MessageStatus)
}

// normalizedPayload is what gets persisted on the webhook event so a replay can
// re-run correlation without the original HTTP request.
type normalizedPayload struct {
	ProviderMessageID string            `json:"provider_message_id"`
	MessageStatus     string            `json:"message_status"`
	ErrorCode         string            `json:"error_code,omitempty"`
	Raw               map[string]string `json:"raw,omitempty"`
}

// ProcessResult reports the outcome of ingesting one callback.
type ProcessResult struct {
	EventID           string `json:"event_id"`
	Processed         bool   `json:"processed"`
	Quarantined       bool   `json:"quarantined"`
	WasDuplicate      bool   `json:"was_duplicate"`
	DispatchMessageID string `json:"dispatch_message_id,omitempty"`
	JobID             string `json:"job_id,omitempty"`
}

// Processor correlates inbound provider callbacks with the dispatch ledger and
// advances jobs on delivery evidence.
type Processor struct {
	webhooks   store.WebhookRepo
	dispatches store.DispatchRepo
	jobs       store.JobRepo
	guard      *lifecycle.Guard
}

// NewProcessor creates a webhook processor over the given repositories.
func NewProcessor(webhooks store.WebhookRepo, dispatches store.DispatchRepo, jobs store.JobRepo, guard *lifecycle.Guard) *Processor {
	return &Processor{webhooks: webhooks, dispatches: dispatches, jobs: jobs, guard: guard}
}

// ProcessProviderStatusEvent ingests one status callback. Creation of the
// webhook event row is the dedupe boundary: a redelivered event returns
// immediately without re-running side effects. Events whose message id matches
// no ledger entry are quarantined, not failed.
func (p *Processor) ProcessProviderStatusEvent(ctx context.Context, event ProviderStatusEvent) (*ProcessResult, error) {
	if event.ProviderMessageID == "" {
		return nil, fmt.Errorf("provider status event has no message id")
	}

	eventID := event.EventID()
	payload := normalizedPayload{
		ProviderMessageID: event.ProviderMessageID,
		MessageStatus:     event.MessageStatus,
		ErrorCode:         event.ErrorCode,
		Raw:               event.RawFields,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	created, err := p.webhooks.CreateWebhookEvent(ctx, models.WebhookEvent{
		ID:              eventID,
		Provider:        event.Provider,
		Kind:            event.Kind,
		ProviderEventID: event.providerEventID(),
		SignatureStatus: event.SignatureStatus,
		NormalizedJSON:  string(payloadJSON),
		TraceID:         event.TraceID,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event %s: %w", eventID, err)
	}
	if !created {
		slog.Debug("Processor.ProcessProviderStatusEvent: duplicate delivery",
			"eventID", eventID, "traceID", event.TraceID)
		return &ProcessResult{EventID: eventID, Processed: true, WasDuplicate: true}, nil
	}

	return p.correlate(ctx, eventID, payload, event.TraceID)
}

// correlate performs the post-dedupe side effects: ledger annotation, delivery
// evidence, job advancement, and the processed mark. Transient failures leave
// the event unprocessed so ReplayUnprocessed can retry them.
func (p *Processor) correlate(ctx context.Context, eventID string, payload normalizedPayload, traceID string) (*ProcessResult, error) {
	entry, err := p.dispatches.FindByProviderMessageID(ctx, payload.ProviderMessageID)
	if errors.Is(err, models.ErrDispatchNotFound) {
		return p.quarantine(ctx, eventID, payload, traceID)
	}
	if err != nil {
		slog.Warn("Processor.correlate: ledger lookup failed, leaving event for replay",
			"eventID", eventID, "traceID", traceID, "error", err)
		return &ProcessResult{EventID: eventID, Processed: false}, nil
	}

	if err := p.dispatches.AnnotateProviderStatus(ctx, entry.ID, payload.MessageStatus, payload.ErrorCode); err != nil {
		slog.Warn("Processor.correlate: ledger annotation failed, leaving event for replay",
			"eventID", eventID, "dispatchMessageID", entry.ID, "traceID", traceID, "error", err)
		return &ProcessResult{EventID: eventID, Processed: false}, nil
	}

	// A callback can confirm a send whose synchronous markSent never completed.
	if entry.Status != models.DispatchStatusSent && deliveredStatuses[payload.MessageStatus] {
		if err := p.dispatches.MarkDispatchSent(ctx, entry.ID, payload.ProviderMessageID); err != nil {
			slog.Warn("Processor.correlate: could not complete interrupted send",
				"eventID", eventID, "dispatchMessageID", entry.ID, "error", err)
		}
	}

	if deliveredStatuses[payload.MessageStatus] {
		p.confirmJob(ctx, entry, payload, traceID)
	}

	if err := p.webhooks.MarkWebhookProcessed(ctx, eventID, entry.ID, entry.CorrelationID, false, time.Now()); err != nil {
		slog.Warn("Processor.correlate: failed to mark event processed, it will replay",
			"eventID", eventID, "traceID", traceID, "error", err)
		return &ProcessResult{EventID: eventID, Processed: false}, nil
	}

	return &ProcessResult{
		EventID:           eventID,
		Processed:         true,
		DispatchMessageID: entry.ID,
		JobID:             entry.CorrelationID,
	}, nil
}

// confirmJob advances the correlated job to confirmed with delivery evidence
// attached. Best-effort: a conflict means another path already moved the job,
// which is not an ingestion failure.
func (p *Processor) confirmJob(ctx context.Context, entry *models.DispatchMessage, payload normalizedPayload, traceID string) {
	jobID := entry.CorrelationID
	if jobID == "" {
		return
	}

	result, err := p.guard.TransitionCanonical(ctx, jobID, models.JobStatusDispatched, models.JobStatusConfirmed)
	if err != nil {
		var conflict *lifecycle.CASConflictError
		if errors.As(err, &conflict) {
			slog.Debug("Processor.confirmJob: job not awaiting confirmation",
				"jobID", jobID, "actual", conflict.Actual, "traceID", traceID)
			return
		}
		if errors.Is(err, models.ErrJobNotFound) {
			slog.Warn("Processor.confirmJob: ledger references unknown job",
				"jobID", jobID, "dispatchMessageID", entry.ID, "traceID", traceID)
			return
		}
		slog.Error("Processor.confirmJob: transition failed", "jobID", jobID, "traceID", traceID, "error", err)
		return
	}

	evidence := models.DispatchEvidence{
		DispatchMessageID: entry.ID,
		ProviderMessageID: payload.ProviderMessageID,
		ProviderStatus:    payload.MessageStatus,
		ConfirmedAt:       time.Now(),
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		slog.Error("Processor.confirmJob: failed to encode evidence", "jobID", jobID, "error", err)
		return
	}
	if err := p.jobs.AttachDispatchEvidence(ctx, jobID, string(evidenceJSON), evidence.ConfirmedAt); err != nil {
		slog.Error("Processor.confirmJob: failed to attach evidence", "jobID", jobID, "error", err)
		return
	}

	slog.Info("Processor.confirmJob: job confirmed by delivery evidence",
		"jobID", jobID, "dispatchMessageID", entry.ID, "providerStatus", payload.MessageStatus,
		"wasIdempotent", result.WasIdempotent, "traceID", traceID)
}

func (p *Processor) quarantine(ctx context.Context, eventID string, payload normalizedPayload, traceID string) (*ProcessResult, error) {
	event, err := p.webhooks.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return &ProcessResult{EventID: eventID, Processed: false}, nil
	}

	payloadJSON, _ := json.Marshal(payload)
	rec := models.WebhookQuarantineRecord{
		ID:              fmt.Sprintf("%s:%d", eventID, time.Now().UnixNano()),
		Provider:        event.Provider,
		Kind:            event.Kind,
		ProviderEventID: event.ProviderEventID,
		Reason:          ReasonUnknownProviderMessageID,
		PayloadJSON:     string(payloadJSON),
		CreatedAt:       time.Now(),
	}
	if err := p.webhooks.AddQuarantineRecord(ctx, rec); err != nil {
		slog.Warn("Processor.quarantine: failed to write quarantine record, event will replay",
			"eventID", eventID, "traceID", traceID, "error", err)
		return &ProcessResult{EventID: eventID, Processed: false}, nil
	}
	if err := p.webhooks.MarkWebhookProcessed(ctx, eventID, "", "", true, time.Now()); err != nil {
		slog.Warn("Processor.quarantine: failed to mark event processed",
			"eventID", eventID, "traceID", traceID, "error", err)
		return &ProcessResult{EventID: eventID, Processed: false}, nil
	}

	slog.Warn("Processor.quarantine: callback references unknown provider message",
		"eventID", eventID, "providerMessageID", payload.ProviderMessageID, "traceID", traceID)
	return &ProcessResult{EventID: eventID, Processed: true, Quarantined: true}, nil
}

// ReplayUnprocessed retries correlation for events that deduped but never
// completed their side effects, oldest first. Returns how many events were
// processed this run.
func (p *Processor) ReplayUnprocessed(ctx context.Context, limit int) (int, error) {
	events, err := p.webhooks.ListUnprocessedWebhookEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}

	processed := 0
	for _, event := range events {
		var payload normalizedPayload
		if err := json.Unmarshal([]byte(event.NormalizedJSON), &payload); err != nil {
			slog.Error("Processor.ReplayUnprocessed: undecodable stored payload",
				"eventID", event.ID, "error", err)
			continue
		}

		result, err := p.correlate(ctx, event.ID, payload, event.TraceID)
		if err != nil {
			slog.Warn("Processor.ReplayUnprocessed: replay failed", "eventID", event.ID, "error", err)
			continue
		}
		if result.Processed {
			processed++
		}
	}

	if len(events) > 0 {
		slog.Info("Processor.ReplayUnprocessed: replay sweep complete",
			"found", len(events), "processed", processed)
	}
	return processed, nil
}
