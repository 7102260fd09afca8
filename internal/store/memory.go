package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a map-backed Store for tests and local development. It
// implements the same conditional-write semantics as the SQL backends, with a
// single mutex standing in for the database's row serialization.
type InMemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	dispatches  map[string]*models.DispatchMessage
	events      map[string]*models.WebhookEvent
	quarantine  []models.WebhookQuarantineRecord
	idempotency map[string]*models.IdempotencyRecord
	outbox      map[string]*models.OutboxEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:        make(map[string]*models.Job),
		dispatches:  make(map[string]*models.DispatchMessage),
		events:      make(map[string]*models.WebhookEvent),
		idempotency: make(map[string]*models.IdempotencyRecord),
		outbox:      make(map[string]*models.OutboxEntry),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// --- JobRepo ---

func (s *InMemoryStore) CreateJob(ctx context.Context, kind string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := util.GenerateJobID()
	now := time.Now()
	s.jobs[id] = &models.Job{
		ID:        id,
		Kind:      kind,
		Status:    models.JobStatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *InMemoryStore) UpdateJobStatusCAS(ctx context.Context, id string, expected, next models.JobStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != expected {
		return false, nil
	}
	job.PreviousStatus = expected
	job.Status = next
	job.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) AttachDispatchEvidence(ctx context.Context, id string, evidenceJSON string, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.DispatchEvidenceJSON != "" {
		return nil
	}
	job.DispatchEvidenceJSON = evidenceJSON
	job.ConfirmedAt = &confirmedAt
	job.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SetTimeoutReason(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		job.TimeoutReason = reason
	}
	return nil
}

func (s *InMemoryStore) ListJobsStuckSince(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *InMemoryStore) CountJobsStuckSince(ctx context.Context, statuses []models.JobStatus, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		for _, status := range statuses {
			if job.Status == status && job.UpdatedAt.Before(before) {
				count++
				break
			}
		}
	}
	return count, nil
}

// --- DispatchRepo ---

func (s *InMemoryStore) ReserveForSend(ctx context.Context, key, attemptID string, maxAttempts int, seed models.DispatchMessage) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, ok := s.dispatches[key]
	if !ok {
		record := seed
		record.ID = key
		record.Status = models.DispatchStatusSending
		record.Attempts = 1
		record.LastAttemptID = attemptID
		record.CreatedAt = now
		record.UpdatedAt = now
		s.dispatches[key] = &record
		copied := record
		return &Reservation{CanSend: true, Record: copied}, nil
	}

	switch evaluateReservation(existing, attemptID, maxAttempts) {
	case reservationAlreadySent, reservationAttemptReplay:
		return &Reservation{CanSend: false, Record: *existing}, nil

	case reservationBudgetExhausted:
		if existing.Status != models.DispatchStatusFailed {
			existing.Status = models.DispatchStatusFailed
			existing.UpdatedAt = now
		}
		return &Reservation{CanSend: false, Record: *existing}, nil

	default: // reservationClaim
		existing.Status = models.DispatchStatusSending
		existing.Attempts++
		existing.LastAttemptID = attemptID
		existing.UpdatedAt = now
		return &Reservation{CanSend: true, Record: *existing}, nil
	}
}

func (s *InMemoryStore) GetDispatchMessage(ctx context.Context, key string) (*models.DispatchMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.dispatches[key]
	if !ok {
		return nil, models.ErrDispatchNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *InMemoryStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.DispatchMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.dispatches {
		if m.ProviderMessageID != "" && m.ProviderMessageID == providerMessageID {
			copied := *m
			return &copied, nil
		}
	}
	return nil, models.ErrDispatchNotFound
}

func (s *InMemoryStore) MarkDispatchSent(ctx context.Context, key, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.dispatches[key]
	if !ok {
		return models.ErrDispatchNotFound
	}
	if m.ProviderMessageID != "" {
		if m.ProviderMessageID == providerMessageID {
			return nil
		}
		return models.ErrProviderMessageIDSet
	}
	m.Status = models.DispatchStatusSent
	m.ProviderMessageID = providerMessageID
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) MarkDispatchFailed(ctx context.Context, key, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.dispatches[key]
	if !ok || m.Status == models.DispatchStatusSent {
		return nil
	}
	m.Status = models.DispatchStatusFailed
	m.LastError = errMsg
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) AnnotateProviderStatus(ctx context.Context, key, providerStatus, providerErrorCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.dispatches[key]
	if !ok {
		return models.ErrDispatchNotFound
	}
	m.ProviderStatus = providerStatus
	m.ProviderErrorCode = providerErrorCode
	m.UpdateCount++
	m.UpdatedAt = time.Now()
	return nil
}

// --- WebhookRepo ---

func (s *InMemoryStore) CreateWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return false, nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	copied := event
	s.events[event.ID] = &copied
	return true, nil
}

func (s *InMemoryStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("webhook event %s not found", id)
	}
	copied := *e
	return &copied, nil
}

func (s *InMemoryStore) MarkWebhookProcessed(ctx context.Context, id, dispatchMessageID, jobID string, quarantined bool, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil
	}
	e.Processed = true
	e.Quarantined = quarantined
	e.DispatchMessageID = dispatchMessageID
	e.JobID = jobID
	e.ProcessedAt = &processedAt
	return nil
}

func (s *InMemoryStore) ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []models.WebhookEvent
	for _, e := range s.events {
		if !e.Processed && !e.Quarantined {
			events = append(events, *e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *InMemoryStore) AddQuarantineRecord(ctx context.Context, rec models.WebhookQuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = util.GenerateRandomID("quar_", 32)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.quarantine = append(s.quarantine, rec)
	return nil
}

func (s *InMemoryStore) ListQuarantineRecords(ctx context.Context, limit int) ([]models.WebhookQuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.WebhookQuarantineRecord, len(s.quarantine))
	copy(records, s.quarantine)
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// --- IdempotencyRepo ---

func (s *InMemoryStore) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idempotency[key]
	if !ok || rec.ExpiresAt.Before(now) {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *InMemoryStore) PutIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := rec
	s.idempotency[rec.Key] = &copied
	return nil
}

func (s *InMemoryStore) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, rec := range s.idempotency {
		if rec.ExpiresAt.Before(now) {
			delete(s.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

// --- OutboxRepo ---

func (s *InMemoryStore) EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(entry, time.Now()), nil
}

func (s *InMemoryStore) enqueueLocked(entry models.OutboxEntry, now time.Time) string {
	id := util.GenerateOutboxID()
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	s.outbox[id] = &models.OutboxEntry{
		ID:          id,
		JobID:       entry.JobID,
		Type:        entry.Type,
		PayloadJSON: entry.PayloadJSON,
		Status:      models.OutboxStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id
}

func (s *InMemoryStore) EnqueueOutboxWithTransition(ctx context.Context, jobID string, expected, next models.JobStatus, now time.Time, entry models.OutboxEntry) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != expected {
		return false, "", nil
	}
	job.PreviousStatus = expected
	job.Status = next
	job.UpdatedAt = now

	entry.JobID = jobID
	return true, s.enqueueLocked(entry, now), nil
}

func (s *InMemoryStore) ClaimOutboxEntry(ctx context.Context, id, attemptID string) (*models.OutboxEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.outbox[id]
	if !ok {
		return nil, false, models.ErrOutboxEntryNotFound
	}

	now := time.Now()
	switch evaluateOutboxClaim(entry, attemptID) {
	case outboxClaimTerminal, outboxClaimAttemptReplay:
		copied := *entry
		return &copied, false, nil

	case outboxClaimBudgetExhausted:
		entry.Status = models.OutboxStatusFailed
		entry.UpdatedAt = now
		copied := *entry
		return &copied, false, nil

	default: // outboxClaimOK
		entry.Status = models.OutboxStatusProcessing
		entry.Attempts++
		entry.LastAttemptID = attemptID
		entry.UpdatedAt = now
		copied := *entry
		return &copied, true, nil
	}
}

func (s *InMemoryStore) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.OutboxEntry
	for _, e := range s.outbox {
		if e.Status == models.OutboxStatusPending {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *InMemoryStore) GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return nil, models.ErrOutboxEntryNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *InMemoryStore) CompleteOutboxEntry(ctx context.Context, id, evidenceJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.outbox[id]; ok {
		e.Status = models.OutboxStatusCompleted
		e.EvidenceJSON = evidenceJSON
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxEntry(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return nil
	}
	if e.Attempts >= e.MaxAttempts {
		e.Status = models.OutboxStatusFailed
	} else {
		e.Status = models.OutboxStatusPending
	}
	e.LastError = errMsg
	e.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) RequeueStaleProcessingOutbox(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	requeued := 0
	for _, e := range s.outbox {
		if e.Status == models.OutboxStatusProcessing && e.UpdatedAt.Before(staleBefore) {
			e.Status = models.OutboxStatusPending
			e.UpdatedAt = now
			requeued++
		}
	}
	return requeued, nil
}
