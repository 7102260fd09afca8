package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

type fakeOutboxRepo struct {
	entries  map[string]*models.OutboxEntry
	nextID   int
	claimErr error
	jobs     map[string]models.JobStatus
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{
		entries: make(map[string]*models.OutboxEntry),
		jobs:    make(map[string]models.JobStatus),
	}
}

func (f *fakeOutboxRepo) EnqueueOutbox(_ context.Context, entry models.OutboxEntry) (string, error) {
	f.nextID++
	id := fmt.Sprintf("outbox_%d", f.nextID)
	entry.ID = id
	entry.Status = models.OutboxStatusPending
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	f.entries[id] = &entry
	return id, nil
}

func (f *fakeOutboxRepo) EnqueueOutboxWithTransition(ctx context.Context, jobID string, expected, next models.JobStatus, now time.Time, entry models.OutboxEntry) (bool, string, error) {
	if f.jobs[jobID] != expected {
		return false, "", nil
	}
	f.jobs[jobID] = next
	id, err := f.EnqueueOutbox(ctx, entry)
	return true, id, err
}

func (f *fakeOutboxRepo) ClaimOutboxEntry(_ context.Context, id, attemptID string) (*models.OutboxEntry, bool, error) {
	if f.claimErr != nil {
		return nil, false, f.claimErr
	}
	entry, ok := f.entries[id]
	if !ok {
		return nil, false, models.ErrOutboxEntryNotFound
	}
	switch {
	case entry.Status == models.OutboxStatusCompleted || entry.Status == models.OutboxStatusFailed:
		return nil, false, nil
	case entry.LastAttemptID == attemptID:
		return nil, false, nil
	case entry.Attempts >= entry.MaxAttempts:
		entry.Status = models.OutboxStatusFailed
		return nil, false, nil
	default:
		entry.Attempts++
		entry.LastAttemptID = attemptID
		entry.Status = models.OutboxStatusProcessing
		entry.UpdatedAt = time.Now()
		copied := *entry
		return &copied, true, nil
	}
}

func (f *fakeOutboxRepo) ListPendingOutbox(_ context.Context, limit int) ([]models.OutboxEntry, error) {
	var out []models.OutboxEntry
	for _, entry := range f.entries {
		if entry.Status == models.OutboxStatusPending && len(out) < limit {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) GetOutboxEntry(_ context.Context, id string) (*models.OutboxEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, models.ErrOutboxEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (f *fakeOutboxRepo) CompleteOutboxEntry(_ context.Context, id, evidenceJSON string) error {
	entry, ok := f.entries[id]
	if !ok {
		return models.ErrOutboxEntryNotFound
	}
	entry.Status = models.OutboxStatusCompleted
	entry.EvidenceJSON = evidenceJSON
	entry.UpdatedAt = time.Now()
	return nil
}

func (f *fakeOutboxRepo) FailOutboxEntry(_ context.Context, id, errMsg string) error {
	entry, ok := f.entries[id]
	if !ok {
		return models.ErrOutboxEntryNotFound
	}
	entry.LastError = errMsg
	if entry.Attempts >= entry.MaxAttempts {
		entry.Status = models.OutboxStatusFailed
	} else {
		entry.Status = models.OutboxStatusPending
	}
	entry.UpdatedAt = time.Now()
	return nil
}

func (f *fakeOutboxRepo) RequeueStaleProcessingOutbox(_ context.Context, staleBefore time.Time) (int, error) {
	requeued := 0
	for _, entry := range f.entries {
		if entry.Status == models.OutboxStatusProcessing && entry.UpdatedAt.Before(staleBefore) {
			entry.Status = models.OutboxStatusPending
			requeued++
		}
	}
	return requeued, nil
}

func TestQueueEnqueue(t *testing.T) {
	repo := newFakeOutboxRepo()
	queue := NewQueue(repo)

	id, err := queue.Enqueue(context.Background(), "job_1", models.OutboxTypeProviderSend, `{"to":"15551234567"}`, 0)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	entry := repo.entries[id]
	if entry == nil {
		t.Fatal("entry was not stored")
	}
	if entry.Status != models.OutboxStatusPending {
		t.Errorf("entry status = %v, want pending", entry.Status)
	}
	if entry.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max attempts = %d, want default %d", entry.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestQueueEnqueueInvalidType(t *testing.T) {
	queue := NewQueue(newFakeOutboxRepo())

	if _, err := queue.Enqueue(context.Background(), "job_1", "bogus", "{}", 3); !errors.Is(err, models.ErrInvalidOutboxType) {
		t.Errorf("Enqueue() error = %v, want ErrInvalidOutboxType", err)
	}
}

func TestQueueEnqueueWithTransition(t *testing.T) {
	repo := newFakeOutboxRepo()
	repo.jobs["job_1"] = models.JobStatusConfirming
	queue := NewQueue(repo)
	ctx := context.Background()

	swapped, id, err := queue.EnqueueWithTransition(ctx, "job_1", models.JobStatusConfirming, models.JobStatusDispatched, models.OutboxTypeProviderSend, "{}", 3)
	if err != nil {
		t.Fatalf("EnqueueWithTransition() error = %v", err)
	}
	if !swapped || id == "" {
		t.Errorf("swapped = %v, id = %q; want transition and enqueue", swapped, id)
	}
	if repo.jobs["job_1"] != models.JobStatusDispatched {
		t.Errorf("job status = %v, want dispatched", repo.jobs["job_1"])
	}

	// A lost CAS race enqueues nothing.
	swapped, id, err = queue.EnqueueWithTransition(ctx, "job_1", models.JobStatusConfirming, models.JobStatusDispatched, models.OutboxTypeProviderSend, "{}", 3)
	if err != nil {
		t.Fatalf("EnqueueWithTransition() second call error = %v", err)
	}
	if swapped || id != "" {
		t.Errorf("swapped = %v, id = %q; want no transition and no enqueue", swapped, id)
	}
	if len(repo.entries) != 1 {
		t.Errorf("stored entries = %d, want 1", len(repo.entries))
	}
}

func TestProcessPendingCompletesEntry(t *testing.T) {
	repo := newFakeOutboxRepo()
	queue := NewQueue(repo)
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, "job_1", models.OutboxTypeLLMRequest, `{"prompt":"hi"}`, 3)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	processor := NewProcessor(repo)
	var handled []string
	processor.RegisterHandler(models.OutboxTypeLLMRequest, func(_ context.Context, entry models.OutboxEntry) (string, error) {
		handled = append(handled, entry.ID)
		return `{"tokens":12}`, nil
	})

	completed, err := processor.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
	if len(handled) != 1 || handled[0] != id {
		t.Errorf("handled = %v, want [%s]", handled, id)
	}

	entry := repo.entries[id]
	if entry.Status != models.OutboxStatusCompleted {
		t.Errorf("entry status = %v, want completed", entry.Status)
	}
	if entry.EvidenceJSON != `{"tokens":12}` {
		t.Errorf("evidence = %q, want handler evidence", entry.EvidenceJSON)
	}
}

func TestProcessPendingRequeuesFailedHandler(t *testing.T) {
	repo := newFakeOutboxRepo()
	queue := NewQueue(repo)
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, "job_1", models.OutboxTypeProviderSend, "{}", 3)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	processor := NewProcessor(repo)
	processor.RegisterHandler(models.OutboxTypeProviderSend, func(_ context.Context, _ models.OutboxEntry) (string, error) {
		return "", errors.New("provider down")
	})

	completed, err := processor.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if completed != 0 {
		t.Errorf("completed = %d, want 0", completed)
	}

	entry := repo.entries[id]
	if entry.Status != models.OutboxStatusPending {
		t.Errorf("entry status = %v, want pending for retry", entry.Status)
	}
	if entry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", entry.Attempts)
	}
	if entry.LastError == "" {
		t.Error("last error was not recorded")
	}
}

func TestProcessPendingExhaustsBudget(t *testing.T) {
	repo := newFakeOutboxRepo()
	queue := NewQueue(repo)
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, "job_1", models.OutboxTypeProviderSend, "{}", 2)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	processor := NewProcessor(repo)
	calls := 0
	processor.RegisterHandler(models.OutboxTypeProviderSend, func(_ context.Context, _ models.OutboxEntry) (string, error) {
		calls++
		return "", errors.New("provider down")
	})

	for i := 0; i < 4; i++ {
		if _, err := processor.ProcessPending(ctx); err != nil {
			t.Fatalf("ProcessPending() cycle %d error = %v", i, err)
		}
	}

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 (budget)", calls)
	}
	if repo.entries[id].Status != models.OutboxStatusFailed {
		t.Errorf("entry status = %v, want failed after exhausted budget", repo.entries[id].Status)
	}
}

func TestProcessPendingFailsEntryWithoutHandler(t *testing.T) {
	repo := newFakeOutboxRepo()
	queue := NewQueue(repo)
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, "job_1", models.OutboxTypeLookup, "{}", 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	processor := NewProcessor(repo)

	if _, err := processor.ProcessPending(ctx); err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if repo.entries[id].Status != models.OutboxStatusFailed {
		t.Errorf("entry status = %v, want failed when no handler exists", repo.entries[id].Status)
	}
}

func TestRecoverStale(t *testing.T) {
	repo := newFakeOutboxRepo()
	ctx := context.Background()

	id, err := repo.EnqueueOutbox(ctx, models.OutboxEntry{JobID: "job_1", Type: models.OutboxTypeProviderSend, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("EnqueueOutbox() error = %v", err)
	}
	repo.entries[id].Status = models.OutboxStatusProcessing
	repo.entries[id].UpdatedAt = time.Now().Add(-1 * time.Hour)

	processor := NewProcessor(repo, WithStaleAfter(10*time.Minute))

	requeued, err := processor.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}
	if repo.entries[id].Status != models.OutboxStatusPending {
		t.Errorf("entry status = %v, want pending after recovery", repo.entries[id].Status)
	}
}

func TestProcessorStartStop(t *testing.T) {
	repo := newFakeOutboxRepo()
	processor := NewProcessor(repo, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := processor.Start(ctx); err == nil {
		t.Error("second Start() error = nil, want already-running error")
	}

	time.Sleep(30 * time.Millisecond)
	processor.Stop()

	// Stop is idempotent.
	processor.Stop()
}
