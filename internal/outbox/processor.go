package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
	"github.com/templeobijnr/easy-islanders-sub001/internal/telemetry"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// Handler performs the external work for one outbox entry and returns the
// evidence to store on completion. A returned error re-queues the entry until
// its attempt budget runs out.
type Handler func(ctx context.Context, entry models.OutboxEntry) (evidenceJSON string, err error)

// Processor defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 20
	DefaultStaleAfter   = 10 * time.Minute
)

// Opts holds configuration options for the processor.
type Opts struct {
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
}

// Option defines a configuration option for the processor.
type Option func(*Opts)

// WithPollInterval sets how often the processor polls for pending entries.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithBatchSize caps how many entries one poll cycle processes.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithStaleAfter sets how long an entry may sit in processing before crash
// recovery re-queues it.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Opts) { o.StaleAfter = d }
}

// Processor polls the outbox and dispatches entries to type-specific handlers.
type Processor struct {
	repo         store.OutboxRepo
	handlers     map[models.OutboxType]Handler
	pollInterval time.Duration
	batchSize    int
	staleAfter   time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewProcessor creates an outbox processor over the given repository.
func NewProcessor(repo store.OutboxRepo, opts ...Option) *Processor {
	cfg := Opts{
		PollInterval: DefaultPollInterval,
		BatchSize:    DefaultBatchSize,
		StaleAfter:   DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Processor{
		repo:         repo,
		handlers:     make(map[models.OutboxType]Handler),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		staleAfter:   cfg.StaleAfter,
	}
}

// RegisterHandler installs the handler for one entry type. Must be called
// before Start.
func (p *Processor) RegisterHandler(entryType models.OutboxType, handler Handler) {
	p.handlers[entryType] = handler
}

// Start launches the background poll loop. Stop or context cancellation ends it.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox processor already running")
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	slog.Info("Processor.Start: outbox processor starting",
		"pollInterval", p.pollInterval, "batchSize", p.batchSize)

	go p.loop(ctx)
	return nil
}

// Stop ends the poll loop and waits for the in-flight cycle to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	slog.Info("Processor.Stop: outbox processor stopped")
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if _, err := p.ProcessPending(ctx); err != nil {
				slog.Error("Processor.loop: poll cycle failed", "error", err)
			}
		}
	}
}

// ProcessPending runs one poll cycle: claim up to batchSize pending entries and
// run their handlers. Returns how many entries completed.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	entries, err := p.repo.ListPendingOutbox(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending outbox entries: %w", err)
	}

	completed := 0
	for _, pending := range entries {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		if p.processEntry(ctx, pending.ID) {
			completed++
		}
	}
	return completed, nil
}

// processEntry claims and runs one entry. Returns true when the entry reached
// completed this cycle.
func (p *Processor) processEntry(ctx context.Context, id string) bool {
	attemptID := util.GenerateAttemptID()

	entry, claimed, err := p.repo.ClaimOutboxEntry(ctx, id, attemptID)
	if err != nil {
		slog.Error("Processor.processEntry: claim failed", "outboxID", id, "error", err)
		return false
	}
	if !claimed {
		// Terminal, budget-exhausted, or claimed by a concurrent worker.
		slog.Debug("Processor.processEntry: claim declined", "outboxID", id)
		return false
	}

	handler, ok := p.handlers[entry.Type]
	if !ok {
		slog.Error("Processor.processEntry: no handler for entry type",
			"outboxID", id, "type", entry.Type)
		if err := p.repo.FailOutboxEntry(ctx, id, fmt.Sprintf("no handler registered for type %s", entry.Type)); err != nil {
			slog.Error("Processor.processEntry: failed to fail entry", "outboxID", id, "error", err)
		}
		return false
	}

	evidence, err := handler(ctx, *entry)
	if err != nil {
		slog.Warn("Processor.processEntry: handler failed",
			"outboxID", id, "type", entry.Type, "attempt", entry.Attempts, "error", err)
		telemetry.OutboxFailures.Inc()
		if failErr := p.repo.FailOutboxEntry(ctx, id, err.Error()); failErr != nil {
			slog.Error("Processor.processEntry: failed to record handler failure",
				"outboxID", id, "error", failErr)
		}
		return false
	}

	if err := p.repo.CompleteOutboxEntry(ctx, id, evidence); err != nil {
		slog.Error("Processor.processEntry: failed to complete entry", "outboxID", id, "error", err)
		return false
	}
	telemetry.OutboxCompleted.Inc()

	slog.Info("Processor.processEntry: entry completed",
		"outboxID", id, "type", entry.Type, "jobID", entry.JobID, "attempt", entry.Attempts)
	return true
}

// RecoverStale re-queues entries stuck in processing longer than the staleness
// window, typically after a crash mid-handler. Intended to run at startup and
// on a schedule.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	requeued, err := p.repo.RequeueStaleProcessingOutbox(ctx, time.Now().Add(-p.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox entries: %w", err)
	}
	if requeued > 0 {
		slog.Warn("Processor.RecoverStale: requeued stale processing entries", "count", requeued)
	}
	return requeued, nil
}
