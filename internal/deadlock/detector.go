// Package deadlock implements the scheduled sweep that finds jobs stuck in a
// non-terminal status past a staleness threshold and releases them to
// timeout-review for explicit re-drive. Release is the only action the sweep
// takes: it never completes or cancels a job, because the outcome of the job's
// external side effects is unknown.
package deadlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
)

// Defaults mirror the sweep cadence the detector is scheduled with.
const (
	DefaultStaleThreshold = 1 * time.Hour
	DefaultBatchSize      = 50
)

// Opts holds configuration options for the detector.
type Opts struct {
	StaleThreshold time.Duration
	BatchSize      int
}

// Option defines a configuration option for the detector.
type Option func(*Opts)

// WithStaleThreshold sets how old a job's last update must be before the sweep
// considers it stuck.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithBatchSize caps how many jobs per status one sweep releases.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// Detector finds and releases stuck jobs.
type Detector struct {
	jobs      store.JobRepo
	guard     *lifecycle.Guard
	threshold time.Duration
	batchSize int
}

// NewDetector creates a deadlock detector over the given job repository.
func NewDetector(jobs store.JobRepo, guard *lifecycle.Guard, opts ...Option) *Detector {
	cfg := Opts{
		StaleThreshold: DefaultStaleThreshold,
		BatchSize:      DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Detector{
		jobs:      jobs,
		guard:     guard,
		threshold: cfg.StaleThreshold,
		batchSize: cfg.BatchSize,
	}
}

// ReleaseStuckJobs sweeps every non-terminal status for jobs whose last update
// is older than the staleness threshold and moves each to timeout-review.
// Per-job failures are collected, not fatal: one bad record must not block
// recovery of the rest.
func (d *Detector) ReleaseStuckJobs(ctx context.Context) (*models.DeadlockCheckResult, error) {
	now := time.Now()
	before := now.Add(-d.threshold)
	result := &models.DeadlockCheckResult{CheckedAt: now}

	slog.Info("Detector.ReleaseStuckJobs: sweep started",
		"threshold", d.threshold, "batchSize", d.batchSize)

	for _, status := range lifecycle.NonTerminalStatuses() {
		jobs, err := d.jobs.ListJobsStuckSince(ctx, status, before, d.batchSize)
		if err != nil {
			// A failed query for one status should not abort the others.
			msg := fmt.Sprintf("list %s: %v", status, err)
			result.Errors = append(result.Errors, msg)
			slog.Error("Detector.ReleaseStuckJobs: failed to list stuck jobs", "status", status, "error", err)
			continue
		}

		result.JobsChecked += len(jobs)
		for _, job := range jobs {
			if err := d.releaseJob(ctx, job, now); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("release %s: %v", job.ID, err))
				slog.Error("Detector.ReleaseStuckJobs: failed to release job",
					"jobID", job.ID, "status", job.Status, "error", err)
				continue
			}
			result.JobsReleased++
			result.ReleasedJobIDs = append(result.ReleasedJobIDs, job.ID)
		}
	}

	slog.Info("Detector.ReleaseStuckJobs: sweep complete",
		"checked", result.JobsChecked, "released", result.JobsReleased, "errors", len(result.Errors))
	return result, nil
}

func (d *Detector) releaseJob(ctx context.Context, job models.Job, now time.Time) error {
	transition, err := d.guard.TransitionCanonical(ctx, job.ID, job.Status, models.JobStatusTimeoutReview)
	if err != nil {
		var conflict *lifecycle.CASConflictError
		if errors.As(err, &conflict) && conflict.Actual == models.JobStatusTimeoutReview {
			// Another sweep or an operator got there first.
			return nil
		}
		return err
	}
	if transition.WasIdempotent {
		return nil
	}

	reason := fmt.Sprintf("released by deadlock sweep: stuck in %s since %s (threshold %s)",
		job.Status, job.UpdatedAt.UTC().Format(time.RFC3339), d.threshold)
	if err := d.jobs.SetTimeoutReason(ctx, job.ID, reason); err != nil {
		// The transition already happened; the missing reason is an annotation
		// gap, not a release failure.
		slog.Warn("Detector.releaseJob: failed to record timeout reason", "jobID", job.ID, "error", err)
	}

	slog.Warn("Detector.releaseJob: job released to timeout-review",
		"jobID", job.ID, "previousStatus", job.Status, "stuckSince", job.UpdatedAt, "releasedAt", now)
	return nil
}

// IsJobStuck reports whether a single job currently qualifies as stuck: it is
// in a non-terminal status and has not been updated within the threshold.
func (d *Detector) IsJobStuck(ctx context.Context, jobID string) (bool, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	nonTerminal := false
	for _, status := range lifecycle.NonTerminalStatuses() {
		if job.Status == status {
			nonTerminal = true
			break
		}
	}
	if !nonTerminal {
		return false, nil
	}
	return time.Since(job.UpdatedAt) > d.threshold, nil
}

// GetStuckJobCount counts jobs currently qualifying as stuck across all
// non-terminal statuses. Feeds the operational gauge.
func (d *Detector) GetStuckJobCount(ctx context.Context) (int, error) {
	before := time.Now().Add(-d.threshold)
	count, err := d.jobs.CountJobsStuckSince(ctx, lifecycle.NonTerminalStatuses(), before)
	if err != nil {
		return 0, fmt.Errorf("failed to count stuck jobs: %w", err)
	}
	return count, nil
}
