package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// JobStore is the minimal persistence surface the guard needs. The conditional
// update is the atomicity point: it must only write when the stored status still
// equals expected, and report whether a row was changed.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJobStatusCAS(ctx context.Context, id string, expected, next models.JobStatus, now time.Time) (bool, error)
}

// Guard performs compare-and-swap job status transitions. Two concurrent callers
// racing on the same job are resolved by the store's conditional update: exactly
// one wins; the other observes an idempotent no-op or a CASConflictError.
type Guard struct {
	jobs JobStore
}

// NewGuard creates a transition guard backed by the given job store.
func NewGuard(jobs JobStore) *Guard {
	return &Guard{jobs: jobs}
}

// Transition moves a job from expectedStatus to newStatus. Raw status strings
// are canonicalized first. The idempotent-replay shape is expected == new: a
// caller asserting the job is already where it wants it succeeds with
// WasIdempotent=true and writes nothing. Any other mismatch between the stored
// status and expectedStatus is a CASConflictError, including a replay of an
// already-applied transition with its original arguments: the caller's view of
// the current status is stale and it must re-read before retrying.
func (g *Guard) Transition(ctx context.Context, jobID, expectedStatus, newStatus string) (*models.TransitionResult, error) {
	expected, err := Canonicalize(expectedStatus)
	if err != nil {
		return nil, err
	}
	next, err := Canonicalize(newStatus)
	if err != nil {
		return nil, err
	}
	return g.TransitionCanonical(ctx, jobID, expected, next)
}

// TransitionCanonical is Transition for statuses that are already canonical.
func (g *Guard) TransitionCanonical(ctx context.Context, jobID string, expected, next models.JobStatus) (*models.TransitionResult, error) {
	job, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if expected == next && job.Status == next {
		slog.Debug("Guard.Transition: idempotent replay", "jobID", jobID, "status", next)
		return &models.TransitionResult{
			JobID:          jobID,
			PreviousStatus: job.PreviousStatus,
			NewStatus:      next,
			WasIdempotent:  true,
		}, nil
	}
	if job.Status != expected {
		// This also covers replaying an already-applied transition with its
		// original expected status: the stored status moved on, so the caller
		// must re-read rather than treat the replay as success.
		slog.Warn("Guard.Transition: cas conflict", "jobID", jobID, "expected", expected, "actual", job.Status)
		return nil, &CASConflictError{JobID: jobID, Expected: expected, Actual: job.Status}
	}
	if err := ValidateTransition(expected, next); err != nil {
		slog.Error("Guard.Transition: invalid transition", "jobID", jobID, "from", expected, "to", next)
		return nil, err
	}

	swapped, err := g.jobs.UpdateJobStatusCAS(ctx, jobID, expected, next, time.Now())
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Lost the race between the read above and the conditional write.
		current, err := g.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.Status == next {
			// A concurrent writer with the same target won the write. Both
			// callers wanted the job here, so the loser's call is a no-op
			// rather than a conflict.
			slog.Debug("Guard.Transition: concurrent writer reached target first", "jobID", jobID, "status", next)
			return &models.TransitionResult{
				JobID:          jobID,
				PreviousStatus: current.PreviousStatus,
				NewStatus:      next,
				WasIdempotent:  true,
			}, nil
		}
		slog.Warn("Guard.Transition: cas conflict after write race", "jobID", jobID, "expected", expected, "actual", current.Status)
		return nil, &CASConflictError{JobID: jobID, Expected: expected, Actual: current.Status}
	}

	slog.Info("Guard.Transition succeeded", "jobID", jobID, "from", expected, "to", next)
	return &models.TransitionResult{
		JobID:          jobID,
		PreviousStatus: expected,
		NewStatus:      next,
		WasIdempotent:  false,
	}, nil
}
