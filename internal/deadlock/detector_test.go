package deadlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

type fakeJobRepo struct {
	jobs       map[string]*models.Job
	reasons    map[string]string
	listErrFor models.JobStatus
	casErrFor  string
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*models.Job), reasons: make(map[string]string)}
}

func (f *fakeJobRepo) addJob(id string, status models.JobStatus, updatedAt time.Time) {
	f.jobs[id] = &models.Job{ID: id, Status: status, UpdatedAt: updatedAt}
}

func (f *fakeJobRepo) CreateJob(_ context.Context, kind string) (string, error) {
	return "", errors.New("not used in detector tests")
}

func (f *fakeJobRepo) GetJob(_ context.Context, id string) (*models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepo) UpdateJobStatusCAS(_ context.Context, id string, expected, next models.JobStatus, now time.Time) (bool, error) {
	if f.casErrFor == id {
		return false, errors.New("write failed")
	}
	job, ok := f.jobs[id]
	if !ok {
		return false, models.ErrJobNotFound
	}
	if job.Status != expected {
		return false, nil
	}
	job.PreviousStatus = job.Status
	job.Status = next
	job.UpdatedAt = now
	return true, nil
}

func (f *fakeJobRepo) AttachDispatchEvidence(_ context.Context, id string, evidenceJSON string, confirmedAt time.Time) error {
	return nil
}

func (f *fakeJobRepo) SetTimeoutReason(_ context.Context, id string, reason string) error {
	f.reasons[id] = reason
	return nil
}

func (f *fakeJobRepo) ListJobsStuckSince(_ context.Context, status models.JobStatus, before time.Time, limit int) ([]models.Job, error) {
	if status == f.listErrFor {
		return nil, errors.New("query failed")
	}
	var out []models.Job
	for _, job := range f.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) CountJobsStuckSince(_ context.Context, statuses []models.JobStatus, before time.Time) (int, error) {
	count := 0
	for _, job := range f.jobs {
		for _, status := range statuses {
			if job.Status == status && job.UpdatedAt.Before(before) {
				count++
			}
		}
	}
	return count, nil
}

func newTestDetector(repo *fakeJobRepo, opts ...Option) *Detector {
	return NewDetector(repo, lifecycle.NewGuard(repo), opts...)
}

func TestReleaseStuckJobs(t *testing.T) {
	repo := newFakeJobRepo()
	stale := time.Now().Add(-2 * time.Hour)
	fresh := time.Now().Add(-5 * time.Minute)

	repo.addJob("job_stale_collecting", models.JobStatusCollecting, stale)
	repo.addJob("job_stale_dispatched", models.JobStatusDispatched, stale)
	repo.addJob("job_fresh", models.JobStatusConfirming, fresh)
	repo.addJob("job_terminal", models.JobStatusCompleted, stale)

	detector := newTestDetector(repo)

	result, err := detector.ReleaseStuckJobs(context.Background())
	if err != nil {
		t.Fatalf("ReleaseStuckJobs() error = %v", err)
	}
	if result.JobsChecked != 2 {
		t.Errorf("JobsChecked = %d, want 2", result.JobsChecked)
	}
	if result.JobsReleased != 2 {
		t.Errorf("JobsReleased = %d, want 2", result.JobsReleased)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want none", result.Errors)
	}

	for _, id := range []string{"job_stale_collecting", "job_stale_dispatched"} {
		if repo.jobs[id].Status != models.JobStatusTimeoutReview {
			t.Errorf("job %s status = %v, want timeout-review", id, repo.jobs[id].Status)
		}
		if repo.reasons[id] == "" {
			t.Errorf("job %s has no timeout reason", id)
		}
	}
	if repo.jobs["job_fresh"].Status != models.JobStatusConfirming {
		t.Error("fresh job was released")
	}
	if repo.jobs["job_terminal"].Status != models.JobStatusCompleted {
		t.Error("terminal job was touched")
	}
}

func TestReleaseStuckJobsRecordsPreviousStatus(t *testing.T) {
	repo := newFakeJobRepo()
	repo.addJob("job_1", models.JobStatusDispatched, time.Now().Add(-2*time.Hour))
	detector := newTestDetector(repo)

	if _, err := detector.ReleaseStuckJobs(context.Background()); err != nil {
		t.Fatalf("ReleaseStuckJobs() error = %v", err)
	}
	if repo.jobs["job_1"].PreviousStatus != models.JobStatusDispatched {
		t.Errorf("previous status = %v, want dispatched", repo.jobs["job_1"].PreviousStatus)
	}
}

func TestReleaseStuckJobsIsolatesPerJobFailures(t *testing.T) {
	repo := newFakeJobRepo()
	stale := time.Now().Add(-2 * time.Hour)
	repo.addJob("job_bad", models.JobStatusCollecting, stale)
	repo.addJob("job_good", models.JobStatusDispatched, stale)
	repo.casErrFor = "job_bad"

	detector := newTestDetector(repo)

	result, err := detector.ReleaseStuckJobs(context.Background())
	if err != nil {
		t.Fatalf("ReleaseStuckJobs() error = %v", err)
	}
	if result.JobsReleased != 1 {
		t.Errorf("JobsReleased = %d, want 1", result.JobsReleased)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", result.Errors)
	}
	if repo.jobs["job_good"].Status != models.JobStatusTimeoutReview {
		t.Error("healthy job was not released despite the failing one")
	}
}

func TestReleaseStuckJobsIsolatesPerStatusQueryFailures(t *testing.T) {
	repo := newFakeJobRepo()
	stale := time.Now().Add(-2 * time.Hour)
	repo.addJob("job_collecting", models.JobStatusCollecting, stale)
	repo.addJob("job_dispatched", models.JobStatusDispatched, stale)
	repo.listErrFor = models.JobStatusCollecting

	detector := newTestDetector(repo)

	result, err := detector.ReleaseStuckJobs(context.Background())
	if err != nil {
		t.Fatalf("ReleaseStuckJobs() error = %v", err)
	}
	if result.JobsReleased != 1 {
		t.Errorf("JobsReleased = %d, want 1", result.JobsReleased)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", result.Errors)
	}
}

func TestReleaseStuckJobsSkipsAlreadyReleased(t *testing.T) {
	repo := newFakeJobRepo()
	repo.addJob("job_1", models.JobStatusCollecting, time.Now().Add(-2*time.Hour))
	detector := newTestDetector(repo)
	ctx := context.Background()

	if _, err := detector.ReleaseStuckJobs(ctx); err != nil {
		t.Fatalf("first sweep error = %v", err)
	}

	// timeout-review is not swept, so a second run finds nothing.
	result, err := detector.ReleaseStuckJobs(ctx)
	if err != nil {
		t.Fatalf("second sweep error = %v", err)
	}
	if result.JobsChecked != 0 || result.JobsReleased != 0 {
		t.Errorf("second sweep checked=%d released=%d, want 0/0", result.JobsChecked, result.JobsReleased)
	}
}

func TestReleaseStuckJobsToleratesRacedRelease(t *testing.T) {
	repo := newFakeJobRepo()
	repo.addJob("job_1", models.JobStatusTimeoutReview, time.Now().Add(-2*time.Hour))
	detector := newTestDetector(repo)

	// The sweep listed the job while it was still stuck, but a concurrent
	// sweep released it before this worker got to it. That is not a failure.
	snapshot := models.Job{ID: "job_1", Status: models.JobStatusCollecting, UpdatedAt: time.Now().Add(-2 * time.Hour)}
	if err := detector.releaseJob(context.Background(), snapshot, time.Now()); err != nil {
		t.Fatalf("releaseJob on already-released job error = %v, want nil", err)
	}
	if repo.jobs["job_1"].Status != models.JobStatusTimeoutReview {
		t.Errorf("job status = %v, want timeout-review untouched", repo.jobs["job_1"].Status)
	}
}

func TestIsJobStuck(t *testing.T) {
	repo := newFakeJobRepo()
	repo.addJob("job_stale", models.JobStatusConfirming, time.Now().Add(-2*time.Hour))
	repo.addJob("job_fresh", models.JobStatusConfirming, time.Now())
	repo.addJob("job_done", models.JobStatusCompleted, time.Now().Add(-48*time.Hour))

	detector := newTestDetector(repo)
	ctx := context.Background()

	tests := []struct {
		name  string
		jobID string
		want  bool
	}{
		{"stale non-terminal job", "job_stale", true},
		{"fresh job", "job_fresh", false},
		{"old terminal job", "job_done", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := detector.IsJobStuck(ctx, tt.jobID)
			if err != nil {
				t.Fatalf("IsJobStuck(%s) error = %v", tt.jobID, err)
			}
			if got != tt.want {
				t.Errorf("IsJobStuck(%s) = %v, want %v", tt.jobID, got, tt.want)
			}
		})
	}

	if _, err := detector.IsJobStuck(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("IsJobStuck(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestGetStuckJobCount(t *testing.T) {
	repo := newFakeJobRepo()
	stale := time.Now().Add(-2 * time.Hour)
	repo.addJob("job_1", models.JobStatusCollecting, stale)
	repo.addJob("job_2", models.JobStatusDispatched, stale)
	repo.addJob("job_3", models.JobStatusConfirming, time.Now())
	repo.addJob("job_4", models.JobStatusCompleted, stale)

	detector := newTestDetector(repo)

	count, err := detector.GetStuckJobCount(context.Background())
	if err != nil {
		t.Fatalf("GetStuckJobCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("GetStuckJobCount() = %d, want 2", count)
	}
}

func TestWithStaleThreshold(t *testing.T) {
	repo := newFakeJobRepo()
	repo.addJob("job_1", models.JobStatusCollecting, time.Now().Add(-10*time.Minute))

	// Under a 5 minute threshold the job is already stuck.
	detector := newTestDetector(repo, WithStaleThreshold(5*time.Minute))

	result, err := detector.ReleaseStuckJobs(context.Background())
	if err != nil {
		t.Fatalf("ReleaseStuckJobs() error = %v", err)
	}
	if result.JobsReleased != 1 {
		t.Errorf("JobsReleased = %d, want 1", result.JobsReleased)
	}
}
