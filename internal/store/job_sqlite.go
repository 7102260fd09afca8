package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

const jobColumns = `id, kind, status, previous_status, timeout_reason, dispatch_evidence_json, dispatched_at, confirmed_at, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, kind string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, kind, models.JobStatusCollecting, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create job failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateJob", "id", id, "kind", kind)
	return id, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) UpdateJobStatusCAS(ctx context.Context, id string, expected, next models.JobStatus, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, previous_status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, expected, now, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas update failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas rows affected failed: %w", err)
	}
	slog.Debug("SQLiteStore.UpdateJobStatusCAS", "id", id, "expected", expected, "next", next, "swapped", n == 1)
	return n == 1, nil
}

func (s *SQLiteStore) AttachDispatchEvidence(ctx context.Context, id string, evidenceJSON string, confirmedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET dispatch_evidence_json = ?, confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND dispatch_evidence_json IS NULL`,
		evidenceJSON, confirmedAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("attach dispatch evidence failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetTimeoutReason(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET timeout_reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("set timeout reason failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJobsStuckSince(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`,
		status, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stuck jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CountJobsStuckSince(ctx context.Context, statuses []models.JobStatus, before time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, before)

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN (`+placeholders+`) AND updated_at < ?`,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs failed: %w", err)
	}
	return count, nil
}
