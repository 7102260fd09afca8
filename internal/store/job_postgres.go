package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) CreateJob(ctx context.Context, kind string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, kind, models.JobStatusCollecting, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create job failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateJob", "id", id, "kind", kind)
	return id, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJobStatusCAS(ctx context.Context, id string, expected, next models.JobStatus, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, previous_status = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		next, expected, now, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas update failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas rows affected failed: %w", err)
	}
	slog.Debug("PostgresStore.UpdateJobStatusCAS", "id", id, "expected", expected, "next", next, "swapped", n == 1)
	return n == 1, nil
}

func (s *PostgresStore) AttachDispatchEvidence(ctx context.Context, id string, evidenceJSON string, confirmedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET dispatch_evidence_json = $1, confirmed_at = $2, updated_at = $3
		 WHERE id = $4 AND dispatch_evidence_json IS NULL`,
		evidenceJSON, confirmedAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("attach dispatch evidence failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTimeoutReason(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET timeout_reason = $1 WHERE id = $2`, reason, id)
	if err != nil {
		return fmt.Errorf("set timeout reason failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJobsStuckSince(ctx context.Context, status models.JobStatus, before time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`,
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

func (s *PostgresStore) CountJobsStuckSince(ctx context.Context, statuses []models.JobStatus, before time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ANY($1) AND updated_at < $2`,
		statusArray(statuses), before,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs failed: %w", err)
	}
	return count, nil
}
