package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/internal/domain"
)

const jobColumns = `id, kind, group_id, agent_id, payload, idempotency_key, status, attempts,
	next_attempt_at, last_error, created_at`

// CreateJob inserts job unless its idempotency key was already used.
// It reports whether a row was created.
func (s *Store) CreateJob(ctx context.Context, job domain.Job) (bool, error) {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx create job: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO idempotency_keys(key, job_id, created_at) VALUES(?, ?, ?)`,
		job.IdempotencyKey, job.ID, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO jobs(`+jobColumns+`, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.GroupID, job.AgentID, payload, job.IdempotencyKey,
		string(job.Status), job.Attempts, job.NextAttemptAt.UnixMilli(), job.LastError,
		job.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create job: %w", err)
	}
	return true, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("get job %s: %w", jobID, ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListDispatchableJobs(ctx context.Context, kind domain.JobKind, limit int, now time.Time) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE kind = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC, rowid ASC
		LIMIT ?`,
		string(kind), string(domain.JobStatusPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Store) ListGroupJobs(ctx context.Context, groupID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE group_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list group jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJob moves a pending job to running with a lease. It reports
// false when another worker claimed it first.
func (s *Store) ClaimJob(ctx context.Context, jobID string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, lease_until = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.JobStatusRunning), leaseUntil.UnixMilli(), nowMilli(), jobID, string(domain.JobStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, lease_until = NULL, last_error = '', updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.JobStatusDone), nowMilli(), jobID, string(domain.JobStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID string, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.JobStatusFailed), lastError, nowMilli(), jobID, string(domain.JobStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RetryJob schedules another attempt, or fails the job once maxRetries
// attempts have been used. It reports whether a retry was scheduled.
func (s *Store) RetryJob(ctx context.Context, jobID string, lastError string, retryAt time.Time, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx job retry: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts int
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT attempts, status FROM jobs WHERE id = ?`, jobID).Scan(&attempts, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("retry job %s: %w", jobID, ErrNotFound)
		}
		return false, fmt.Errorf("get job attempts: %w", err)
	}
	if domain.JobStatus(status) == domain.JobStatusCancelled {
		return false, nil
	}

	nextAttempts := attempts + 1
	if nextAttempts >= maxRetries {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, attempts = ?, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
			string(domain.JobStatusFailed), nextAttempts, lastError, nowMilli(), jobID,
		); err != nil {
			return false, fmt.Errorf("mark job failed after retries: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit job fail: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE jobs
		SET status = ?, attempts = ?, next_attempt_at = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(domain.JobStatusPending), nextAttempts, retryAt.UnixMilli(), lastError, nowMilli(), jobID,
	); err != nil {
		return false, fmt.Errorf("schedule job retry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit job retry: %w", err)
	}
	return true, nil
}

// RequeueExpiredJobs returns running jobs whose lease ran out to pending.
func (s *Store) RequeueExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		SET status = ?, lease_until = NULL, attempts = attempts + 1, last_error = 'lease expired', updated_at = ?
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?`,
		string(domain.JobStatusPending), now.UnixMilli(), string(domain.JobStatusRunning), now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelGroupJobs cancels the group's pending and running jobs.
func (s *Store) CancelGroupJobs(ctx context.Context, groupID string) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, lease_until = NULL, updated_at = ?
		WHERE group_id = ? AND status IN (?, ?)`,
		string(domain.JobStatusCancelled), nowMilli(), groupID,
		string(domain.JobStatusPending), string(domain.JobStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel group jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	result := map[domain.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		result[domain.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return result, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	result := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return result, nil
}

func scanJob(row scanner) (domain.Job, error) {
	var job domain.Job
	var kind, payload, status string
	var nextAttempt, created int64
	if err := row.Scan(
		&job.ID, &kind, &job.GroupID, &job.AgentID, &payload, &job.IdempotencyKey, &status,
		&job.Attempts, &nextAttempt, &job.LastError, &created,
	); err != nil {
		return domain.Job{}, err
	}
	job.Kind = domain.JobKind(kind)
	job.Payload = []byte(payload)
	job.Status = domain.JobStatus(status)
	job.NextAttemptAt = milliToTime(nextAttempt)
	job.CreatedAt = milliToTime(created)
	return job, nil
}
