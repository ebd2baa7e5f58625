package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Store is the durable job table. All mutual exclusion between producers and
// pollers happens inside single SQL statements; nothing here does
// read-then-write against shared rows.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Kind == "" {
		return "", fmt.Errorf("kind is empty")
	}
	if req.Owner == "" {
		return "", fmt.Errorf("owner is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	priority := req.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(
  id, kind, payload, status, progress, priority, owner, scheduled_at, created_at
)
VALUES(?, ?, ?, ?, 0, ?, ?, ?, ?);
`, id, req.Kind, payload, StatusPending,
		priority, req.Owner,
		scheduledAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Claim atomically transitions up to limit due pending jobs to processing and
// returns them, highest priority first, then oldest schedule time. The
// selection and the status transition happen in one statement so two
// concurrent pollers can never claim the same job.
func (s *Store) Claim(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
WITH due AS (
  SELECT id
  FROM jobs
  WHERE status = ? AND scheduled_at <= ?
  ORDER BY priority DESC, scheduled_at ASC, rowid ASC
  LIMIT ?
)
UPDATE jobs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM due)
RETURNING
  id, kind, payload, status, progress, priority, owner,
  scheduled_at, created_at, started_at, completed_at, result, error_message;
`, StatusPending, now, limit, StatusProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	// RETURNING does not preserve the CTE ordering; re-sort before handing
	// the batch to the worker.
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].ScheduledAt.Before(jobs[k].ScheduledAt)
	})
	return jobs, nil
}

// UpdateProgress records progress for a processing job. Progress is clamped
// to never decrease and is ignored once the job left the processing state.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range [0,100]", progress)
	}

	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET progress = ?
WHERE id = ? AND status = ? AND progress <= ?;
`, progress, jobID, StatusProcessing, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete marks a job completed with its result. Calling it on an
// already-terminal job is a no-op.
func (s *Store) Complete(ctx context.Context, jobID string, result []byte) error {
	return s.finish(ctx, jobID, StatusCompleted, result, nil)
}

// Fail marks a job failed with an error message. Calling it on an
// already-terminal job is a no-op.
func (s *Store) Fail(ctx context.Context, jobID string, errorMessage string) error {
	return s.finish(ctx, jobID, StatusFailed, nil, &errorMessage)
}

func (s *Store) finish(ctx context.Context, jobID string, status Status, result []byte, errorMessage *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	var resultVal any
	if len(result) > 0 {
		resultVal = string(result)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?, result = ?, error_message = ?,
    progress = CASE WHEN ? = 'completed' THEN 100 ELSE progress END
WHERE id = ? AND status IN (?, ?);
`, status, completedAt, resultVal, errorMessage, status, jobID, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n == 0 {
		// Either the job is already terminal (idempotent no-op) or it does
		// not exist at all.
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?;`, jobID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
	}
	return nil
}

// GetJobByID returns a single job.
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
  id, kind, payload, status, progress, priority, owner,
  scheduled_at, created_at, started_at, completed_at, result, error_message
FROM jobs
WHERE id = ?;
`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Depth returns the number of pending jobs.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		payload      sql.NullString
		statusS      string
		scheduledS   string
		createdS     string
		startedS     sql.NullString
		completedS   sql.NullString
		result       sql.NullString
		errorMessage sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Kind, &payload, &statusS, &j.Progress, &j.Priority, &j.Owner,
		&scheduledS, &createdS, &startedS, &completedS, &result, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, scheduledS); err == nil {
		j.ScheduledAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		j.CreatedAt = t
	}
	if startedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	return &j, nil
}
