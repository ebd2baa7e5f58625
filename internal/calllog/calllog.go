// Package calllog records one row per dispatch attempt. Rows are append-only:
// the single update that sets status/outcome/completed_at is the only
// mutation a row ever sees.
package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusScheduled Status = "scheduled"
)

type Entry struct {
	ID            string
	FunctionName  string
	Arguments     json.RawMessage
	ExecutionMode string
	Owner         string
	Status        Status
	Result        json.RawMessage
	ErrorMessage  *string
	JobID         *string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

var ErrEntryNotFound = errors.New("call log entry not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a pending row for a dispatch attempt and returns its id.
func (s *Store) Append(ctx context.Context, functionName string, arguments json.RawMessage, mode, owner string) (string, error) {
	if functionName == "" {
		return "", fmt.Errorf("function name is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var args any
	if len(arguments) > 0 {
		args = string(arguments)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO function_call_log(
  id, function_name, arguments, execution_mode, owner, status, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, functionName, args, mode, owner, StatusPending, now)
	if err != nil {
		return "", fmt.Errorf("append call log: %w", err)
	}
	return id, nil
}

// Finish records the outcome of a dispatch attempt. It refuses to touch a row
// whose completed_at is already set.
func (s *Store) Finish(ctx context.Context, id string, status Status, result json.RawMessage, errorMessage *string, jobID *string) error {
	if id == "" {
		return fmt.Errorf("entry id is empty")
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	var resultVal any
	if len(result) > 0 {
		resultVal = string(result)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE function_call_log
SET status = ?, result = ?, error_message = ?, job_id = ?, completed_at = ?
WHERE id = ? AND completed_at IS NULL;
`, status, resultVal, errorMessage, jobID, completedAt, id)
	if err != nil {
		return fmt.Errorf("finish call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish call log: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call log entry %s is already finished or missing", id)
	}
	return nil
}

// Get returns a single entry.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, function_name, arguments, execution_mode, owner, status,
       result, error_message, job_id, created_at, completed_at
FROM function_call_log
WHERE id = ?;
`, id)

	var (
		e          Entry
		args       sql.NullString
		statusS    string
		result     sql.NullString
		errMsg     sql.NullString
		jobID      sql.NullString
		createdS   string
		completedS sql.NullString
	)
	err := row.Scan(&e.ID, &e.FunctionName, &args, &e.ExecutionMode, &e.Owner, &statusS,
		&result, &errMsg, &jobID, &createdS, &completedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call log entry: %w", err)
	}

	e.Status = Status(statusS)
	if args.Valid {
		e.Arguments = []byte(args.String)
	}
	if result.Valid {
		e.Result = []byte(result.String)
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	if jobID.Valid {
		e.JobID = &jobID.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		e.CreatedAt = t
	}
	if completedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}

// CountByFunction returns how many attempts were logged for a function name.
func (s *Store) CountByFunction(ctx context.Context, functionName string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM function_call_log WHERE function_name = ?;
`, functionName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count call log: %w", err)
	}
	return n, nil
}

// ListByFunction returns attempts for a function name, newest first.
func (s *Store) ListByFunction(ctx context.Context, functionName string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM function_call_log
WHERE function_name = ?
ORDER BY created_at DESC
LIMIT ?;
`, functionName, limit)
	if err != nil {
		return nil, fmt.Errorf("list call log: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list call log: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list call log: %w", err)
	}

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
