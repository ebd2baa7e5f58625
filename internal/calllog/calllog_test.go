package calllog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/akatsuki-hq/dispatch/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestAppendAndFinish(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	args := json.RawMessage(`{"to":"a@b.c"}`)
	id, err := s.Append(ctx, "send_notification", args, "async", "acme")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusPending {
		t.Fatalf("status = %s, want pending", e.Status)
	}
	if e.CompletedAt != nil {
		t.Fatal("completed_at set on fresh entry")
	}
	if string(e.Arguments) != string(args) {
		t.Fatalf("arguments = %s", e.Arguments)
	}
	if e.Owner != "acme" || e.ExecutionMode != "async" {
		t.Fatalf("owner/mode = %s/%s", e.Owner, e.ExecutionMode)
	}

	jobID := "job-123"
	if err := s.Finish(ctx, id, StatusScheduled, nil, nil, &jobID); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	e, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusScheduled {
		t.Fatalf("status = %s, want scheduled", e.Status)
	}
	if e.JobID == nil || *e.JobID != jobID {
		t.Fatalf("job_id = %v, want %s", e.JobID, jobID)
	}
	if e.CompletedAt == nil {
		t.Fatal("completed_at not set after Finish")
	}
}

func TestFinishIsSingleShot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, "current_time", nil, "sync", "acme")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	result := json.RawMessage(`{"time":"2026-08-25T00:00:00Z"}`)
	if err := s.Finish(ctx, id, StatusCompleted, result, nil, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// The row is append-only after its one outcome update.
	msg := "late failure"
	if err := s.Finish(ctx, id, StatusFailed, nil, &msg, nil); err == nil {
		t.Fatal("second Finish succeeded, want error")
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", e.Status)
	}
	if string(e.Result) != string(result) {
		t.Fatalf("result = %s", e.Result)
	}
	if e.ErrorMessage != nil {
		t.Fatalf("error_message = %q", *e.ErrorMessage)
	}
}

func TestFinishMissingEntry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Finish(context.Background(), "nope", StatusCompleted, nil, nil, nil); err == nil {
		t.Fatal("Finish on missing entry succeeded")
	}
}

func TestCountAndListByFunction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "text_to_image", json.RawMessage(`{"prompt":"cat"}`), "async", "acme"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Append(ctx, "current_time", nil, "sync", "acme"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, err := s.CountByFunction(ctx, "text_to_image")
	if err != nil {
		t.Fatalf("CountByFunction: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	entries, err := s.ListByFunction(ctx, "text_to_image", 2)
	if err != nil {
		t.Fatalf("ListByFunction: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("listed %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.FunctionName != "text_to_image" {
			t.Fatalf("listed wrong function: %s", e.FunctionName)
		}
	}
}

func TestGetMissingEntry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.Get(context.Background(), "nope"); err != ErrEntryNotFound {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
}
