package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akatsuki-hq/dispatch/internal/calllog"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/registry"
	"github.com/akatsuki-hq/dispatch/internal/schema"
	"github.com/akatsuki-hq/dispatch/internal/storage"
)

type fixture struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	queue      *queue.Store
	calls      *calllog.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New()
	q := queue.New(db)
	calls := calllog.New(db)
	return &fixture{
		dispatcher: New(reg, q, calls),
		registry:   reg,
		queue:      q,
		calls:      calls,
	}
}

func echoDef(mode registry.ExecutionMode) *registry.Definition {
	return &registry.Definition{
		Name:        "echo",
		Description: "echoes its input",
		Mode:        mode,
		Parameters: schema.Object("echo arguments", map[string]*schema.Node{
			"text": schema.String("text to echo"),
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echoed": args["text"]}, nil
		},
	}
}

func (f *fixture) lastEntry(t *testing.T, functionName string) *calllog.Entry {
	t.Helper()
	entries, err := f.calls.ListByFunction(context.Background(), functionName, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestDispatchSyncExecutesInline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(echoDef(registry.ModeSync)))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello"}`),
		Owner:     "acme",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"echoed":"hello"}`, string(res.Result))
	assert.Empty(t, res.JobID)

	// Sync dispatch never touches the queue.
	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)

	e := f.lastEntry(t, "echo")
	assert.Equal(t, calllog.StatusCompleted, e.Status)
	assert.Equal(t, "sync", e.ExecutionMode)
	assert.JSONEq(t, `{"echoed":"hello"}`, string(e.Result))
	assert.Nil(t, e.JobID)
}

func TestDispatchAsyncEnqueuesExactlyOneJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(echoDef(registry.ModeAsync)))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello"}`),
		Owner:     "acme",
		Priority:  8,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Result)
	require.NotEmpty(t, res.JobID)
	assert.Contains(t, res.Message, res.JobID)

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	job, err := f.queue.GetJobByID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobKindPrefix+"echo", job.Kind)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 8, job.Priority)
	assert.Equal(t, "acme", job.Owner)
	assert.JSONEq(t, `{"text":"hello"}`, string(job.Payload))

	e := f.lastEntry(t, "echo")
	assert.Equal(t, calllog.StatusScheduled, e.Status)
	require.NotNil(t, e.JobID)
	assert.Equal(t, res.JobID, *e.JobID)
}

func TestDispatchUnknownFunction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.dispatcher.Dispatch(context.Background(), Call{
		Name:  "nonexistent",
		Owner: "acme",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `unknown function "nonexistent"`)

	// The rejected attempt still leaves a log row.
	e := f.lastEntry(t, "nonexistent")
	assert.Equal(t, calllog.StatusFailed, e.Status)
	assert.Equal(t, "unknown", e.ExecutionMode)
}

func TestDispatchValidationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(echoDef(registry.ModeAsync)))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":42}`),
		Owner:     "acme",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "$.text: expected string")
	assert.Empty(t, res.JobID)

	// Rejected calls never reach the queue.
	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)

	e := f.lastEntry(t, "echo")
	assert.Equal(t, calllog.StatusFailed, e.Status)
	assert.Nil(t, e.JobID)
}

func TestDispatchMalformedArguments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(echoDef(registry.ModeSync)))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`["not","an","object"]`),
		Owner:     "acme",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "arguments must be a JSON object")
}

func TestDispatchSyncHandlerError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&registry.Definition{
		Name:       "broken",
		Mode:       registry.ModeSync,
		Parameters: schema.Object("broken arguments", nil),
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, fmt.Errorf("upstream unavailable")
		},
	}))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{Name: "broken", Owner: "acme"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "upstream unavailable")

	e := f.lastEntry(t, "broken")
	assert.Equal(t, calllog.StatusFailed, e.Status)
}

func TestDispatchSyncHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&registry.Definition{
		Name:       "volatile",
		Mode:       registry.ModeSync,
		Parameters: schema.Object("volatile arguments", nil),
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			panic("boom")
		},
	}))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{Name: "volatile", Owner: "acme"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "handler panicked: boom")

	e := f.lastEntry(t, "volatile")
	assert.Equal(t, calllog.StatusFailed, e.Status)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, queue.EnqueueRequest) (string, error) {
	return "", fmt.Errorf("disk full")
}

func TestDispatchAsyncEnqueueFailureSurfaces(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register(echoDef(registry.ModeAsync)))

	d := New(f.registry, failingEnqueuer{}, f.calls)
	res, err := d.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello"}`),
		Owner:     "acme",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	assert.Empty(t, res.JobID)

	e := f.lastEntry(t, "echo")
	assert.Equal(t, calllog.StatusFailed, e.Status)
}

func TestDispatchOwnerScopedResolution(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	global := echoDef(registry.ModeSync)
	require.NoError(t, f.registry.Register(global))

	scoped := echoDef(registry.ModeSync)
	scoped.Owner = "acme"
	scoped.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{"scoped": true}, nil
	}
	require.NoError(t, f.registry.Register(scoped))

	res, err := f.dispatcher.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
		Owner:     "acme",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"scoped":true}`, string(res.Result))

	res, err = f.dispatcher.Dispatch(context.Background(), Call{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
		Owner:     "globex",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(res.Result))
}
