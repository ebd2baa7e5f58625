package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akatsuki-hq/dispatch/internal/dispatch"
	"github.com/akatsuki-hq/dispatch/internal/events"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/registry"
	"github.com/akatsuki-hq/dispatch/internal/schema"
	"github.com/akatsuki-hq/dispatch/internal/storage"
	"github.com/akatsuki-hq/dispatch/internal/worker"
	"github.com/akatsuki-hq/dispatch/internal/worker/mocks"
)

type fixture struct {
	queue    *queue.Store
	registry *registry.Registry
	hub      *events.Hub
	worker   *worker.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	reg := registry.New()
	hub := events.NewHub(64)
	w := worker.New(worker.Config{TickInterval: time.Hour, BatchSize: 10}, q, reg, hub)
	return &fixture{queue: q, registry: reg, hub: hub, worker: w}
}

func register(t *testing.T, f *fixture, name string, handler registry.Handler) {
	t.Helper()
	require.NoError(t, f.registry.Register(&registry.Definition{
		Name:       name,
		Mode:       registry.ModeAsync,
		Parameters: schema.Object(name+" arguments", nil),
		Handler:    handler,
	}))
}

func eventTypes(evs []events.Event) []string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestTickExecutesClaimedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "greet", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"greeting": fmt.Sprintf("hello %v", args["name"])}, nil
	})

	id, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:    dispatch.JobKindPrefix + "greet",
		Payload: json.RawMessage(`{"name":"ada"}`),
		Owner:   "acme",
	})
	require.NoError(t, err)

	f.worker.Tick(ctx)

	job, err := f.queue.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, string(job.Result))
	assert.Equal(t, 100, job.Progress)

	assert.Equal(t, []string{"job.claimed", "job.completed"}, eventTypes(f.hub.SnapshotSince(0)))
}

func TestTickReportsHandlerProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var observed []int
	register(t, f, "slow", func(hctx context.Context, _ map[string]any) (any, error) {
		worker.ReportProgress(hctx, 30)
		worker.ReportProgress(hctx, 70)
		// Snapshot mid-flight progress before completion overwrites it.
		job, err := f.queue.GetJobByID(ctx, mustOnlyJobID(ctx, f))
		if err == nil {
			observed = append(observed, job.Progress)
		}
		return "done", nil
	})

	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:  dispatch.JobKindPrefix + "slow",
		Owner: "acme",
	})
	require.NoError(t, err)

	f.worker.Tick(ctx)
	require.Len(t, observed, 1)
	assert.Equal(t, 70, observed[0])
}

func mustOnlyJobID(ctx context.Context, f *fixture) string {
	jobs := f.hub.SnapshotSince(0)
	for _, ev := range jobs {
		if ev.Type == "job.claimed" {
			var data struct {
				JobID string `json:"job_id"`
			}
			if json.Unmarshal(ev.Data, &data) == nil {
				return data.JobID
			}
		}
	}
	return ""
}

func TestTickFailsJobOnHandlerError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "flaky", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("downstream timeout")
	})

	id, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:  dispatch.JobKindPrefix + "flaky",
		Owner: "acme",
	})
	require.NoError(t, err)

	f.worker.Tick(ctx)

	job, err := f.queue.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "downstream timeout")
	assert.Nil(t, job.Result)

	// Failed is terminal: a later tick must not pick the job up again.
	f.worker.Tick(ctx)
	job, err = f.queue.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)

	assert.Equal(t, []string{"job.claimed", "job.failed"}, eventTypes(f.hub.SnapshotSince(0)))
}

func TestTickContainsHandlerPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	register(t, f, "volatile", func(_ context.Context, _ map[string]any) (any, error) {
		panic("nil map write")
	})
	register(t, f, "steady", func(_ context.Context, _ map[string]any) (any, error) {
		return "ok", nil
	})

	// Higher priority so the panicking job runs first in the batch.
	bad, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind: dispatch.JobKindPrefix + "volatile", Owner: "acme", Priority: 9,
	})
	require.NoError(t, err)
	good, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind: dispatch.JobKindPrefix + "steady", Owner: "acme", Priority: 1,
	})
	require.NoError(t, err)

	f.worker.Tick(ctx)

	job, err := f.queue.GetJobByID(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "handler panicked")

	// The panic must not take the rest of the batch with it.
	job, err = f.queue.GetJobByID(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
}

func TestTickFailsUnroutableJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	noPrefix, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Kind: "cron:sweep", Owner: "acme"})
	require.NoError(t, err)
	noHandler, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind: dispatch.JobKindPrefix + "retired", Owner: "acme",
	})
	require.NoError(t, err)

	f.worker.Tick(ctx)

	job, err := f.queue.GetJobByID(ctx, noPrefix)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "unrecognized job kind")

	job, err = f.queue.GetJobByID(ctx, noHandler)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "no handler registered")
}

func TestTickTreatsClaimFailureAsEmpty(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	q := mocks.NewMockQueueService(ctrl)
	q.EXPECT().Claim(gomock.Any(), 10).Return(nil, fmt.Errorf("database is locked"))

	w := worker.New(worker.Config{TickInterval: time.Hour, BatchSize: 10}, q, registry.New(), events.NewHub(8))
	// No Complete/Fail expectations: a claim failure must execute nothing.
	w.Tick(context.Background())
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	q := mocks.NewMockQueueService(ctrl)
	// The initial tick fires on Start; later ticks are an hour away.
	q.EXPECT().Claim(gomock.Any(), 10).Return(nil, nil).MinTimes(1)

	w := worker.New(worker.Config{TickInterval: time.Hour, BatchSize: 10}, q, registry.New(), events.NewHub(8))
	w.Start(context.Background())
	w.Stop()
}
