// Package worker runs the polling loop that drains the job queue. Each tick
// claims a batch of due jobs and executes their handlers; a bad job reaches a
// terminal state without ever taking the loop down with it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/akatsuki-hq/dispatch/internal/dispatch"
	"github.com/akatsuki-hq/dispatch/internal/events"
	"github.com/akatsuki-hq/dispatch/internal/log"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/registry"
)

// QueueService is the queue surface the worker needs.
type QueueService interface {
	Claim(ctx context.Context, limit int) ([]*queue.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID string, errorMessage string) error
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

type Worker struct {
	cfg      Config
	queue    QueueService
	registry *registry.Registry
	events   *events.Hub
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, q QueueService, reg *registry.Registry, hub *events.Hub) *Worker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Worker{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		events:   hub,
		logger:   log.WithComponent("worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop. Non-blocking; use Stop for shutdown.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker starting", "tick_interval", w.cfg.TickInterval, "batch_size", w.cfg.BatchSize)
	w.wg.Add(1)
	go w.tickLoop(ctx)
}

// Stop gracefully stops the worker after the current tick.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) tickLoop(ctx context.Context) {
	defer w.wg.Done()

	// Initial tick immediately.
	w.Tick(ctx)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Tick(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			w.logger.Warn("worker context cancelled, stopping tick loop")
			return
		}
	}
}

// Tick claims one batch of due jobs and executes them in claim order. A claim
// failure means nothing is claimable this tick; the next tick retries.
func (w *Worker) Tick(ctx context.Context) {
	jobs, err := w.queue.Claim(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("claim failed, retrying next tick", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	w.logger.Debug("claimed batch", "count", len(jobs))

	for _, job := range jobs {
		w.executeJob(ctx, job)
	}
}

func (w *Worker) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("kind", job.Kind)
	jobLogger.Info("executing job")
	w.events.Publish("job.claimed", map[string]any{
		"job_id": job.ID,
		"kind":   job.Kind,
		"owner":  job.Owner,
	})

	name, ok := strings.CutPrefix(job.Kind, dispatch.JobKindPrefix)
	if !ok {
		w.failJob(ctx, job.ID, jobLogger, fmt.Sprintf("unrecognized job kind %q", job.Kind))
		return
	}

	def, err := w.registry.Resolve(name, job.Owner)
	if err != nil {
		w.failJob(ctx, job.ID, jobLogger, fmt.Sprintf("no handler registered for %q", name))
		return
	}

	args := map[string]any{}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &args); err != nil {
			w.failJob(ctx, job.ID, jobLogger, fmt.Sprintf("invalid job payload: %v", err))
			return
		}
	}

	hctx := WithProgress(ctx, func(progress int) {
		if err := w.queue.UpdateProgress(ctx, job.ID, progress); err != nil {
			jobLogger.Warn("failed to update progress", "error", err)
		}
	})

	out, err := runHandler(hctx, def.Handler, args)
	if err != nil {
		w.failJob(ctx, job.ID, jobLogger, err.Error())
		return
	}

	resultJSON, err := json.Marshal(out)
	if err != nil {
		w.failJob(ctx, job.ID, jobLogger, fmt.Sprintf("unserializable handler result: %v", err))
		return
	}

	if err := w.queue.Complete(ctx, job.ID, resultJSON); err != nil {
		jobLogger.Error("failed to complete job", "error", err)
		return
	}
	jobLogger.Info("job completed")
	w.events.Publish("job.completed", map[string]any{
		"job_id": job.ID,
		"kind":   job.Kind,
	})
}

func (w *Worker) failJob(ctx context.Context, jobID string, jobLogger *slog.Logger, msg string) {
	jobLogger.Warn("job failed", "error", msg)
	if err := w.queue.Fail(ctx, jobID, msg); err != nil {
		jobLogger.Error("failed to mark job failed", "error", err)
		return
	}
	w.events.Publish("job.failed", map[string]any{
		"job_id": jobID,
		"error":  msg,
	})
}

// runHandler fences handler panics so one bad job cannot crash the tick.
func runHandler(ctx context.Context, h registry.Handler, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, args)
}
