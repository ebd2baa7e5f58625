// Package dispatch resolves named function calls, validates their arguments
// and either executes them in-process or defers them to the job queue. Every
// attempt, including rejected ones, leaves exactly one call log row.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/akatsuki-hq/dispatch/internal/calllog"
	"github.com/akatsuki-hq/dispatch/internal/log"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/registry"
	"github.com/akatsuki-hq/dispatch/internal/schema"
)

// JobKindPrefix distinguishes queued function work from other job kinds.
const JobKindPrefix = "job:"

// Call is one function-call request.
type Call struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Owner     string          `json:"-"`
	// Priority overrides the queue default for async calls when > 0.
	Priority int `json:"priority,omitempty"`
}

// Result is what the caller gets back. For async calls JobID is set and the
// caller must not wait for the job to finish.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	JobID   string          `json:"jobId,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Enqueuer is the queue surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

type Dispatcher struct {
	registry *registry.Registry
	queue    Enqueuer
	calls    *calllog.Store
	logger   *slog.Logger
}

func New(reg *registry.Registry, q Enqueuer, calls *calllog.Store) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		queue:    q,
		calls:    calls,
		logger:   log.WithComponent("dispatch"),
	}
}

// Dispatch runs one function call end to end: resolve, validate, execute or
// enqueue, log. Terminal rejections (unknown function, bad arguments) come
// back as a failed Result, never as an error; the error return is reserved
// for infrastructure faults that prevented the call from being recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*Result, error) {
	def, resolveErr := d.registry.Resolve(call.Name, call.Owner)

	mode := "unknown"
	if def != nil {
		mode = string(def.Mode)
	}
	logID, err := d.calls.Append(ctx, call.Name, call.Arguments, mode, call.Owner)
	if err != nil {
		return nil, fmt.Errorf("record function call: %w", err)
	}

	if resolveErr != nil {
		if errors.Is(resolveErr, registry.ErrFunctionNotFound) {
			return d.reject(ctx, logID, fmt.Sprintf("unknown function %q", call.Name)), nil
		}
		return nil, fmt.Errorf("resolve function: %w", resolveErr)
	}

	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return d.reject(ctx, logID, err.Error()), nil
	}
	if err := schema.Validate(def.Parameters, args); err != nil {
		return d.reject(ctx, logID, err.Error()), nil
	}

	if def.Mode == registry.ModeSync {
		return d.runSync(ctx, logID, def, args), nil
	}
	return d.enqueueAsync(ctx, logID, def, call)
}

func (d *Dispatcher) runSync(ctx context.Context, logID string, def *registry.Definition, args map[string]any) *Result {
	out, err := invoke(ctx, def.Handler, args)
	if err != nil {
		msg := fmt.Sprintf("function %q failed: %v", def.Name, err)
		d.logger.Warn("sync handler failed", "function", def.Name, "error", err)
		d.finishLog(ctx, logID, calllog.StatusFailed, nil, &msg, nil)
		return &Result{Success: false, Error: msg}
	}

	resultJSON, err := json.Marshal(out)
	if err != nil {
		msg := fmt.Sprintf("function %q returned an unserializable result: %v", def.Name, err)
		d.finishLog(ctx, logID, calllog.StatusFailed, nil, &msg, nil)
		return &Result{Success: false, Error: msg}
	}

	d.finishLog(ctx, logID, calllog.StatusCompleted, resultJSON, nil, nil)
	return &Result{Success: true, Result: resultJSON}
}

func (d *Dispatcher) enqueueAsync(ctx context.Context, logID string, def *registry.Definition, call Call) (*Result, error) {
	jobID, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        JobKindPrefix + def.Name,
		Payload:     call.Arguments,
		Priority:    call.Priority,
		ScheduledAt: time.Now().UTC(),
		Owner:       call.Owner,
	})
	if err != nil {
		// The caller must know the job was not accepted.
		msg := fmt.Sprintf("failed to schedule %q: %v", def.Name, err)
		d.logger.Error("enqueue failed", "function", def.Name, "error", err)
		d.finishLog(ctx, logID, calllog.StatusFailed, nil, &msg, nil)
		return &Result{Success: false, Error: msg}, nil
	}

	d.finishLog(ctx, logID, calllog.StatusScheduled, nil, nil, &jobID)
	d.logger.Info("function call scheduled", "function", def.Name, "job_id", jobID)
	return &Result{
		Success: true,
		JobID:   jobID,
		Message: fmt.Sprintf("%s scheduled as job %s", def.Name, jobID),
	}, nil
}

func (d *Dispatcher) reject(ctx context.Context, logID, msg string) *Result {
	d.finishLog(ctx, logID, calllog.StatusFailed, nil, &msg, nil)
	return &Result{Success: false, Error: msg}
}

func (d *Dispatcher) finishLog(ctx context.Context, logID string, status calllog.Status, result json.RawMessage, errMsg *string, jobID *string) {
	if err := d.calls.Finish(ctx, logID, status, result, errMsg, jobID); err != nil {
		d.logger.Error("failed to finish call log entry", "log_id", logID, "error", err)
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// invoke runs a handler with a panic fence so a misbehaving function cannot
// escape the dispatch boundary.
func invoke(ctx context.Context, h registry.Handler, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, args)
}
