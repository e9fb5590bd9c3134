package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/metrics"
	"github.com/rendis/maestro/pkg/schema"
)

const reasonNoCompensation = "no compensating action declared"

// noOwner marks compensation queued by a stopping workflow rather than by
// an irrecoverable task.
const noOwner = -1

// compJob is one queued compensating action. The workflow runs at most one
// at a time, in queue order, so reverse topological order holds across
// the whole run.
type compJob struct {
	task    int
	owner   int // irrecoverable task waiting on this job, or noOwner
	cause   *schema.MaestroError
	cand    Candidate
	req     *TaskRequest
	attempt int
	retryAt time.Time
	seq     int // matches completion.dispatch for the in-flight try
}

// irrecoverable runs the failure path for t: t moves to Compensating, the
// completed predecessors that only fed t's subgraph are queued for
// compensation and every dependent that never ran is aborted. t itself is
// aborted once its queued compensations settle. Independent branches keep
// running throughout.
func (e *engineImpl) irrecoverable(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, cause *schema.MaestroError) error {
	t.Irrecoverable = true
	t.Err = cause
	wc.failed = true
	if wc.Cause == nil {
		wc.Cause = schema.NewErrorf(schema.ErrCodeRetryExhausted, "task %s is irrecoverable", t.Def.ID).
			WithTask(t.Def.ID).WithCause(cause)
	}

	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker)
	wc.Logger.ErrorContext(lctx, "task irrecoverable",
		slog.Int("attempts", t.Attempts),
		slog.Bool("used_fallback", t.UsedFallback),
		slog.String("error", cause.Error()))

	err := e.transitionTask(ctx, wc, t, schema.TaskStatusCompensating, "", schema.TaskPayload{
		Attempt: t.Attempts,
		Reason:  "recovery exhausted",
		Error:   cause,
	})
	if err != nil {
		return err
	}

	desc := wc.Graph.Descendants(t.Index)
	for _, i := range wc.Graph.Topo {
		d := wc.Tasks[i]
		if !desc[i] || d.Status != schema.TaskStatusPending {
			continue
		}
		if err := e.abortTask(ctx, wc, d, fmt.Sprintf("dependency %s is irrecoverable", t.Def.ID)); err != nil {
			return err
		}
	}

	e.enqueueCompensation(wc, compensationScope(wc, t), t.Index, cause)
	if t.pendingComp == 0 {
		return e.abortTask(ctx, wc, t, "irrecoverable")
	}
	return e.pumpCompensation(ctx, wc)
}

// compensationScope returns the completed ancestors of t whose every
// descendant lies in t's own lineage. Ancestors that also feed an
// independent branch are left alone.
func compensationScope(wc *WorkflowContext, t *TaskRuntime) map[int]bool {
	g := wc.Graph
	anc := g.Ancestors(t.Index)
	desc := g.Descendants(t.Index)

	scope := make(map[int]bool)
	for a := range anc {
		if wc.Tasks[a].Status != schema.TaskStatusCompleted {
			continue
		}
		contained := true
		for d := range g.Descendants(a) {
			if d != t.Index && !anc[d] && !desc[d] {
				contained = false
				break
			}
		}
		if contained {
			scope[a] = true
		}
	}
	return scope
}

// compensateCompleted queues every completed task for compensation once
// a stopped workflow has no handles left.
func (e *engineImpl) compensateCompleted(ctx context.Context, wc *WorkflowContext) error {
	wc.stopCompensation = true
	completed := make(map[int]bool)
	for _, t := range wc.Tasks {
		if t.Status == schema.TaskStatusCompleted {
			completed[t.Index] = true
		}
	}
	e.enqueueCompensation(wc, completed, noOwner, wc.abortCause)
	return e.pumpCompensation(ctx, wc)
}

// enqueueCompensation appends the completed tasks in set, latest first.
// Each task is compensated at most once per workflow.
func (e *engineImpl) enqueueCompensation(wc *WorkflowContext, set map[int]bool, owner int, cause *schema.MaestroError) {
	for _, i := range wc.Graph.ReverseTopo(set) {
		t := wc.Tasks[i]
		if t.Status != schema.TaskStatusCompleted || t.Compensated {
			continue
		}
		t.Compensated = true
		wc.compQueue = append(wc.compQueue, &compJob{task: i, owner: owner, cause: cause})
		if owner != noOwner {
			wc.Tasks[owner].pendingComp++
		}
	}
}

// pumpCompensation starts the head of the queue when nothing is in flight.
// Jobs that need no worker settle immediately and the walk moves on.
func (e *engineImpl) pumpCompensation(ctx context.Context, wc *WorkflowContext) error {
	for wc.compActive == nil && len(wc.compQueue) > 0 {
		job := wc.compQueue[0]
		wc.compQueue = wc.compQueue[1:]
		t := wc.Tasks[job.task]

		if t.Def.Compensation == nil {
			if err := e.compensationSkipped(ctx, wc, t); err != nil {
				return err
			}
			if err := e.finishCompensation(ctx, wc, job); err != nil {
				return err
			}
			continue
		}

		if err := e.prepareCompensation(ctx, wc, job); err != nil {
			if err := e.compensationFailed(ctx, wc, t, err); err != nil {
				return err
			}
			if err := e.finishCompensation(ctx, wc, job); err != nil {
				return err
			}
			continue
		}

		wc.compActive = job
		if err := e.startCompensation(ctx, wc, job); err != nil {
			return err
		}
	}
	return nil
}

// prepareCompensation resolves the worker and request for job.
func (e *engineImpl) prepareCompensation(ctx context.Context, wc *WorkflowContext, job *compJob) error {
	t := wc.Tasks[job.task]
	spec := t.Def.Compensation
	capability := t.Def.Capability
	job.cand = Candidate{WorkerID: t.Worker}

	if spec.Capability != nil {
		capability = *spec.Capability
		cands, err := e.selector.Select(ctx, SelectionRequest{
			WorkflowID: wc.ID,
			TaskID:     t.Def.ID,
			Capability: capability,
			Purpose:    PurposeCompensation,
			Input:      spec.Input,
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeCompensation,
				"select compensation worker: %s", err.Error()).WithTask(t.Def.ID).WithCause(err)
		}
		picked, ok := pickCompensator(cands, t.Worker)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeCompensation,
				"no worker for compensation capability %q", capability.Name).WithTask(t.Def.ID)
		}
		job.cand = picked
	}

	job.req = &TaskRequest{
		WorkflowID:   wc.ID,
		TaskID:       t.Def.ID,
		Description:  "compensate " + t.Def.ID,
		Capability:   capability,
		Input:        spec.Input,
		Compensation: true,
		Upstream:     map[string]json.RawMessage{t.Def.ID: t.Output},
	}
	return nil
}

// startCompensation runs one try of the active job. The try is bounded by
// the compensation timeout and settles through the completion channel.
func (e *engineImpl) startCompensation(ctx context.Context, wc *WorkflowContext, job *compJob) error {
	t := wc.Tasks[job.task]
	job.attempt++
	job.req.Attempt = job.attempt
	job.retryAt = time.Time{}

	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, job.cand.WorkerID)
	spanCtx, span := metrics.StartSpan(lctx, "maestro.task.compensate",
		attribute.String("workflow_id", wc.ID),
		attribute.String("task_id", t.Def.ID),
		attribute.String("worker_id", job.cand.WorkerID),
		attribute.Int("attempt", job.attempt),
	)
	tryCtx, cancel := context.WithTimeout(spanCtx, e.cfg.CompensationTimeout)

	h, err := e.executor.Execute(tryCtx, job.req, job.cand)
	if err != nil {
		cancel()
		metrics.EndSpan(span, err)
		return e.compensationSettled(ctx, wc, err)
	}

	wc.compSeq++
	job.seq = wc.compSeq
	wc.compWaiting = true

	seq, completions, done := job.seq, wc.completions, wc.done
	err = e.pool.Watch(tryCtx, h, func(_ *TaskResult, err error) {
		cancel()
		if err != nil {
			_ = h.Cancel()
		}
		metrics.EndSpan(span, err)
		select {
		case completions <- completion{task: job.task, dispatch: seq, err: err, compensation: true}:
		case <-done:
		}
	})
	if err != nil {
		cancel()
		_ = h.Cancel()
		wc.compWaiting = false
		metrics.EndSpan(span, err)
		return e.compensationSettled(ctx, wc, err)
	}
	wc.Logger.DebugContext(lctx, "compensation started", slog.Int("attempt", job.attempt))
	return nil
}

// onCompensation handles the outcome of the in-flight compensation try.
func (e *engineImpl) onCompensation(ctx context.Context, wc *WorkflowContext, c completion) error {
	job := wc.compActive
	if job == nil || c.dispatch != job.seq {
		return nil
	}
	wc.compWaiting = false
	return e.compensationSettled(ctx, wc, c.err)
}

// compensationSettled records a try's outcome: success or a final failure
// finishes the job, a retryable failure schedules the next try.
func (e *engineImpl) compensationSettled(ctx context.Context, wc *WorkflowContext, err error) error {
	job := wc.compActive
	t := wc.Tasks[job.task]

	switch {
	case err == nil:
		if err := e.appendTaskEvent(ctx, wc, t, schema.EventCompensated, schema.TaskPayload{Reason: job.cause.Message}); err != nil {
			return err
		}
		wc.record(RecoveryAction{
			Kind:     RecoveryCompensate,
			TaskID:   t.Def.ID,
			WorkerID: job.cand.WorkerID,
			Reason:   job.cause.Message,
		})
		metrics.Compensations.WithLabelValues(string(CompensationDone)).Inc()
		wc.Logger.InfoContext(logging.WithIDs(ctx, wc.ID, t.Def.ID, job.cand.WorkerID), "task compensated")

	case job.attempt < t.retry.MaxAttempts && IsRetryableError(err):
		delay := ComputeBackoff(t.retry, job.attempt-1, e.cfg.Rand)
		job.retryAt = time.Now().Add(delay)
		wc.Logger.WarnContext(logging.WithIDs(ctx, wc.ID, t.Def.ID, job.cand.WorkerID), "compensation try failed",
			slog.Int("attempt", job.attempt), slog.Duration("delay", delay), slog.String("error", err.Error()))
		return nil

	default:
		mErr := schema.NewErrorf(schema.ErrCodeCompensation,
			"compensating action on worker %s: %s", job.cand.WorkerID, err.Error()).WithTask(t.Def.ID).WithCause(err)
		if err := e.compensationFailed(ctx, wc, t, mErr); err != nil {
			return err
		}
	}

	wc.compActive = nil
	if err := e.finishCompensation(ctx, wc, job); err != nil {
		return err
	}
	return e.pumpCompensation(ctx, wc)
}

// retryCompensation restarts the active job once its backoff elapsed.
func (e *engineImpl) retryCompensation(ctx context.Context, wc *WorkflowContext, now time.Time) error {
	job := wc.compActive
	if job == nil || wc.compWaiting || job.retryAt.IsZero() || now.Before(job.retryAt) {
		return nil
	}
	return e.startCompensation(ctx, wc, job)
}

// finishCompensation releases the owner of job; an irrecoverable task is
// aborted after its last compensation settles.
func (e *engineImpl) finishCompensation(ctx context.Context, wc *WorkflowContext, job *compJob) error {
	if job.owner == noOwner {
		return nil
	}
	owner := wc.Tasks[job.owner]
	owner.pendingComp--
	if owner.pendingComp > 0 || owner.Status != schema.TaskStatusCompensating {
		return nil
	}
	return e.abortTask(ctx, wc, owner, "irrecoverable")
}

func (e *engineImpl) compensationSkipped(ctx context.Context, wc *WorkflowContext, t *TaskRuntime) error {
	if err := e.appendTaskEvent(ctx, wc, t, schema.EventCompensationFailure, schema.TaskPayload{Reason: reasonNoCompensation}); err != nil {
		return err
	}
	wc.record(RecoveryAction{
		Kind:     RecoveryCompensationFailure,
		TaskID:   t.Def.ID,
		WorkerID: t.Worker,
		Reason:   reasonNoCompensation,
		Error:    schema.NewError(schema.ErrCodeCompensation, reasonNoCompensation).WithTask(t.Def.ID),
	})
	metrics.Compensations.WithLabelValues(string(CompensationSkipped)).Inc()
	wc.Logger.InfoContext(logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker), "compensation skipped",
		slog.String("reason", reasonNoCompensation))
	return nil
}

func (e *engineImpl) compensationFailed(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, cause error) error {
	mErr := schema.AsMaestroError(cause, schema.ErrCodeCompensation)
	if err := e.appendTaskEvent(ctx, wc, t, schema.EventCompensationFailure, schema.TaskPayload{
		Reason: "compensating action failed",
		Error:  mErr,
	}); err != nil {
		return err
	}
	wc.record(RecoveryAction{
		Kind:     RecoveryCompensationFailure,
		TaskID:   t.Def.ID,
		WorkerID: t.Worker,
		Reason:   "compensating action failed",
		Error:    mErr,
	})
	metrics.Compensations.WithLabelValues(string(CompensationFailed)).Inc()
	wc.Logger.ErrorContext(logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker),
		"compensation failed, external state may be inconsistent", slog.String("error", mErr.Error()))
	return nil
}

// pickCompensator prefers the worker that ran the task.
func pickCompensator(cands []Candidate, original string) (Candidate, bool) {
	for _, c := range cands {
		if c.WorkerID == original && original != "" {
			return c, true
		}
	}
	for _, c := range cands {
		if c.WorkerID != "" {
			return c, true
		}
	}
	return Candidate{}, false
}
