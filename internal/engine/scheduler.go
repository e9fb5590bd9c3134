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
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// completion is what a waiter goroutine hands back to the loop.
type completion struct {
	task         int
	dispatch     int
	result       *TaskResult
	err          error
	compensation bool
}

// loop is the single owner of wc. Every state change, reservation and
// event append for the workflow happens on this goroutine; waiters only
// send completions.
func (e *engineImpl) loop(ctx context.Context, wc *WorkflowContext) error {
	// Appends must succeed even while the caller's context is being torn
	// down, otherwise a cancelled Run could not record its own abort.
	persist := context.WithoutCancel(ctx)
	runDone := ctx.Done()
	cancelCh := wc.cancelCh

	if err := e.startWorkflow(persist, wc); err != nil {
		return err
	}

	for {
		if err := e.tick(persist, wc); err != nil {
			return err
		}
		wc.publish()
		if wc.allTerminal() && wc.waiters() == 0 {
			if wc.abortCause != nil && !wc.stopCompensation {
				if err := e.compensateCompleted(persist, wc); err != nil {
					return err
				}
			}
			if wc.compensationIdle() {
				break
			}
		}

		timer := time.NewTimer(e.nextWake(wc))
		select {
		case c := <-wc.completions:
			timer.Stop()
			handle := e.onCompletion
			if c.compensation {
				handle = e.onCompensation
			}
			if err := handle(persist, wc, c); err != nil {
				return err
			}
		case <-cancelCh:
			timer.Stop()
			cancelCh = nil
			cause := schema.NewErrorf(schema.ErrCodeCancelled, "workflow cancelled: %s", wc.cancelReason())
			if err := e.beginStop(persist, wc, cause, RecoveryCancel); err != nil {
				return err
			}
		case <-runDone:
			timer.Stop()
			runDone = nil
			cause := schema.NewErrorf(schema.ErrCodeCancelled, "run context done: %s", ctx.Err()).WithCause(ctx.Err())
			if err := e.beginStop(persist, wc, cause, RecoveryCancel); err != nil {
				return err
			}
		case <-timer.C:
		}
	}

	return e.finish(persist, wc)
}

func (e *engineImpl) startWorkflow(ctx context.Context, wc *WorkflowContext) error {
	err := e.wfFSM.Transition(ctx, WorkflowTransition{
		WorkflowID: wc.ID,
		From:       wc.Status,
		To:         schema.WorkflowStatusRunning,
		Payload: schema.WorkflowPayload{
			Budget: wc.Ledger.Snapshot().Budget,
			Tasks:  len(wc.Tasks),
		},
	})
	if err != nil {
		return err
	}
	wc.Status = schema.WorkflowStatusRunning
	wc.StartedAt = time.Now().UTC()

	status := wc.Status
	if err := e.store.UpdateWorkflow(ctx, wc.ID, store.WorkflowUpdate{Status: &status, StartedAt: &wc.StartedAt}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update workflow status: %s", err.Error()).WithCause(err)
	}
	wc.Logger.InfoContext(ctx, "workflow started",
		slog.Int("tasks", len(wc.Tasks)), slog.Int("concurrency", wc.Concurrency))
	return nil
}

// nextWake returns how long the loop may sleep before the next tick.
func (e *engineImpl) nextWake(wc *WorkflowContext) time.Duration {
	wake := e.cfg.TickInterval
	now := time.Now()
	for _, t := range wc.Tasks {
		if t.Status != schema.TaskStatusRetrying || t.waiting {
			continue
		}
		if d := t.retryAt.Sub(now); d > 0 && d < wake {
			wake = d
		}
	}
	if job := wc.compActive; job != nil && !wc.compWaiting && !job.retryAt.IsZero() {
		if d := job.retryAt.Sub(now); d < wake {
			wake = max(d, 0)
		}
	}
	return wake
}

// tick promotes tasks whose predecessors completed, watches heartbeats and
// dispatches ready work.
func (e *engineImpl) tick(ctx context.Context, wc *WorkflowContext) error {
	if wc.admitting() {
		for _, t := range wc.Tasks {
			if t.Status != schema.TaskStatusPending || !e.predecessorsDone(wc, t) {
				continue
			}
			if err := e.transitionTask(ctx, wc, t, schema.TaskStatusReady, "", schema.TaskPayload{}); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	if err := e.checkHeartbeats(ctx, wc, now); err != nil {
		return err
	}
	if err := e.retryCompensation(ctx, wc, now); err != nil {
		return err
	}

	if wc.admitting() {
		if err := e.dispatchReady(ctx, wc); err != nil {
			return err
		}
		return e.checkStarvation(ctx, wc)
	}
	return nil
}

func (e *engineImpl) predecessorsDone(wc *WorkflowContext, t *TaskRuntime) bool {
	for _, p := range wc.Graph.Preds[t.Index] {
		if wc.Tasks[p].Status != schema.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// dispatchReady walks tasks in insertion order so the lower index wins
// when slots are scarce.
func (e *engineImpl) dispatchReady(ctx context.Context, wc *WorkflowContext) error {
	now := time.Now()
	for _, t := range wc.Tasks {
		if !wc.admitting() {
			return nil
		}
		if wc.Concurrency > 0 && wc.inFlight() >= wc.Concurrency {
			return nil
		}
		due := t.Status == schema.TaskStatusReady ||
			(t.Status == schema.TaskStatusRetrying && !t.waiting && !now.Before(t.retryAt))
		if !due {
			continue
		}
		if e.limiter != nil && !e.limiter.Allow() {
			return nil
		}
		if err := e.dispatch(ctx, wc, t); err != nil {
			return err
		}
	}
	return nil
}

// dispatch reserves budget for t if it holds none, picks a worker and
// starts the attempt.
func (e *engineImpl) dispatch(ctx context.Context, wc *WorkflowContext, t *TaskRuntime) error {
	if !wc.Ledger.Holds(t.Def.ID) {
		ok, err := e.reserve(ctx, wc, t)
		if err != nil || !ok {
			return err
		}
	}

	cand, err := e.pickCandidate(ctx, wc, t)
	if err != nil {
		return e.fail(ctx, wc, t, err)
	}
	return e.launch(ctx, wc, t, cand, schema.TaskStatusAssigned)
}

// reserve asks the ledger for t's budget and applies the adaptation policy
// on denial. It reports whether the task may proceed.
func (e *engineImpl) reserve(ctx context.Context, wc *WorkflowContext, t *TaskRuntime) (bool, error) {
	ledger := wc.Ledger
	// A deferred task is retried silently until the ledger could grant it.
	if t.deferred && ledger.Snapshot().Budget > 0 && ledger.Remaining() < t.budget() {
		return false, nil
	}

	granted, err := ledger.Reserve(ctx, t.Def.ID, t.budget(), t.Simplified)
	if err != nil || granted {
		if granted {
			t.deferred = false
		}
		return granted, err
	}

	policy := ledger.Policy()
	metrics.BudgetDenials.WithLabelValues(string(policy)).Inc()
	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, "")

	switch policy {
	case schema.AdaptationAbort:
		wc.Logger.WarnContext(lctx, "budget exhausted, aborting workflow", slog.Int64("requested", t.budget()))
		cause := schema.NewErrorf(schema.ErrCodeBudgetExhausted,
			"reservation of %d for task %s denied", t.budget(), t.Def.ID).WithTask(t.Def.ID)
		return false, e.beginStop(ctx, wc, cause, RecoveryAbort)

	case schema.AdaptationSimplify:
		if t.Def.Simplified != nil && !t.Simplified {
			t.Simplified = true
			wc.record(RecoveryAction{
				Kind:   RecoverySimplify,
				TaskID: t.Def.ID,
				Reason: fmt.Sprintf("reduced reservation from %d to %d", t.Def.Budget, t.budget()),
			})
			wc.Logger.InfoContext(lctx, "budget denied, using simplified variant", slog.Int64("budget", t.budget()))
			granted, err := ledger.Reserve(ctx, t.Def.ID, t.budget(), true)
			if err != nil || granted {
				if granted {
					t.deferred = false
				}
				return granted, err
			}
		}
	}

	if !t.deferred {
		t.deferred = true
		wc.record(RecoveryAction{
			Kind:   RecoveryDefer,
			TaskID: t.Def.ID,
			Reason: fmt.Sprintf("waiting for %d budget units", t.budget()),
		})
		wc.Logger.InfoContext(lctx, "budget denied, deferring task", slog.Int64("requested", t.budget()))
	}
	return false, nil
}

// checkStarvation aborts the workflow when deferred tasks can never be
// granted: nothing is running, compensating or pending a retry that could
// free budget.
func (e *engineImpl) checkStarvation(ctx context.Context, wc *WorkflowContext) error {
	var starved *TaskRuntime
	for _, t := range wc.Tasks {
		if t.waiting || t.Status.InFlight() || t.Status == schema.TaskStatusRetrying ||
			t.Status == schema.TaskStatusCompensating {
			return nil
		}
		if t.Status == schema.TaskStatusReady {
			if !t.deferred {
				return nil
			}
			if starved == nil {
				starved = t
			}
		}
	}
	if starved == nil {
		return nil
	}
	cause := schema.NewErrorf(schema.ErrCodeBudgetExhausted,
		"budget cannot cover task %s (needs %d, %d left) and nothing in flight can free it",
		starved.Def.ID, starved.budget(), wc.Ledger.Remaining()).WithTask(starved.Def.ID)
	return e.beginStop(ctx, wc, cause, RecoveryAbort)
}

// pickCandidate returns the best untried worker with a closed circuit.
// The first primary dispatch keeps the ranked list for the fallback round.
// Later attempts re-query the selector with failed workers excluded; the
// fallback round first consumes the rest of the original ranking.
func (e *engineImpl) pickCandidate(ctx context.Context, wc *WorkflowContext, t *TaskRuntime) (Candidate, error) {
	if t.phase == phaseFallback {
		if c, ok := e.firstUsable(t, t.candidates); ok {
			return c, nil
		}
	}

	purpose := PurposePrimary
	switch {
	case t.phase == phaseFallback:
		purpose = PurposeFallback
	case t.Attempts > 0:
		purpose = PurposeRetry
	}

	req := SelectionRequest{
		WorkflowID: wc.ID,
		TaskID:     t.Def.ID,
		Capability: t.capability(),
		Exclude:    t.excluded(),
		Purpose:    purpose,
		Input:      e.taskInput(t),
	}
	cands, err := e.selector.Select(ctx, req)
	if err != nil {
		return Candidate{}, schema.NewErrorf(schema.ErrCodeAssignment,
			"select worker for %s: %s", t.Def.ID, err.Error()).WithTask(t.Def.ID).WithCause(err)
	}
	if purpose == PurposePrimary {
		t.candidates = cands
	}
	if c, ok := e.firstUsable(t, cands); ok {
		return c, nil
	}
	return Candidate{}, schema.NewErrorf(schema.ErrCodeAssignment,
		"no available worker for capability %q", req.Capability.Name).
		WithTask(t.Def.ID).
		WithDetails(map[string]any{"excluded": req.Exclude, "candidates": len(cands), "purpose": string(purpose)})
}

func (e *engineImpl) firstUsable(t *TaskRuntime, cands []Candidate) (Candidate, bool) {
	for _, c := range cands {
		if c.WorkerID == "" || t.tried[c.WorkerID] {
			continue
		}
		if e.breakers.AllowRequest(c.WorkerID) != nil {
			continue
		}
		return c, true
	}
	return Candidate{}, false
}

// launch assigns t to cand and starts the attempt. to is Assigned or
// FallbackAssigned.
func (e *engineImpl) launch(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, cand Candidate, to schema.TaskStatus) error {
	attempt := t.Attempts + 1
	capability := t.capability()
	err := e.transitionTask(ctx, wc, t, to, cand.WorkerID, schema.TaskPayload{
		Attempt:    attempt,
		Capability: capability.Name,
	})
	if err != nil {
		return err
	}
	t.Worker = cand.WorkerID
	t.Attempts = attempt

	phase := "primary"
	switch {
	case to == schema.TaskStatusFallbackAssigned:
		t.UsedFallback = true
		phase = "fallback"
	case t.Failures > 0:
		phase = "retry"
	}
	metrics.TasksDispatched.WithLabelValues(phase).Inc()

	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, cand.WorkerID)
	spanCtx, span := metrics.StartSpan(lctx, "maestro.task.attempt",
		attribute.String("workflow_id", wc.ID),
		attribute.String("task_id", t.Def.ID),
		attribute.String("worker_id", cand.WorkerID),
		attribute.Int("attempt", attempt),
		attribute.String("phase", phase),
	)

	h, execErr := e.executor.Execute(spanCtx, e.taskRequest(wc, t, attempt), cand)
	if execErr != nil {
		metrics.EndSpan(span, execErr)
		e.breakers.RecordFailure(cand.WorkerID)
		return e.fail(ctx, wc, t, schema.NewErrorf(schema.ErrCodeExecution,
			"start task on worker %s: %s", cand.WorkerID, execErr.Error()).WithTask(t.Def.ID).WithCause(execErr))
	}

	if err := e.transitionTask(ctx, wc, t, schema.TaskStatusRunning, cand.WorkerID, schema.TaskPayload{Attempt: attempt}); err != nil {
		_ = h.Cancel()
		metrics.EndSpan(span, err)
		return err
	}
	now := time.Now()
	if t.StartedAt.IsZero() {
		t.StartedAt = now.UTC()
	}
	t.attemptAt = now
	t.lastBeat = now
	t.handle = h
	t.dispatch++
	t.waiting = true

	wc.Logger.DebugContext(lctx, "task started", slog.Int("attempt", attempt), slog.String("phase", phase))

	idx, seq, completions, done := t.Index, t.dispatch, wc.completions, wc.done
	err = e.pool.Watch(ctx, h, func(res *TaskResult, err error) {
		metrics.EndSpan(span, err)
		select {
		case completions <- completion{task: idx, dispatch: seq, result: res, err: err}:
		case <-done:
		}
	})
	if err != nil {
		// The pool is shut down; nobody will report on this handle.
		_ = h.Cancel()
		t.waiting = false
		metrics.EndSpan(span, err)
		return e.fail(ctx, wc, t, schema.NewErrorf(schema.ErrCodeExecution,
			"watch task handle: %s", err.Error()).WithTask(t.Def.ID).WithCause(err))
	}
	return nil
}

func (e *engineImpl) taskInput(t *TaskRuntime) map[string]any {
	if t.Simplified && t.Def.Simplified != nil && t.Def.Simplified.Input != nil {
		return t.Def.Simplified.Input
	}
	return t.Def.Input
}

func (e *engineImpl) taskRequest(wc *WorkflowContext, t *TaskRuntime, attempt int) *TaskRequest {
	desc := t.Def.Description
	if t.Simplified && t.Def.Simplified != nil && t.Def.Simplified.Description != "" {
		desc = t.Def.Simplified.Description
	}
	req := &TaskRequest{
		WorkflowID:  wc.ID,
		TaskID:      t.Def.ID,
		Description: desc,
		Capability:  t.capability(),
		Input:       e.taskInput(t),
		Budget:      t.budget(),
		Attempt:     attempt,
		Fallback:    t.phase == phaseFallback,
		Simplified:  t.Simplified,
	}
	if preds := wc.Graph.Preds[t.Index]; len(preds) > 0 {
		req.Upstream = make(map[string]json.RawMessage, len(preds))
		for _, p := range preds {
			req.Upstream[wc.Tasks[p].Def.ID] = wc.Tasks[p].Output
		}
	}
	return req
}

// onCompletion handles a settled handle.
func (e *engineImpl) onCompletion(ctx context.Context, wc *WorkflowContext, c completion) error {
	t := wc.Tasks[c.task]
	if c.dispatch != t.dispatch {
		return e.chargeDetached(ctx, wc, t, c.result)
	}
	t.waiting = false
	t.handle = nil

	if c.result != nil && c.result.Consumed > 0 {
		t.spent += c.result.Consumed
	}
	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker)

	switch t.Status {
	case schema.TaskStatusCancelling:
		metrics.ObserveAttempt("cancelled", t.attemptAt)
		return e.abortTask(ctx, wc, t, "cancelled while running")

	case schema.TaskStatusRunning:
		if c.err == nil {
			metrics.ObserveAttempt("completed", t.attemptAt)
			e.breakers.RecordSuccess(t.Worker)
			return e.completeTask(ctx, wc, t, c.result)
		}
		metrics.ObserveAttempt("failed", t.attemptAt)
		e.breakers.RecordFailure(t.Worker)
		wc.Logger.WarnContext(lctx, "task attempt failed", slog.Int("attempt", t.Attempts), slog.String("error", c.err.Error()))
		code := schema.ErrCodeExecution
		if !IsRetryableError(c.err) {
			code = schema.ErrCodeNonRetryable
		}
		return e.fail(ctx, wc, t, schema.AsMaestroError(c.err, code))

	default:
		// The loop already moved on from this attempt.
		wc.Logger.DebugContext(lctx, "late completion ignored", slog.String("status", string(t.Status)))
		return nil
	}
}

// chargeDetached accounts for consumption reported by an attempt the loop
// already gave up on. It joins the open reservation when the task still
// holds one and is committed on its own otherwise.
func (e *engineImpl) chargeDetached(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, res *TaskResult) error {
	if res == nil || res.Consumed <= 0 {
		return nil
	}
	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker)
	if wc.Ledger.Holds(t.Def.ID) {
		t.spent += res.Consumed
		wc.Logger.DebugContext(lctx, "detached attempt reported consumption", slog.Int64("consumed", res.Consumed))
		return nil
	}
	charged, err := wc.Ledger.Commit(ctx, t.Def.ID, res.Consumed)
	if err != nil {
		return err
	}
	t.Consumed += charged
	metrics.BudgetConsumed.Add(float64(charged))
	wc.Logger.InfoContext(lctx, "late consumption committed",
		slog.Int64("consumed", res.Consumed), slog.Int64("charged", charged))
	return nil
}

func (e *engineImpl) completeTask(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, res *TaskResult) error {
	charged, err := wc.Ledger.Commit(ctx, t.Def.ID, t.spent)
	if err != nil {
		return err
	}
	metrics.BudgetConsumed.Add(float64(charged))

	var output json.RawMessage
	if res != nil {
		output = res.Output
	}
	err = e.transitionTask(ctx, wc, t, schema.TaskStatusCompleted, t.Worker, schema.TaskPayload{
		Attempt:  t.Attempts,
		Output:   output,
		Consumed: charged,
	})
	if err != nil {
		return err
	}
	t.Consumed += charged
	t.Output = output
	t.Err = nil
	t.EndedAt = time.Now().UTC()
	metrics.TaskOutcomes.WithLabelValues(string(schema.TaskStatusCompleted)).Inc()
	return nil
}

// checkHeartbeats records fresh liveness signals and fails running tasks
// whose worker went silent for longer than the task's timeout.
func (e *engineImpl) checkHeartbeats(ctx context.Context, wc *WorkflowContext, now time.Time) error {
	for _, t := range wc.Tasks {
		if t.handle == nil || (t.Status != schema.TaskStatusRunning && t.Status != schema.TaskStatusCancelling) {
			continue
		}
		if hb := t.handle.Heartbeat(); hb.After(t.lastBeat) {
			t.lastBeat = hb
			if t.beats.AllowN(now, 1) {
				if err := e.appendTaskEvent(ctx, wc, t, schema.EventHeartbeat, schema.TaskPayload{Attempt: t.Attempts}); err != nil {
					return err
				}
			}
		}
		if t.timeout <= 0 || now.Sub(t.lastBeat) <= t.timeout {
			continue
		}
		if t.Status == schema.TaskStatusCancelling {
			// The worker ignored the cancel; stop waiting for it.
			t.dispatch++
			t.waiting = false
			t.handle = nil
			if err := e.abortTask(ctx, wc, t, "worker did not acknowledge cancel"); err != nil {
				return err
			}
			continue
		}

		silence := now.Sub(t.lastBeat).Round(time.Millisecond)
		lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker)
		wc.Logger.WarnContext(lctx, "heartbeat timeout", slog.Duration("silence", silence))
		_ = t.handle.Cancel()
		t.dispatch++
		t.waiting = false
		t.handle = nil
		metrics.ObserveAttempt("timeout", t.attemptAt)
		e.breakers.RecordFailure(t.Worker)

		timeout := schema.NewErrorf(schema.ErrCodeTimeout, "no heartbeat for %s", silence)
		err := schema.NewErrorf(schema.ErrCodeExecution,
			"worker %s stopped reporting liveness", t.Worker).WithTask(t.Def.ID).WithCause(timeout).
			WithDetails(map[string]any{"reason": "heartbeat_timeout", "timeout": t.timeout.String()})
		if err := e.fail(ctx, wc, t, err); err != nil {
			return err
		}
	}
	return nil
}

// fail moves t to Failed and applies the recovery decision.
func (e *engineImpl) fail(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, cause error) error {
	mErr := schema.AsMaestroError(cause, schema.ErrCodeExecution)
	if mErr.TaskID == "" {
		mErr.TaskID = t.Def.ID
	}
	if err := e.transitionTask(ctx, wc, t, schema.TaskStatusFailed, t.Worker, schema.TaskPayload{
		Attempt: t.Attempts,
		Error:   mErr,
	}); err != nil {
		return err
	}
	t.Err = mErr
	t.Failures++
	if t.Worker != "" {
		t.tried[t.Worker] = true
	}

	d := e.recovery.OnFailure(ctx, wc, t, mErr)
	lctx := logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker)

	switch d.Kind {
	case DecisionRetry:
		err := e.transitionTask(ctx, wc, t, schema.TaskStatusRetrying, "", schema.TaskPayload{
			Attempt: t.Failures,
			DelayMs: d.Delay.Milliseconds(),
			Reason:  d.Reason,
		})
		if err != nil {
			return err
		}
		t.retryAt = time.Now().Add(d.Delay)
		metrics.TaskRetries.Inc()
		wc.record(RecoveryAction{
			Kind: RecoveryRetry, TaskID: t.Def.ID, WorkerID: t.Worker,
			Attempt: t.Failures, Delay: d.Delay, Reason: d.Reason, Error: mErr,
		})
		wc.Logger.InfoContext(lctx, "retrying task", slog.Int("attempt", t.Failures), slog.Duration("delay", d.Delay))
		return nil

	case DecisionFallback:
		t.phase = phaseFallback
		t.Failures = 0
		metrics.TaskFallbacks.Inc()
		cand, err := e.pickCandidate(ctx, wc, t)
		if err != nil {
			return e.irrecoverable(ctx, wc, t, schema.AsMaestroError(err, schema.ErrCodeAssignment).WithCause(mErr))
		}
		wc.record(RecoveryAction{
			Kind: RecoveryFallback, TaskID: t.Def.ID, WorkerID: cand.WorkerID, Reason: d.Reason, Error: mErr,
		})
		wc.Logger.InfoContext(lctx, "falling back to another worker", slog.String("fallback_worker", cand.WorkerID))
		return e.launch(ctx, wc, t, cand, schema.TaskStatusFallbackAssigned)

	case DecisionCompensate:
		return e.irrecoverable(ctx, wc, t, mErr)

	default:
		return e.abortTask(ctx, wc, t, d.Reason)
	}
}

// abortTask moves a non-running task to Aborted and settles its budget.
func (e *engineImpl) abortTask(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, reason string) error {
	if err := e.transitionTask(ctx, wc, t, schema.TaskStatusAborted, "", schema.TaskPayload{Reason: reason}); err != nil {
		return err
	}
	t.EndedAt = time.Now().UTC()
	t.deferred = false
	metrics.TaskOutcomes.WithLabelValues(string(schema.TaskStatusAborted)).Inc()
	return e.settleBudget(ctx, wc, t)
}

// settleBudget closes t's reservation: partial consumption from failed
// attempts is committed, otherwise the reservation is released.
func (e *engineImpl) settleBudget(ctx context.Context, wc *WorkflowContext, t *TaskRuntime) error {
	if !wc.Ledger.Holds(t.Def.ID) {
		return nil
	}
	if t.spent > 0 {
		charged, err := wc.Ledger.Commit(ctx, t.Def.ID, t.spent)
		if err != nil {
			return err
		}
		t.Consumed += charged
		metrics.BudgetConsumed.Add(float64(charged))
		return nil
	}
	return wc.Ledger.Release(ctx, t.Def.ID)
}

// transitionTask emits the transition event and then applies it.
func (e *engineImpl) transitionTask(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, to schema.TaskStatus, workerID string, p schema.TaskPayload) error {
	err := e.taskFSM.Transition(ctx, TaskTransition{
		WorkflowID: wc.ID,
		TaskID:     t.Def.ID,
		From:       t.Status,
		To:         to,
		WorkerID:   workerID,
		Payload:    p,
	})
	if err != nil {
		return err
	}
	t.Status = to
	return nil
}

func (e *engineImpl) appendTaskEvent(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, kind string, p schema.TaskPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", kind, err.Error()).WithCause(err)
	}
	err = e.events.AppendEvent(ctx, &store.Event{
		WorkflowID: wc.ID,
		TaskID:     t.Def.ID,
		Kind:       kind,
		Payload:    raw,
		WorkerID:   t.Worker,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s: %s", kind, err.Error()).
			WithTask(t.Def.ID).WithCause(err)
	}
	return nil
}

// beginStop moves the workflow to Cancelling: no new work is admitted,
// running handles are asked to cancel and queued tasks are aborted. The
// loop keeps draining completions until every handle has settled. Only the
// first call has an effect.
func (e *engineImpl) beginStop(ctx context.Context, wc *WorkflowContext, cause *schema.MaestroError, kind RecoveryKind) error {
	if wc.abortCause != nil || wc.Status != schema.WorkflowStatusRunning {
		return nil
	}
	wc.abortCause = cause
	wc.record(RecoveryAction{Kind: kind, TaskID: cause.TaskID, Reason: cause.Message, Error: cause})

	err := e.wfFSM.Transition(ctx, WorkflowTransition{
		WorkflowID: wc.ID,
		From:       wc.Status,
		To:         schema.WorkflowStatusCancelling,
		Payload:    schema.WorkflowPayload{Reason: cause.Message, Error: cause},
	})
	if err != nil {
		return err
	}
	wc.Status = schema.WorkflowStatusCancelling
	wc.Logger.WarnContext(ctx, "workflow stopping", slog.String("code", cause.Code), slog.String("reason", cause.Message))

	for _, t := range wc.Tasks {
		switch t.Status {
		case schema.TaskStatusRunning:
			if err := e.transitionTask(ctx, wc, t, schema.TaskStatusCancelling, t.Worker, schema.TaskPayload{Reason: cause.Message}); err != nil {
				return err
			}
			if t.handle != nil {
				if err := t.handle.Cancel(); err != nil {
					wc.Logger.WarnContext(logging.WithIDs(ctx, wc.ID, t.Def.ID, t.Worker),
						"cancel handle", slog.String("error", err.Error()))
				}
			}
		case schema.TaskStatusPending, schema.TaskStatusReady, schema.TaskStatusRetrying:
			if err := e.abortTask(ctx, wc, t, cause.Message); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish emits the terminal workflow event and persists the result.
func (e *engineImpl) finish(ctx context.Context, wc *WorkflowContext) error {
	var (
		to      schema.WorkflowStatus
		payload schema.WorkflowPayload
	)
	switch {
	case wc.abortCause != nil:
		wc.Cause = wc.abortCause
		to = schema.WorkflowStatusAborted
		payload = schema.WorkflowPayload{Reason: wc.abortCause.Message, Error: wc.abortCause}
	case wc.failed:
		to = schema.WorkflowStatusFailed
		payload = schema.WorkflowPayload{Error: wc.Cause}
		if wc.Cause != nil {
			payload.Reason = wc.Cause.Message
		}
	default:
		to = schema.WorkflowStatusCompleted
	}

	err := e.wfFSM.Transition(ctx, WorkflowTransition{WorkflowID: wc.ID, From: wc.Status, To: to, Payload: payload})
	if err != nil {
		return err
	}
	wc.Status = to
	wc.EndedAt = time.Now().UTC()
	wc.publish()

	res, err := json.Marshal(wc.result())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode workflow result: %s", err.Error()).WithCause(err)
	}
	upd := store.WorkflowUpdate{Status: &to, Result: res, CompletedAt: &wc.EndedAt}
	if wc.Cause != nil {
		if upd.Error, err = json.Marshal(wc.Cause); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode workflow cause: %s", err.Error()).WithCause(err)
		}
	}
	if err := e.store.UpdateWorkflow(ctx, wc.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update workflow status: %s", err.Error()).WithCause(err)
	}

	metrics.WorkflowsFinished.WithLabelValues(string(to)).Inc()
	snap := wc.Ledger.Snapshot()
	wc.Logger.InfoContext(ctx, "workflow finished",
		slog.String("status", string(to)),
		slog.Int64("consumed", snap.Consumed),
		slog.Int("recovery_actions", len(wc.Recovery)),
		slog.Duration("duration", wc.EndedAt.Sub(wc.StartedAt)))
	return nil
}
