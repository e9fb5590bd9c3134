package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/pkg/schema"
)

// DecisionKind is the recovery engine's verdict for a failed task.
type DecisionKind string

const (
	DecisionRetry      DecisionKind = "retry"
	DecisionFallback   DecisionKind = "fallback"
	DecisionCompensate DecisionKind = "compensate"
	DecisionAbort      DecisionKind = "abort"
)

// Decision is returned by OnFailure.
type Decision struct {
	Kind    DecisionKind
	Delay   time.Duration
	Exclude []string
	Reason  string
}

// RecoveryEngine decides what happens after a task attempt fails. It holds
// no per-workflow state; the task's counters live in its TaskRuntime.
type RecoveryEngine struct {
	exprs  *expressions.ExprEngine
	rnd    func() float64
	logger *slog.Logger
}

// NewRecoveryEngine creates a RecoveryEngine. exprs evaluates retry_if
// predicates and may be nil, in which case predicates are ignored. rnd
// drives backoff jitter.
func NewRecoveryEngine(exprs *expressions.ExprEngine, rnd func() float64, logger *slog.Logger) *RecoveryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryEngine{exprs: exprs, rnd: rnd, logger: logger}
}

// OnFailure classifies a failure of t. t.Failures must already count this
// failure. The order of checks:
//
//  1. a workflow that stopped admitting work aborts the task;
//  2. retryable errors are retried while the phase has attempts left and
//     the task's retry_if predicate, if any, holds;
//  3. a task still in its primary phase moves to one fallback round;
//  4. anything else is irrecoverable and triggers compensation.
func (r *RecoveryEngine) OnFailure(ctx context.Context, wc *WorkflowContext, t *TaskRuntime, err *schema.MaestroError) Decision {
	if !wc.admitting() || err.Code == schema.ErrCodeCancelled {
		return Decision{Kind: DecisionAbort, Reason: "workflow is no longer admitting work"}
	}

	exclude := t.excluded()

	if IsRetryableError(err) && t.Failures < t.retry.MaxAttempts {
		if ok, why := r.retryAllowed(ctx, t, err); ok {
			return Decision{
				Kind:    DecisionRetry,
				Delay:   ComputeBackoff(t.retry, t.Failures-1, r.rnd),
				Exclude: exclude,
				Reason:  fmt.Sprintf("attempt %d of %d failed", t.Failures, t.retry.MaxAttempts),
			}
		} else if why != "" {
			r.logger.DebugContext(ctx, "retry predicate declined",
				slog.String("task_id", t.Def.ID), slog.String("reason", why))
		}
	}

	if t.phase == phasePrimary {
		return Decision{
			Kind:    DecisionFallback,
			Exclude: exclude,
			Reason:  fmt.Sprintf("primary attempts exhausted after %d failures", t.Failures),
		}
	}

	return Decision{
		Kind:   DecisionCompensate,
		Reason: fmt.Sprintf("fallback exhausted after %d failures", t.Failures),
	}
}

// retryAllowed evaluates the task's retry_if predicate over the failure.
// A predicate that fails to evaluate declines the retry.
func (r *RecoveryEngine) retryAllowed(ctx context.Context, t *TaskRuntime, err *schema.MaestroError) (bool, string) {
	if t.retry.RetryIf == "" || r.exprs == nil {
		return true, ""
	}
	env := map[string]any{
		"error": map[string]any{
			"code":    err.Code,
			"message": err.Message,
			"details": err.Details,
		},
		"attempt":  t.Failures,
		"task":     t.Def.ID,
		"worker":   t.Worker,
		"fallback": t.phase == phaseFallback,
	}
	ok, evalErr := r.exprs.EvaluateBool(ctx, t.retry.RetryIf, env)
	if evalErr != nil {
		return false, evalErr.Error()
	}
	if !ok {
		return false, fmt.Sprintf("retry_if %q is false", t.retry.RetryIf)
	}
	return true, ""
}
