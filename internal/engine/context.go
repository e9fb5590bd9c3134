package engine

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/maestro/pkg/schema"
)

// taskPhase separates the primary attempts from the single fallback round.
type taskPhase int

const (
	phasePrimary taskPhase = iota
	phaseFallback
)

// TaskRuntime is the mutable execution state of one task. It is owned by
// the workflow's scheduler loop and never touched from other goroutines.
type TaskRuntime struct {
	Index int
	Def   *schema.TaskDefinition

	Status        schema.TaskStatus
	Worker        string
	Attempts      int // dispatches across all phases
	Failures      int // failures in the current phase
	UsedFallback  bool
	Simplified    bool
	Compensated   bool
	Irrecoverable bool
	Consumed      int64
	Output        json.RawMessage
	Err           *schema.MaestroError

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	phase      taskPhase
	retry      RetrySettings
	tried      map[string]bool
	candidates []Candidate // primary selection, ranked
	retryAt    time.Time
	deferred   bool
	handle     Handle
	dispatch   int  // incremented per Execute; stale completions are dropped
	waiting    bool // a waiter goroutine still holds handle
	attemptAt  time.Time
	lastBeat   time.Time
	beats      *rate.Limiter
	timeout    time.Duration
	spent      int64 // consumption reported by every attempt so far

	pendingComp int // queued compensations this task waits on while Compensating
}

// capability returns the descriptor for the current variant and phase.
func (t *TaskRuntime) capability() schema.Capability {
	if t.phase == phaseFallback && t.Def.Fallback != nil && t.Def.Fallback.Capability != nil {
		return *t.Def.Fallback.Capability
	}
	if t.Simplified && t.Def.Simplified != nil && t.Def.Simplified.Capability != nil {
		return *t.Def.Simplified.Capability
	}
	return t.Def.Capability
}

// budget returns the amount to reserve for the current variant.
func (t *TaskRuntime) budget() int64 {
	if t.Simplified && t.Def.Simplified != nil {
		return t.Def.Simplified.Budget
	}
	return t.Def.Budget
}

func (t *TaskRuntime) excluded() []string {
	return slices.Sorted(maps.Keys(t.tried))
}

// RecoveryKind names an action the engine took in response to a failure
// or a budget denial.
type RecoveryKind string

const (
	RecoveryRetry               RecoveryKind = "retry"
	RecoveryFallback            RecoveryKind = "fallback"
	RecoverySimplify            RecoveryKind = "simplify"
	RecoveryDefer               RecoveryKind = "defer"
	RecoveryCompensate          RecoveryKind = "compensate"
	RecoveryCompensationFailure RecoveryKind = "compensation_failure"
	RecoveryAbort               RecoveryKind = "abort"
	RecoveryCancel              RecoveryKind = "cancel"
)

// RecoveryAction is one entry in a WorkflowResult's recovery history.
type RecoveryAction struct {
	Kind      RecoveryKind         `json:"kind"`
	TaskID    string               `json:"task_id,omitempty"`
	WorkerID  string               `json:"worker_id,omitempty"`
	Attempt   int                  `json:"attempt,omitempty"`
	Delay     time.Duration        `json:"delay,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Error     *schema.MaestroError `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// WorkflowContext carries everything one workflow run needs. It is created
// by Run and passed explicitly to the scheduler and recovery code; the
// scheduler loop is its single writer.
type WorkflowContext struct {
	ID          string
	Graph       *Graph
	Tasks       []*TaskRuntime
	Ledger      *BudgetLedger
	Concurrency int
	Logger      *slog.Logger

	Status    schema.WorkflowStatus
	StartedAt time.Time
	EndedAt   time.Time
	Recovery  []RecoveryAction
	Cause     *schema.MaestroError

	// abortCause is set once the workflow is headed for Aborted.
	abortCause *schema.MaestroError
	failed     bool

	compQueue        []*compJob
	compActive       *compJob
	compWaiting      bool // a waiter holds the active job's handle
	compSeq          int
	stopCompensation bool // completed tasks were queued after a stop

	completions chan completion
	done        chan struct{} // closed when the loop exits
	cancelOnce  sync.Once
	cancelCh    chan struct{}
	cancelMu    sync.Mutex
	cancelWhy   string

	snapshot atomic.Pointer[StatusView]
}

func newWorkflowContext(id string, g *Graph, ledger *BudgetLedger, concurrency int, retry RetrySettings, heartbeat, beatEvery time.Duration, logger *slog.Logger) *WorkflowContext {
	now := time.Now().UTC()
	wc := &WorkflowContext{
		ID:          id,
		Graph:       g,
		Tasks:       make([]*TaskRuntime, g.Len()),
		Ledger:      ledger,
		Concurrency: concurrency,
		Logger:      logger,
		Status:      schema.WorkflowStatusPlanning,
		completions: make(chan completion, g.Len()),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i, def := range g.Tasks {
		wc.Tasks[i] = &TaskRuntime{
			Index:     i,
			Def:       def,
			Status:    schema.TaskStatusPending,
			CreatedAt: now,
			retry:     retry.Resolve(def.Retry),
			tried:     make(map[string]bool),
			beats:     rate.NewLimiter(rate.Every(beatEvery), 1),
			timeout:   def.HeartbeatTimeoutOr(heartbeat),
		}
	}
	return wc
}

// requestCancel asks the loop to cancel the workflow. Only the first call
// has an effect.
func (wc *WorkflowContext) requestCancel(reason string) {
	wc.cancelOnce.Do(func() {
		wc.cancelMu.Lock()
		wc.cancelWhy = reason
		wc.cancelMu.Unlock()
		close(wc.cancelCh)
	})
}

func (wc *WorkflowContext) cancelReason() string {
	wc.cancelMu.Lock()
	defer wc.cancelMu.Unlock()
	return wc.cancelWhy
}

// admitting reports whether new work may still be dispatched.
func (wc *WorkflowContext) admitting() bool {
	return wc.Status == schema.WorkflowStatusRunning && wc.abortCause == nil
}

func (wc *WorkflowContext) inFlight() int {
	n := 0
	for _, t := range wc.Tasks {
		if t.Status.InFlight() {
			n++
		}
	}
	return n
}

func (wc *WorkflowContext) waiters() int {
	n := 0
	for _, t := range wc.Tasks {
		if t.waiting {
			n++
		}
	}
	return n
}

// compensationIdle reports whether no compensation is queued or running.
func (wc *WorkflowContext) compensationIdle() bool {
	return wc.compActive == nil && len(wc.compQueue) == 0
}

func (wc *WorkflowContext) allTerminal() bool {
	for _, t := range wc.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func (wc *WorkflowContext) record(a RecoveryAction) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	wc.Recovery = append(wc.Recovery, a)
}

// publish stores a fresh StatusView for concurrent GetStatus readers.
func (wc *WorkflowContext) publish() {
	v := &StatusView{
		WorkflowID: wc.ID,
		Status:     wc.Status,
		Tasks:      make(map[string]TaskView, len(wc.Tasks)),
		Budget:     wc.Ledger.Snapshot(),
		Live:       true,
	}
	for _, t := range wc.Tasks {
		v.Tasks[t.Def.ID] = TaskView{
			Status:       t.Status,
			Worker:       t.Worker,
			Attempts:     t.Attempts,
			UsedFallback: t.UsedFallback,
			Simplified:   t.Simplified,
			Consumed:     t.Consumed,
		}
	}
	wc.snapshot.Store(v)
}
