package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowTransition describes one workflow state change.
type WorkflowTransition struct {
	WorkflowID string
	From       schema.WorkflowStatus
	To         schema.WorkflowStatus
	Payload    schema.WorkflowPayload
}

// WorkflowFSM manages workflow lifecycle state transitions.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a workflow state transition. The event
// is durable before Transition returns; the caller updates its in-memory
// state only afterwards.
func (f *WorkflowFSM) Transition(ctx context.Context, tr WorkflowTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(tr.From, tr.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", tr.From, tr.To).
			WithDetails(map[string]any{"workflow_id": tr.WorkflowID, "from": string(tr.From), "to": string(tr.To)})
	}

	key := workflowHookKey{tr.From, tr.To}

	for _, hook := range f.before[key] {
		if err := hook(string(tr.From), string(tr.To)); err != nil {
			return err
		}
	}

	payload := tr.Payload
	payload.From = tr.From
	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode workflow event: %s", err.Error()).WithCause(err)
	}
	event := &store.Event{
		WorkflowID: tr.WorkflowID,
		Kind:       workflowEventKind(tr.To),
		Payload:    raw,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
	}

	for _, hook := range f.after[key] {
		if err := hook(string(tr.From), string(tr.To)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventKind(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCancelling:
		return schema.EventWorkflowCancelling
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return schema.EventWorkflowAborted
	}
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskTransition describes one task state change. WorkerID is recorded on
// the event for assignment transitions.
type TaskTransition struct {
	WorkflowID string
	TaskID     string
	From       schema.TaskStatus
	To         schema.TaskStatus
	WorkerID   string
	Payload    schema.TaskPayload
}

// TaskFSM manages task lifecycle state transitions.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a new TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{
		appender: appender,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, emitting
// exactly one event.
func (f *TaskFSM) Transition(ctx context.Context, tr TaskTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(tr.From, tr.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", tr.From, tr.To).
			WithTask(tr.TaskID).
			WithDetails(map[string]any{"workflow_id": tr.WorkflowID, "from": string(tr.From), "to": string(tr.To)})
	}

	key := taskHookKey{tr.From, tr.To}

	for _, hook := range f.before[key] {
		if err := hook(string(tr.From), string(tr.To)); err != nil {
			return err
		}
	}

	payload := tr.Payload
	payload.From = tr.From
	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode task event: %s", err.Error()).
			WithTask(tr.TaskID).WithCause(err)
	}
	event := &store.Event{
		WorkflowID: tr.WorkflowID,
		TaskID:     tr.TaskID,
		Kind:       taskEventKind(tr.To),
		Payload:    raw,
		WorkerID:   tr.WorkerID,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).
			WithTask(tr.TaskID).WithCause(err)
	}

	for _, hook := range f.after[key] {
		if err := hook(string(tr.From), string(tr.To)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	for _, a := range ValidTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventKind(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusReady:
		return schema.EventScheduled
	case schema.TaskStatusAssigned:
		return schema.EventAssigned
	case schema.TaskStatusRunning:
		return schema.EventStarted
	case schema.TaskStatusCompleted:
		return schema.EventCompleted
	case schema.TaskStatusFailed:
		return schema.EventFailed
	case schema.TaskStatusRetrying:
		return schema.EventRetrying
	case schema.TaskStatusFallbackAssigned:
		return schema.EventFallbackSelected
	case schema.TaskStatusCompensating:
		return schema.EventCompensating
	case schema.TaskStatusCancelling:
		return schema.EventCancelling
	default:
		return schema.EventAborted
	}
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPlanning:   {schema.WorkflowStatusRunning, schema.WorkflowStatusAborted},
	schema.WorkflowStatusRunning:    {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelling, schema.WorkflowStatusAborted},
	schema.WorkflowStatusCancelling: {schema.WorkflowStatusAborted},
	schema.WorkflowStatusCompleted:  {},
	schema.WorkflowStatusFailed:     {},
	schema.WorkflowStatusAborted:    {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
// Ready, Retrying and FallbackAssigned may fail without a worker running
// when assignment finds no candidate.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:          {schema.TaskStatusReady, schema.TaskStatusAborted},
	schema.TaskStatusReady:            {schema.TaskStatusAssigned, schema.TaskStatusFailed, schema.TaskStatusAborted},
	schema.TaskStatusAssigned:         {schema.TaskStatusRunning, schema.TaskStatusFailed, schema.TaskStatusAborted},
	schema.TaskStatusRunning:          {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelling},
	schema.TaskStatusFailed:           {schema.TaskStatusRetrying, schema.TaskStatusFallbackAssigned, schema.TaskStatusCompensating, schema.TaskStatusAborted},
	schema.TaskStatusRetrying:         {schema.TaskStatusAssigned, schema.TaskStatusFailed, schema.TaskStatusAborted},
	schema.TaskStatusFallbackAssigned: {schema.TaskStatusRunning, schema.TaskStatusFailed, schema.TaskStatusAborted},
	schema.TaskStatusCompensating:     {schema.TaskStatusAborted},
	schema.TaskStatusCancelling:       {schema.TaskStatusAborted},
	schema.TaskStatusCompleted:        {},
	schema.TaskStatusAborted:          {},
}
