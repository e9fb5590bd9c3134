package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Kinds() []string {
	var kinds []string
	for _, e := range m.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func wfTr(from, to schema.WorkflowStatus) WorkflowTransition {
	return WorkflowTransition{WorkflowID: "wf-1", From: from, To: to}
}

func taskTr(from, to schema.TaskStatus) TaskTransition {
	return TaskTransition{WorkflowID: "wf-1", TaskID: "t1", From: from, To: to}
}

// --- WorkflowFSM Tests ---

func TestWorkflowFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, wfTr(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning)))
	require.NoError(t, fsm.Transition(ctx, wfTr(schema.WorkflowStatusRunning, schema.WorkflowStatusCancelling)))
	require.NoError(t, fsm.Transition(ctx, wfTr(schema.WorkflowStatusCancelling, schema.WorkflowStatusAborted)))

	assert.Equal(t, []string{
		schema.EventWorkflowStarted,
		schema.EventWorkflowCancelling,
		schema.EventWorkflowAborted,
	}, app.Kinds())
}

func TestWorkflowFSM_PayloadCarriesFrom(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)

	tr := wfTr(schema.WorkflowStatusRunning, schema.WorkflowStatusFailed)
	tr.Payload = schema.WorkflowPayload{Reason: "task t2 is irrecoverable"}
	require.NoError(t, fsm.Transition(context.Background(), tr))

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventWorkflowFailed, events[0].Kind)

	var p schema.WorkflowPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, schema.WorkflowStatusRunning, p.From)
	assert.Equal(t, "task t2 is irrecoverable", p.Reason)
}

func TestWorkflowFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)

	err := fsm.Transition(context.Background(), wfTr(schema.WorkflowStatusPlanning, schema.WorkflowStatusCompleted))
	require.Error(t, err)

	var mErr *schema.MaestroError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, mErr.Code)
	assert.Contains(t, mErr.Message, "planning")
	assert.Contains(t, mErr.Message, "completed")
	assert.Empty(t, app.Events())
}

func TestWorkflowFSM_CancellingOnlyReachesAborted(t *testing.T) {
	fsm := NewWorkflowFSM(&mockAppender{})
	ctx := context.Background()

	for _, to := range []schema.WorkflowStatus{
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusRunning,
	} {
		assert.Error(t, fsm.Transition(ctx, wfTr(schema.WorkflowStatusCancelling, to)), "cancelling -> %s", to)
	}
}

func TestWorkflowFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewWorkflowFSM(&mockAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.WorkflowStatus{
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusAborted,
	} {
		err := fsm.Transition(ctx, wfTr(terminal, schema.WorkflowStatusRunning))
		require.Error(t, err, "should not transition from terminal state %s", terminal)
	}
}

func TestWorkflowFSM_EventEmitFailure(t *testing.T) {
	fsm := NewWorkflowFSM(&failAppender{})

	err := fsm.Transition(context.Background(), wfTr(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestWorkflowFSM_BeforeHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)

	var hookCalled bool
	fsm.OnBefore(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning, func(from, to string) error {
		hookCalled = true
		assert.Equal(t, "planning", from)
		assert.Equal(t, "running", to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), wfTr(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning)))
	assert.True(t, hookCalled)
}

func TestWorkflowFSM_BeforeHookError(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)

	fsm.OnBefore(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning, func(from, to string) error {
		return errors.New("hook failed")
	})

	err := fsm.Transition(context.Background(), wfTr(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook failed")
	// No event when the before hook rejects the transition.
	assert.Empty(t, app.Events())
}

func TestWorkflowFSM_AfterHookRunsAfterEvent(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)

	var seen int
	fsm.OnAfter(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning, func(from, to string) error {
		seen = len(app.Events())
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), wfTr(schema.WorkflowStatusPlanning, schema.WorkflowStatusRunning)))
	assert.Equal(t, 1, seen)
}

// --- TaskFSM Tests ---

func TestTaskFSM_HappyPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, taskTr(schema.TaskStatusPending, schema.TaskStatusReady)))

	assign := taskTr(schema.TaskStatusReady, schema.TaskStatusAssigned)
	assign.WorkerID = "w1"
	assign.Payload = schema.TaskPayload{Attempt: 1, Capability: "summarize"}
	require.NoError(t, fsm.Transition(ctx, assign))

	require.NoError(t, fsm.Transition(ctx, taskTr(schema.TaskStatusAssigned, schema.TaskStatusRunning)))
	require.NoError(t, fsm.Transition(ctx, taskTr(schema.TaskStatusRunning, schema.TaskStatusCompleted)))

	events := app.Events()
	assert.Equal(t, []string{
		schema.EventScheduled,
		schema.EventAssigned,
		schema.EventStarted,
		schema.EventCompleted,
	}, app.Kinds())
	assert.Equal(t, "t1", events[1].TaskID)
	assert.Equal(t, "w1", events[1].WorkerID)

	var p schema.TaskPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &p))
	assert.Equal(t, schema.TaskStatusReady, p.From)
	assert.Equal(t, 1, p.Attempt)
	assert.Equal(t, "summarize", p.Capability)
}

func TestTaskFSM_RecoveryPaths(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	steps := [][2]schema.TaskStatus{
		{schema.TaskStatusRunning, schema.TaskStatusFailed},
		{schema.TaskStatusFailed, schema.TaskStatusRetrying},
		{schema.TaskStatusRetrying, schema.TaskStatusAssigned},
		{schema.TaskStatusAssigned, schema.TaskStatusRunning},
		{schema.TaskStatusRunning, schema.TaskStatusFailed},
		{schema.TaskStatusFailed, schema.TaskStatusFallbackAssigned},
		{schema.TaskStatusFallbackAssigned, schema.TaskStatusRunning},
		{schema.TaskStatusRunning, schema.TaskStatusFailed},
		{schema.TaskStatusFailed, schema.TaskStatusCompensating},
		{schema.TaskStatusCompensating, schema.TaskStatusAborted},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, taskTr(s[0], s[1])), "%s -> %s", s[0], s[1])
	}

	assert.Equal(t, []string{
		schema.EventFailed,
		schema.EventRetrying,
		schema.EventAssigned,
		schema.EventStarted,
		schema.EventFailed,
		schema.EventFallbackSelected,
		schema.EventStarted,
		schema.EventFailed,
		schema.EventCompensating,
		schema.EventAborted,
	}, app.Kinds())
}

func TestTaskFSM_CancelPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, taskTr(schema.TaskStatusRunning, schema.TaskStatusCancelling)))
	require.NoError(t, fsm.Transition(ctx, taskTr(schema.TaskStatusCancelling, schema.TaskStatusAborted)))
	assert.Equal(t, []string{schema.EventCancelling, schema.EventAborted}, app.Kinds())
}

func TestTaskFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)

	err := fsm.Transition(context.Background(), taskTr(schema.TaskStatusPending, schema.TaskStatusRunning))
	require.Error(t, err)

	var mErr *schema.MaestroError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, mErr.Code)
	assert.Equal(t, "t1", mErr.TaskID)
	assert.Empty(t, app.Events())
}

func TestTaskFSM_RunningNeverSkipsAssignment(t *testing.T) {
	fsm := NewTaskFSM(&mockAppender{})
	ctx := context.Background()

	for _, from := range []schema.TaskStatus{
		schema.TaskStatusPending,
		schema.TaskStatusReady,
		schema.TaskStatusRetrying,
		schema.TaskStatusFailed,
	} {
		assert.Error(t, fsm.Transition(ctx, taskTr(from, schema.TaskStatusRunning)), "%s -> running", from)
	}
}

func TestTaskFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewTaskFSM(&mockAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.TaskStatus{schema.TaskStatusCompleted, schema.TaskStatusAborted} {
		for _, to := range []schema.TaskStatus{schema.TaskStatusReady, schema.TaskStatusRunning, schema.TaskStatusFailed} {
			require.Error(t, fsm.Transition(ctx, taskTr(terminal, to)), "%s -> %s", terminal, to)
		}
	}
}

func TestTaskFSM_Hooks(t *testing.T) {
	fsm := NewTaskFSM(&mockAppender{})

	var order []string
	fsm.OnBefore(schema.TaskStatusPending, schema.TaskStatusReady, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.TaskStatusPending, schema.TaskStatusReady, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), taskTr(schema.TaskStatusPending, schema.TaskStatusReady)))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestTaskFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition(ctx, taskTr(schema.TaskStatusPending, schema.TaskStatusReady))
		}()
	}
	wg.Wait()
	assert.Len(t, app.Events(), 20)
}

// --- Transition Table Completeness ---

func TestWorkflowTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.WorkflowStatus{
		schema.WorkflowStatusPlanning,
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusCancelling,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusAborted,
	} {
		_, ok := ValidWorkflowTransitions[s]
		assert.True(t, ok, "missing workflow status %q in transition table", s)
	}
}

func TestTaskTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.TaskStatus{
		schema.TaskStatusPending,
		schema.TaskStatusReady,
		schema.TaskStatusAssigned,
		schema.TaskStatusRunning,
		schema.TaskStatusCompleted,
		schema.TaskStatusFailed,
		schema.TaskStatusRetrying,
		schema.TaskStatusFallbackAssigned,
		schema.TaskStatusCompensating,
		schema.TaskStatusCancelling,
		schema.TaskStatusAborted,
	} {
		_, ok := ValidTaskTransitions[s]
		assert.True(t, ok, "missing task status %q in transition table", s)
	}
}
