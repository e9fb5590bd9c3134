package schema

import "encoding/json"

// Event kinds recorded in the coordination log. Task kinds map one-to-one
// onto task state transitions; the rest are informational.
const (
	EventScheduled        = "scheduled"
	EventAssigned         = "assigned"
	EventStarted          = "started"
	EventHeartbeat        = "heartbeat"
	EventCompleted        = "completed"
	EventFailed           = "failed"
	EventRetrying         = "retrying"
	EventFallbackSelected = "fallback_selected"
	EventCompensating     = "compensating"
	EventCancelling       = "cancelling"
	EventAborted          = "aborted"

	EventBudgetExhausted = "budget_exhausted"
	EventBudgetReserved  = "budget_reserved"
	EventBudgetCommitted = "budget_committed"
	EventBudgetReleased  = "budget_released"

	EventCompensated         = "compensated"
	EventCompensationFailure = "compensation_failure"

	EventWorkflowStarted    = "workflow_started"
	EventWorkflowCancelling = "workflow_cancelling"
	EventWorkflowCompleted  = "workflow_completed"
	EventWorkflowFailed     = "workflow_failed"
	EventWorkflowAborted    = "workflow_aborted"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPlanning   WorkflowStatus = "planning"
	WorkflowStatusRunning    WorkflowStatus = "running"
	WorkflowStatusCancelling WorkflowStatus = "cancelling"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusAborted    WorkflowStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusAborted
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusReady            TaskStatus = "ready"
	TaskStatusAssigned         TaskStatus = "assigned"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusRetrying         TaskStatus = "retrying"
	TaskStatusFallbackAssigned TaskStatus = "fallback_assigned"
	TaskStatusCompensating     TaskStatus = "compensating"
	TaskStatusCancelling       TaskStatus = "cancelling"
	TaskStatusAborted          TaskStatus = "aborted"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusAborted
}

// InFlight reports whether a worker handle is outstanding for the task.
func (s TaskStatus) InFlight() bool {
	return s == TaskStatusAssigned || s == TaskStatusRunning ||
		s == TaskStatusFallbackAssigned || s == TaskStatusCancelling
}

// TaskPayload is the payload of task transition events. Fields are set
// according to the event kind.
type TaskPayload struct {
	From       TaskStatus      `json:"from,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	DelayMs    int64           `json:"delay_ms,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Error      *MaestroError   `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Consumed   int64           `json:"consumed,omitempty"`
}

// LedgerPayload is the payload of budget events. Replaying every ledger
// event in order reconstructs the workflow totals.
type LedgerPayload struct {
	Amount     int64            `json:"amount"`
	Reserved   int64            `json:"reserved,omitempty"`
	Consumed   int64            `json:"consumed,omitempty"`
	Overrun    int64            `json:"overrun,omitempty"`
	Remaining  int64            `json:"remaining"`
	Simplified bool             `json:"simplified,omitempty"`
	Policy     AdaptationPolicy `json:"policy,omitempty"`
}

// WorkflowPayload is the payload of workflow lifecycle events.
type WorkflowPayload struct {
	From   WorkflowStatus `json:"from,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Error  *MaestroError  `json:"error,omitempty"`
	Budget int64          `json:"budget,omitempty"`
	Tasks  int            `json:"tasks,omitempty"`
}
