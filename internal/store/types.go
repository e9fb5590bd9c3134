package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// Workflow is the persisted representation of a workflow execution.
type Workflow struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Graph       schema.GraphDefinition `json:"graph"`
	Status      schema.WorkflowStatus  `json:"status"`
	Budget      int64                  `json:"budget"`
	Concurrency int                    `json:"concurrency"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time             `json:"archived_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Event is an immutable entry in the coordination log. Sequence is assigned
// on append and is gapless per workflow starting at 1.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// LedgerStatus is the lifecycle state of a budget reservation.
type LedgerStatus string

const (
	LedgerReserved  LedgerStatus = "reserved"
	LedgerCommitted LedgerStatus = "committed"
	LedgerReleased  LedgerStatus = "released"
)

// LedgerEntry is the per-task budget record: what was reserved and what
// was actually consumed. Keyed by (workflow_id, task_id).
type LedgerEntry struct {
	WorkflowID string       `json:"workflow_id"`
	TaskID     string       `json:"task_id"`
	Reserved   int64        `json:"reserved"`
	Consumed   int64        `json:"consumed"`
	Status     LedgerStatus `json:"status"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Worker is a registered agent capable of executing tasks.
type Worker struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Capabilities []string        `json:"capabilities"`
	Tags         []string        `json:"tags,omitempty"`
	Attributes   map[string]any  `json:"attributes,omitempty"`
	Command      []string        `json:"command,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastSeenAt   *time.Time      `json:"last_seen_at,omitempty"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status          *schema.WorkflowStatus `json:"status,omitempty"`
	Since           *time.Time             `json:"since,omitempty"`
	CompletedBefore *time.Time             `json:"completed_before,omitempty"`
	IncludeArchived bool                   `json:"include_archived,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
	Offset          int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time             `json:"archived_at,omitempty"`
}

// EventFilter selects one page of a workflow's events. Rows are returned in
// ascending sequence order starting after AfterSeq.
type EventFilter struct {
	Kinds    []string `json:"kinds,omitempty"`
	TaskID   string   `json:"task_id,omitempty"`
	AfterSeq int64    `json:"after_seq,omitempty"`
	UntilSeq int64    `json:"until_seq,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}
