package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// Candidate is one worker able to run a task, as ranked by the selector.
// Lower slice index means better fit.
type Candidate struct {
	WorkerID string         `json:"worker_id"`
	Score    float64        `json:"score,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// SelectionPurpose tells the selector why candidates are requested.
type SelectionPurpose string

const (
	PurposePrimary      SelectionPurpose = "primary"
	PurposeRetry        SelectionPurpose = "retry"
	PurposeFallback     SelectionPurpose = "fallback"
	PurposeCompensation SelectionPurpose = "compensation"
)

// SelectionRequest is the input of AgentSelector.Select.
type SelectionRequest struct {
	WorkflowID string
	TaskID     string
	Capability schema.Capability
	Exclude    []string
	Purpose    SelectionPurpose
	Input      map[string]any
}

// AgentSelector ranks workers for a capability. An empty result with a nil
// error means no worker currently qualifies.
type AgentSelector interface {
	Select(ctx context.Context, req SelectionRequest) ([]Candidate, error)
}

// TaskRequest is what a worker receives for one attempt.
type TaskRequest struct {
	WorkflowID   string                     `json:"workflow_id"`
	TaskID       string                     `json:"task_id"`
	Description  string                     `json:"description,omitempty"`
	Capability   schema.Capability          `json:"capability"`
	Input        map[string]any             `json:"input,omitempty"`
	Budget       int64                      `json:"budget,omitempty"`
	Attempt      int                        `json:"attempt"`
	Fallback     bool                       `json:"fallback,omitempty"`
	Simplified   bool                       `json:"simplified,omitempty"`
	Compensation bool                       `json:"compensation,omitempty"`
	Upstream     map[string]json.RawMessage `json:"upstream,omitempty"`
}

// TaskResult is a worker's reported outcome. Consumed is in budget units.
type TaskResult struct {
	Output   json.RawMessage `json:"output,omitempty"`
	Consumed int64           `json:"consumed"`
}

// Handle is a running task on a worker.
//
// Wait blocks until the worker settles and may return a partial result
// alongside an error. Cancel asks the worker to stop; Wait still returns
// afterwards. Heartbeat returns the time of the last liveness signal, or
// the zero time if none was received yet.
type Handle interface {
	Wait(ctx context.Context) (*TaskResult, error)
	Cancel() error
	Heartbeat() time.Time
}

// AgentExecutor starts task attempts on workers. Execute must not block on
// the task itself.
type AgentExecutor interface {
	Execute(ctx context.Context, task *TaskRequest, worker Candidate) (Handle, error)
}

// TaskDecomposer turns a natural-language goal into a task graph. The
// engine never calls it; embedders validate its output with ParseGraph
// before Run.
type TaskDecomposer interface {
	Decompose(ctx context.Context, goal string) (*schema.GraphDefinition, error)
}
