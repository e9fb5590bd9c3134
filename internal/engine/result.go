package engine

import (
	"encoding/json"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// CompensationResult is the outcome of undoing one completed task.
type CompensationResult string

const (
	CompensationDone    CompensationResult = "compensated"
	CompensationFailed  CompensationResult = "failed"
	CompensationSkipped CompensationResult = "skipped"
)

// TaskOutcome is one task's final state in a WorkflowResult.
type TaskOutcome struct {
	Status       schema.TaskStatus    `json:"status"`
	Worker       string               `json:"worker,omitempty"`
	Attempts     int                  `json:"attempts"`
	UsedFallback bool                 `json:"used_fallback,omitempty"`
	Simplified   bool                 `json:"simplified,omitempty"`
	Consumed     int64                `json:"consumed"`
	Output       json.RawMessage      `json:"output,omitempty"`
	Error        *schema.MaestroError `json:"error,omitempty"`
	Compensation CompensationResult   `json:"compensation,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

// WorkflowResult is returned by Run for every workflow that got past
// validation, whatever its final status. Cause is set for failed and
// aborted workflows and chains to the underlying task error.
type WorkflowResult struct {
	WorkflowID      string                  `json:"workflow_id"`
	Status          schema.WorkflowStatus   `json:"status"`
	Tasks           map[string]*TaskOutcome `json:"tasks"`
	RecoveryActions []RecoveryAction        `json:"recovery_actions,omitempty"`
	BudgetConsumed  int64                   `json:"budget_consumed"`
	BudgetTotal     int64                   `json:"budget_total"`
	Cause           *schema.MaestroError    `json:"cause,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
	EndedAt         time.Time               `json:"ended_at"`
}

// TaskView is a task's state as reported by GetStatus.
type TaskView struct {
	Status       schema.TaskStatus `json:"status"`
	Worker       string            `json:"worker,omitempty"`
	Attempts     int               `json:"attempts"`
	UsedFallback bool              `json:"used_fallback,omitempty"`
	Simplified   bool              `json:"simplified,omitempty"`
	Consumed     int64             `json:"consumed"`
}

// StatusView is a point-in-time view of a workflow. Live is true when the
// view came from a running scheduler loop rather than from the event log.
type StatusView struct {
	WorkflowID string                `json:"workflow_id"`
	Status     schema.WorkflowStatus `json:"status"`
	Tasks      map[string]TaskView   `json:"tasks"`
	Budget     LedgerSnapshot        `json:"budget"`
	Live       bool                  `json:"live"`
}

func (wc *WorkflowContext) result() *WorkflowResult {
	snap := wc.Ledger.Snapshot()
	res := &WorkflowResult{
		WorkflowID:      wc.ID,
		Status:          wc.Status,
		Tasks:           make(map[string]*TaskOutcome, len(wc.Tasks)),
		RecoveryActions: wc.Recovery,
		BudgetConsumed:  snap.Consumed,
		BudgetTotal:     snap.Budget,
		Cause:           wc.Cause,
		StartedAt:       wc.StartedAt,
		EndedAt:         wc.EndedAt,
	}
	for _, t := range wc.Tasks {
		out := &TaskOutcome{
			Status:       t.Status,
			Worker:       t.Worker,
			Attempts:     t.Attempts,
			UsedFallback: t.UsedFallback,
			Simplified:   t.Simplified,
			Consumed:     t.Consumed,
			Output:       t.Output,
			Error:        t.Err,
			StartedAt:    timePtr(t.StartedAt),
			EndedAt:      timePtr(t.EndedAt),
		}
		res.Tasks[t.Def.ID] = out
	}
	for _, a := range wc.Recovery {
		out := res.Tasks[a.TaskID]
		if out == nil {
			continue
		}
		switch a.Kind {
		case RecoveryCompensate:
			out.Compensation = CompensationDone
		case RecoveryCompensationFailure:
			if a.Error != nil && a.Error.Code == schema.ErrCodeCompensation && a.Reason == reasonNoCompensation {
				out.Compensation = CompensationSkipped
			} else {
				out.Compensation = CompensationFailed
			}
		}
	}
	return res
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
