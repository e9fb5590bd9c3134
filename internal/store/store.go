package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Event log (append-only). AppendEvent assigns event.Sequence.
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)
	ListEvents(ctx context.Context, workflowID string, filter EventFilter) ([]*Event, error)

	// Budget ledger
	UpsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	ListLedgerEntries(ctx context.Context, workflowID string) ([]*LedgerEntry, error)

	// Workers
	RegisterWorker(ctx context.Context, worker *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	UpdateWorkerSeen(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*Worker, error)
	DeleteWorker(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
