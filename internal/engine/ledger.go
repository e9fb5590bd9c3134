package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// LedgerStore persists per-task ledger entries. Satisfied by store.Store.
type LedgerStore interface {
	UpsertLedgerEntry(ctx context.Context, entry *store.LedgerEntry) error
}

// LedgerSnapshot is a point-in-time view of the workflow budget.
type LedgerSnapshot struct {
	Budget    int64 `json:"budget"`
	Reserved  int64 `json:"reserved"`
	Consumed  int64 `json:"consumed"`
	Remaining int64 `json:"remaining"`
	Denials   int   `json:"denials"`
}

// BudgetLedger tracks reservations and consumption for one workflow. Every
// mutation emits a ledger event before it takes effect in memory, so
// replaying the log reproduces the totals. consumed never exceeds budget.
// A budget of zero or less means the workflow is unlimited.
type BudgetLedger struct {
	mu         sync.Mutex
	workflowID string
	budget     int64
	policy     schema.AdaptationPolicy
	reserved   int64
	consumed   int64
	denials    int
	open       map[string]int64 // task id -> reserved amount
	charged    map[string]int64 // task id -> committed so far
	appender   EventAppender
	store      LedgerStore
	logger     *slog.Logger
}

// LedgerOption configures a BudgetLedger.
type LedgerOption func(*BudgetLedger)

// WithLedgerLogger sets the logger used for ledger table write failures.
func WithLedgerLogger(l *slog.Logger) LedgerOption {
	return func(b *BudgetLedger) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBudgetLedger creates a ledger for workflowID. store may be nil.
func NewBudgetLedger(workflowID string, budget int64, policy schema.AdaptationPolicy, appender EventAppender, ls LedgerStore, opts ...LedgerOption) *BudgetLedger {
	if policy == "" {
		policy = schema.AdaptationDefer
	}
	l := &BudgetLedger{
		workflowID: workflowID,
		budget:     budget,
		policy:     policy,
		open:       make(map[string]int64),
		charged:    make(map[string]int64),
		appender:   appender,
		store:      ls,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *BudgetLedger) unlimited() bool { return l.budget <= 0 }

// remainingLocked is the headroom left for new reservations.
func (l *BudgetLedger) remainingLocked() int64 {
	if l.unlimited() {
		return 0
	}
	return l.budget - l.consumed - l.reserved
}

// Reserve sets amount aside for taskID. A denied reservation emits a
// budget_exhausted event and returns false; the caller applies the
// adaptation policy. Reserving for a task that already holds a reservation
// is a no-op grant.
func (l *BudgetLedger) Reserve(ctx context.Context, taskID string, amount int64, simplified bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.open[taskID]; ok {
		return true, nil
	}
	if amount < 0 {
		amount = 0
	}

	if !l.unlimited() && amount > l.remainingLocked() {
		err := l.emit(ctx, taskID, schema.EventBudgetExhausted, schema.LedgerPayload{
			Amount:     amount,
			Remaining:  l.remainingLocked(),
			Simplified: simplified,
			Policy:     l.policy,
		})
		if err != nil {
			return false, err
		}
		l.denials++
		return false, nil
	}

	err := l.emit(ctx, taskID, schema.EventBudgetReserved, schema.LedgerPayload{
		Amount:     amount,
		Remaining:  l.remainingLocked() - amount,
		Simplified: simplified,
	})
	if err != nil {
		return false, err
	}
	l.reserved += amount
	l.open[taskID] = amount
	l.persist(ctx, taskID, amount, l.charged[taskID], store.LedgerReserved)
	return true, nil
}

// Commit records actual consumption for taskID and closes its reservation.
// Consumption beyond the remaining headroom is clamped; the excess is
// reported as overrun in the event payload. Committing for a task with no
// open reservation charges actual against the remaining headroom. Returns
// the amount charged.
func (l *BudgetLedger) Commit(ctx context.Context, taskID string, actual int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.open[taskID]
	if actual < 0 {
		actual = 0
	}
	charge := actual
	if !l.unlimited() {
		if ceiling := l.budget - l.consumed - (l.reserved - r); charge > ceiling {
			charge = ceiling
		}
	}
	overrun := actual - charge

	remaining := int64(0)
	if !l.unlimited() {
		remaining = l.budget - (l.consumed + charge) - (l.reserved - r)
	}
	err := l.emit(ctx, taskID, schema.EventBudgetCommitted, schema.LedgerPayload{
		Amount:    actual,
		Reserved:  r,
		Consumed:  charge,
		Overrun:   overrun,
		Remaining: remaining,
	})
	if err != nil {
		return 0, err
	}
	l.reserved -= r
	l.consumed += charge
	l.charged[taskID] += charge
	delete(l.open, taskID)
	l.persist(ctx, taskID, r, l.charged[taskID], store.LedgerCommitted)
	return charge, nil
}

// Release returns the unused reservation of taskID. It is a no-op when the
// task holds none.
func (l *BudgetLedger) Release(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.open[taskID]
	if !ok {
		return nil
	}
	err := l.emit(ctx, taskID, schema.EventBudgetReleased, schema.LedgerPayload{
		Amount:    r,
		Remaining: l.remainingLocked() + r,
	})
	if err != nil {
		return err
	}
	l.reserved -= r
	delete(l.open, taskID)
	l.persist(ctx, taskID, r, l.charged[taskID], store.LedgerReleased)
	return nil
}

// Holds reports whether taskID has an open reservation.
func (l *BudgetLedger) Holds(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[taskID]
	return ok
}

// Remaining returns the budget not yet consumed or reserved. Always 0 for
// an unlimited ledger.
func (l *BudgetLedger) Remaining() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked()
}

// Consumed returns the total committed consumption.
func (l *BudgetLedger) Consumed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed
}

// Policy returns the adaptation policy applied on denial.
func (l *BudgetLedger) Policy() schema.AdaptationPolicy { return l.policy }

// Snapshot returns the current totals.
func (l *BudgetLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LedgerSnapshot{
		Budget:    l.budget,
		Reserved:  l.reserved,
		Consumed:  l.consumed,
		Remaining: l.remainingLocked(),
		Denials:   l.denials,
	}
}

func (l *BudgetLedger) emit(ctx context.Context, taskID, kind string, p schema.LedgerPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", kind, err.Error()).WithCause(err)
	}
	err = l.appender.AppendEvent(ctx, &store.Event{
		WorkflowID: l.workflowID,
		TaskID:     taskID,
		Kind:       kind,
		Payload:    raw,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s: %s", kind, err.Error()).
			WithTask(taskID).WithCause(err)
	}
	return nil
}

// persist mirrors the entry into the ledger table. The event log stays the
// source of truth, so a failed upsert is logged and not returned.
func (l *BudgetLedger) persist(ctx context.Context, taskID string, reserved, consumed int64, status store.LedgerStatus) {
	if l.store == nil {
		return
	}
	err := l.store.UpsertLedgerEntry(ctx, &store.LedgerEntry{
		WorkflowID: l.workflowID,
		TaskID:     taskID,
		Reserved:   reserved,
		Consumed:   consumed,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "ledger table diverges from event log",
			slog.String("workflow_id", l.workflowID),
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}
