package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

const defaultPageSize = 256

// EventLog provides the append-only coordination log on top of a Store.
// Every append is durable before it is published to subscribers.
type EventLog struct {
	store     Store
	publisher streaming.Publisher
	jq        *expressions.GoJQEngine
	pageSize  int
	logger    *slog.Logger
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithPublisher publishes every appended event after it is committed.
func WithPublisher(p streaming.Publisher) EventLogOption {
	return func(el *EventLog) { el.publisher = p }
}

// WithPageSize sets how many rows Query fetches per round trip.
func WithPageSize(n int) EventLogOption {
	return func(el *EventLog) {
		if n > 0 {
			el.pageSize = n
		}
	}
}

// WithEventLogger sets the logger used for publish failures.
func WithEventLogger(l *slog.Logger) EventLogOption {
	return func(el *EventLog) { el.logger = l }
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store, opts ...EventLogOption) *EventLog {
	el := &EventLog{
		store:     s,
		publisher: streaming.NopPublisher{},
		jq:        expressions.NewGoJQEngine(),
		pageSize:  defaultPageSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// Store returns the underlying store.
func (el *EventLog) Store() Store { return el.store }

// Append durably records event and returns its sequence number. The event
// is published only after the write commits.
func (el *EventLog) Append(ctx context.Context, event *Event) (int64, error) {
	if event.WorkflowID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no workflow id")
	}
	if event.Kind == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no kind")
	}
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", event.Kind, err.Error()).
			WithTask(event.TaskID).WithCause(err)
	}

	if err := el.publisher.Publish(ctx, streaming.StreamEvent{
		WorkflowID: event.WorkflowID,
		TaskID:     event.TaskID,
		Kind:       event.Kind,
		Sequence:   event.Sequence,
		Payload:    event.Payload,
		Timestamp:  event.Timestamp,
	}); err != nil {
		el.logger.WarnContext(ctx, "publish event failed",
			slog.String("workflow_id", event.WorkflowID),
			slog.String("kind", event.Kind),
			slog.Any("error", err))
	}
	return event.Sequence, nil
}

// AppendEvent satisfies the engine's EventAppender.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	_, err := el.Append(ctx, event)
	return err
}

// EventQuery selects events from one workflow's log. Where is a jq filter
// evaluated against {kind, task_id, worker_id, sequence, timestamp, payload};
// events for which it yields no truthy output are skipped.
type EventQuery struct {
	Kinds    []string `json:"kinds,omitempty"`
	TaskID   string   `json:"task_id,omitempty"`
	AfterSeq int64    `json:"after_seq,omitempty"`
	UntilSeq int64    `json:"until_seq,omitempty"`
	Where    string   `json:"where,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Query returns a lazy cursor over the workflow's events in sequence order.
// Pages are fetched as the caller ranges, and each range starts a fresh scan
// from the beginning of the query, so the sequence is restartable. Events
// appended while iterating are included if they fall inside the range.
func (el *EventLog) Query(ctx context.Context, workflowID string, q EventQuery) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if q.Where != "" {
			if err := el.jq.Compile(q.Where); err != nil {
				yield(nil, err)
				return
			}
		}

		after := q.AfterSeq
		emitted := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := el.store.ListEvents(ctx, workflowID, EventFilter{
				Kinds:    q.Kinds,
				TaskID:   q.TaskID,
				AfterSeq: after,
				UntilSeq: q.UntilSeq,
				Limit:    el.pageSize,
			})
			if err != nil {
				yield(nil, schema.NewError(schema.ErrCodeStore, "query events").WithCause(err))
				return
			}

			for _, e := range page {
				after = e.Sequence
				if q.Where != "" {
					ok, err := el.jq.Matches(ctx, q.Where, eventDocument(e))
					if err != nil {
						yield(nil, err)
						return
					}
					if !ok {
						continue
					}
				}
				if !yield(e, nil) {
					return
				}
				emitted++
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
			}

			if len(page) < el.pageSize {
				return
			}
		}
	}
}

// eventDocument is the jq input for an event.
func eventDocument(e *Event) map[string]any {
	doc := map[string]any{
		"kind":      e.Kind,
		"task_id":   e.TaskID,
		"worker_id": e.WorkerID,
		"sequence":  e.Sequence,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
	if len(e.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(e.Payload, &payload); err == nil {
			doc["payload"] = payload
		}
	}
	return doc
}

// ReplayState is the workflow state reconstructed by folding its events.
type ReplayState struct {
	WorkflowID   string                 `json:"workflow_id"`
	Status       schema.WorkflowStatus  `json:"status"`
	Tasks        map[string]*TaskReplay `json:"tasks"`
	Reserved     int64                  `json:"reserved"`
	Consumed     int64                  `json:"consumed"`
	Denials      int                    `json:"denials"`
	LastSequence int64                  `json:"last_sequence"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
}

// TaskReplay is one task's reconstructed state.
type TaskReplay struct {
	TaskID       string               `json:"task_id"`
	Status       schema.TaskStatus    `json:"status"`
	Worker       string               `json:"worker,omitempty"`
	Attempts     int                  `json:"attempts"`
	UsedFallback bool                 `json:"used_fallback,omitempty"`
	Simplified   bool                 `json:"simplified,omitempty"`
	Compensated  bool                 `json:"compensated,omitempty"`
	Reserved     int64                `json:"reserved"`
	Consumed     int64                `json:"consumed"`
	Output       json.RawMessage      `json:"output,omitempty"`
	Error        *schema.MaestroError `json:"error,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

// Replay folds every event of the workflow, in sequence order, into a
// ReplayState. Replaying the same log always yields the same state. Returns
// an error if the log has a sequence gap.
func (el *EventLog) Replay(ctx context.Context, workflowID string) (*ReplayState, error) {
	state := &ReplayState{
		WorkflowID: workflowID,
		Status:     schema.WorkflowStatusPlanning,
		Tasks:      make(map[string]*TaskReplay),
	}

	expected := int64(1)
	for e, err := range el.Query(ctx, workflowID, EventQuery{}) {
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", workflowID, err)
		}
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
		expected++
		if err := state.apply(e); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (s *ReplayState) task(id string) *TaskReplay {
	t, ok := s.Tasks[id]
	if !ok {
		t = &TaskReplay{TaskID: id, Status: schema.TaskStatusPending}
		s.Tasks[id] = t
	}
	return t
}

// apply folds a single event into the state.
func (s *ReplayState) apply(e *Event) error {
	s.LastSequence = e.Sequence
	ts := e.Timestamp

	switch e.Kind {
	case schema.EventWorkflowStarted:
		s.Status = schema.WorkflowStatusRunning
		s.StartedAt = &ts
		return nil
	case schema.EventWorkflowCancelling:
		s.Status = schema.WorkflowStatusCancelling
		return nil
	case schema.EventWorkflowCompleted:
		s.Status = schema.WorkflowStatusCompleted
		s.EndedAt = &ts
		return nil
	case schema.EventWorkflowFailed:
		s.Status = schema.WorkflowStatusFailed
		s.EndedAt = &ts
		return nil
	case schema.EventWorkflowAborted:
		s.Status = schema.WorkflowStatusAborted
		s.EndedAt = &ts
		return nil
	}

	if e.TaskID == "" {
		return nil
	}
	t := s.task(e.TaskID)

	switch e.Kind {
	case schema.EventBudgetReserved, schema.EventBudgetCommitted, schema.EventBudgetReleased:
		var p schema.LedgerPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		switch e.Kind {
		case schema.EventBudgetReserved:
			t.Reserved = p.Amount
			t.Simplified = p.Simplified
			s.Reserved += p.Amount
		case schema.EventBudgetCommitted:
			s.Reserved -= p.Reserved
			s.Consumed += p.Consumed
			t.Reserved = 0
			t.Consumed += p.Consumed
		case schema.EventBudgetReleased:
			s.Reserved -= p.Amount
			t.Reserved = 0
		}
		return nil
	case schema.EventBudgetExhausted:
		var p schema.LedgerPayload
		if err := decodePayload(e, &p); err != nil {
			return err
		}
		s.Denials++
		if p.Simplified {
			t.Simplified = true
		}
		return nil
	case schema.EventCompensated:
		t.Compensated = true
		return nil
	case schema.EventHeartbeat, schema.EventCompensationFailure:
		return nil
	}

	var p schema.TaskPayload
	if err := decodePayload(e, &p); err != nil {
		return err
	}

	switch e.Kind {
	case schema.EventScheduled:
		t.Status = schema.TaskStatusReady
	case schema.EventAssigned:
		t.Status = schema.TaskStatusAssigned
		t.Worker = e.WorkerID
		t.Attempts++
	case schema.EventFallbackSelected:
		t.Status = schema.TaskStatusFallbackAssigned
		t.Worker = e.WorkerID
		t.UsedFallback = true
		t.Attempts++
	case schema.EventStarted:
		t.Status = schema.TaskStatusRunning
		if t.StartedAt == nil {
			t.StartedAt = &ts
		}
	case schema.EventCompleted:
		t.Status = schema.TaskStatusCompleted
		t.Output = p.Output
		t.Error = nil
		t.EndedAt = &ts
	case schema.EventFailed:
		t.Status = schema.TaskStatusFailed
		t.Error = p.Error
	case schema.EventRetrying:
		t.Status = schema.TaskStatusRetrying
	case schema.EventCompensating:
		t.Status = schema.TaskStatusCompensating
		if p.Error != nil {
			t.Error = p.Error
		}
	case schema.EventCancelling:
		t.Status = schema.TaskStatusCancelling
	case schema.EventAborted:
		t.Status = schema.TaskStatusAborted
		t.EndedAt = &ts
	}
	return nil
}

func decodePayload(e *Event, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"decode %s payload at sequence %d: %s", e.Kind, e.Sequence, err.Error()).WithCause(err)
	}
	return nil
}
