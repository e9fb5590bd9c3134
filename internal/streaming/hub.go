package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a coordination event broadcast after it has been durably
// appended to the event log.
type StreamEvent struct {
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Kind       string          `json:"kind"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	Kinds      []string `json:"kinds,omitempty"`
}

// Publisher is the write side the event log publishes through.
type Publisher interface {
	Publish(ctx context.Context, event StreamEvent) error
}

// EventHub provides pub/sub for real-time workflow events.
type EventHub interface {
	Publisher
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StreamEvent) error { return nil }
