package schema

import "time"

// GraphDefinition is the serializable task graph submitted for execution.
// Produced by a decomposer or loaded from a YAML/JSON file.
type GraphDefinition struct {
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks       []TaskDefinition `json:"tasks" yaml:"tasks" validate:"dive"`
	Budget      int64            `json:"budget" yaml:"budget" validate:"gte=0"`
	Concurrency int              `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0"`
	Adaptation  AdaptationPolicy `json:"adaptation,omitempty" yaml:"adaptation,omitempty" validate:"omitempty,oneof=defer simplify abort"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TaskDefinition describes a single unit of work in the graph.
type TaskDefinition struct {
	ID               string            `json:"id" yaml:"id" validate:"required"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Capability       Capability        `json:"capability" yaml:"capability"`
	Input            map[string]any    `json:"input,omitempty" yaml:"input,omitempty"`
	Budget           int64             `json:"budget,omitempty" yaml:"budget,omitempty" validate:"gte=0"`
	Retry            *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Fallback         *FallbackSpec     `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Simplified       *TaskVariant      `json:"simplified,omitempty" yaml:"simplified,omitempty"`
	Compensation     *CompensationSpec `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	HeartbeatTimeout string            `json:"heartbeat_timeout,omitempty" yaml:"heartbeat_timeout,omitempty"`
}

// Capability is the descriptor handed to the agent selector. The engine never
// interprets it.
type Capability struct {
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Tags       []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// RetryPolicy configures per-task retry behavior.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"gte=0"`
	BaseDelay   string  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"` // e.g. "500ms"
	MaxDelay    string  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty" yaml:"jitter,omitempty" validate:"gte=0,lte=1"`
	RetryIf     string  `json:"retry_if,omitempty" yaml:"retry_if,omitempty"` // expr predicate over the failure
}

// FallbackSpec broadens the capability used when re-querying the selector
// after the primary candidates are exhausted.
type FallbackSpec struct {
	Capability *Capability `json:"capability,omitempty" yaml:"capability,omitempty"`
}

// TaskVariant is a reduced-scope version of a task used by the simplify
// adaptation policy.
type TaskVariant struct {
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Capability  *Capability    `json:"capability,omitempty" yaml:"capability,omitempty"`
	Input       map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Budget      int64          `json:"budget" yaml:"budget" validate:"gte=0"`
}

// CompensationSpec declares the undo action for a completed task.
type CompensationSpec struct {
	Capability *Capability    `json:"capability,omitempty" yaml:"capability,omitempty"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// AdaptationPolicy selects how the scheduler reacts to a denied reservation.
type AdaptationPolicy string

const (
	AdaptationDefer    AdaptationPolicy = "defer"
	AdaptationSimplify AdaptationPolicy = "simplify"
	AdaptationAbort    AdaptationPolicy = "abort"
)

// HeartbeatTimeoutOr parses the task's heartbeat timeout, returning def when
// unset or invalid.
func (t *TaskDefinition) HeartbeatTimeoutOr(def time.Duration) time.Duration {
	if t.HeartbeatTimeout == "" {
		return def
	}
	d, err := time.ParseDuration(t.HeartbeatTimeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
