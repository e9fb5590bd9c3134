// Package diagram renders task graphs as Mermaid flowcharts or ASCII boxes,
// optionally overlaid with the state replayed from a workflow's event log.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTask  NodeKind = "task"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Virtual node ids framing the graph.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single task in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status       string // from schema.TaskStatus
	Worker       string
	Attempts     int
	UsedFallback bool
	Compensated  bool
	Consumed     int64
	Error        string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
