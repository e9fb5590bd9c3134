package diagram

import (
	"fmt"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// Build constructs a DiagramModel from a graph definition and an optional
// replayed state. Nodes follow the graph's topological order.
func Build(def *schema.GraphDefinition, state *store.ReplayState) (*DiagramModel, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	nodes := make([]*Node, 0, g.Len()+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, i := range g.Topo {
		t := g.Tasks[i]
		node := &Node{ID: t.ID, Label: nodeLabel(t), Kind: NodeKindTask}
		overlayStatus(node, state)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	levels := make([][]string, 0, len(g.Tasks)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, g.Levels()...)
	levels = append(levels, []string{EndID})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: levels,
	}, nil
}

// nodeLabel shows the task id and the capability it asks for.
func nodeLabel(t *schema.TaskDefinition) string {
	if t.Capability.Name != "" {
		return fmt.Sprintf("%s\n(%s)", t.ID, t.Capability.Name)
	}
	return t.ID
}

func overlayStatus(node *Node, state *store.ReplayState) {
	if state == nil {
		return
	}
	r, ok := state.Tasks[node.ID]
	if !ok {
		node.Status = &StatusOverlay{Status: string(schema.TaskStatusPending)}
		return
	}
	ov := &StatusOverlay{
		Status:       string(r.Status),
		Worker:       r.Worker,
		Attempts:     r.Attempts,
		UsedFallback: r.UsedFallback,
		Compensated:  r.Compensated,
		Consumed:     r.Consumed,
	}
	if r.Error != nil {
		ov.Error = r.Error.Message
	}
	node.Status = ov
}

// buildEdges links dependencies in insertion order, framed by the start
// and end nodes.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge
	for i, t := range g.Tasks {
		if len(g.Preds[i]) == 0 {
			edges = append(edges, Edge{From: StartID, To: t.ID})
		}
	}
	for i, t := range g.Tasks {
		for _, p := range g.Preds[i] {
			edges = append(edges, Edge{From: g.Tasks[p].ID, To: t.ID})
		}
	}
	for i, t := range g.Tasks {
		if len(g.Succs[i]) == 0 {
			edges = append(edges, Edge{From: t.ID, To: EndID})
		}
	}
	return edges
}

func titleFromDef(def *schema.GraphDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Workflow"
}
