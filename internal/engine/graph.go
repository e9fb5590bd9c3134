package engine

import (
	"github.com/rendis/maestro/internal/validation"
	"github.com/rendis/maestro/pkg/schema"
)

// Graph is the immutable in-memory form of a validated GraphDefinition.
// Tasks keep their insertion order; every index in Preds, Succs and Topo
// refers to a position in Tasks.
type Graph struct {
	Def   *schema.GraphDefinition
	Tasks []*schema.TaskDefinition
	Index map[string]int
	Preds [][]int
	Succs [][]int
	Topo  []int
}

// ParseGraph validates def and builds its Graph. Validation failures are
// returned as *schema.ValidationError unchanged.
func ParseGraph(def *schema.GraphDefinition) (*Graph, error) {
	if err := validation.ValidateGraph(def); err != nil {
		return nil, err
	}

	n := len(def.Tasks)
	g := &Graph{
		Def:   def,
		Tasks: make([]*schema.TaskDefinition, n),
		Index: make(map[string]int, n),
		Preds: make([][]int, n),
		Succs: make([][]int, n),
	}
	for i := range def.Tasks {
		g.Tasks[i] = &def.Tasks[i]
		g.Index[def.Tasks[i].ID] = i
	}
	for i, t := range g.Tasks {
		seen := make(map[int]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j := g.Index[dep]
			if seen[j] {
				continue
			}
			seen[j] = true
			g.Preds[i] = append(g.Preds[i], j)
			g.Succs[j] = append(g.Succs[j], i)
		}
	}
	g.Topo = g.topoSort()
	return g, nil
}

// topoSort runs Kahn's algorithm, always releasing the lowest ready index
// first so the order is deterministic for a given definition.
func (g *Graph) topoSort() []int {
	n := len(g.Tasks)
	inDegree := make([]int, n)
	for i := range g.Tasks {
		inDegree[i] = len(g.Preds[i])
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		// Pick the smallest index; ready stays small so a linear scan is fine.
		best := 0
		for k := 1; k < len(ready); k++ {
			if ready[k] < ready[best] {
				best = k
			}
		}
		node := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, node)

		for _, s := range g.Succs[node] {
			inDegree[s]--
			if inDegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	return order
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.Tasks) }

// TaskIDs returns task ids in insertion order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, len(g.Tasks))
	for i, t := range g.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Ancestors returns the transitive predecessors of task i as a set.
func (g *Graph) Ancestors(i int) map[int]bool {
	return g.walk(i, g.Preds)
}

// Descendants returns the transitive successors of task i as a set.
func (g *Graph) Descendants(i int) map[int]bool {
	return g.walk(i, g.Succs)
}

func (g *Graph) walk(start int, edges [][]int) map[int]bool {
	seen := make(map[int]bool)
	stack := append([]int(nil), edges[start]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[u] {
			continue
		}
		seen[u] = true
		stack = append(stack, edges[u]...)
	}
	return seen
}

// ReverseTopo returns the members of set ordered so that every task comes
// before all of its predecessors.
func (g *Graph) ReverseTopo(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := len(g.Topo) - 1; k >= 0; k-- {
		if set[g.Topo[k]] {
			out = append(out, g.Topo[k])
		}
	}
	return out
}

// Levels groups task ids by dependency depth. Tasks in the same level have
// no edges between them.
func (g *Graph) Levels() [][]string {
	depth := make([]int, len(g.Tasks))
	maxLevel := 0
	for _, i := range g.Topo {
		d := 0
		for _, p := range g.Preds[i] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[i] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for i, t := range g.Tasks {
		levels[depth[i]] = append(levels[depth[i]], t.ID)
	}
	return levels
}
