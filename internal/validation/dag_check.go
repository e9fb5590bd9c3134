package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/maestro/pkg/schema"
)

// ValidateGraph is the pre-flight check run before any execution resources
// are committed. It returns nil for a non-empty, referentially complete,
// acyclic graph and a *schema.ValidationError otherwise. It never mutates def.
func ValidateGraph(def *schema.GraphDefinition) error {
	if def == nil || len(def.Tasks) == 0 {
		return schema.NewValidationError(schema.ValidationEmptyGraph, "graph has no tasks")
	}

	// Task ids must be present and unique.
	index := make(map[string]int, len(def.Tasks))
	var dup []string
	for i, t := range def.Tasks {
		if t.ID == "" {
			return schema.NewValidationError(schema.ValidationInvalidTask,
				fmt.Sprintf("task at index %d has an empty id", i))
		}
		if _, ok := index[t.ID]; ok {
			dup = append(dup, t.ID)
			continue
		}
		index[t.ID] = i
	}
	if len(dup) > 0 {
		return schema.NewValidationError(schema.ValidationInvalidTask, "duplicate task ids", dup...)
	}

	// Referential integrity: collect every dangling edge before failing.
	var dangling []string
	var pairs []string
	for _, t := range def.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				dangling = appendUnique(dangling, t.ID, dep)
				pairs = append(pairs, fmt.Sprintf("%s -> %s", t.ID, dep))
			}
		}
	}
	if len(dangling) > 0 {
		return schema.NewValidationError(schema.ValidationDanglingDependency,
			"unknown dependencies: "+strings.Join(pairs, ", "), dangling...)
	}

	if cycle := findCycle(def, index); len(cycle) > 0 {
		return schema.NewValidationError(schema.ValidationCycle, "graph contains a dependency cycle", cycle...)
	}
	return nil
}

// findCycle runs Kahn's algorithm and, if some tasks are never released,
// walks the leftover subgraph with DFS coloring to extract one concrete cycle.
// Returns nil for an acyclic graph.
func findCycle(def *schema.GraphDefinition, index map[string]int) []string {
	n := len(def.Tasks)
	deps := make([][]int, n)       // task -> predecessors
	dependents := make([][]int, n) // task -> successors
	inDegree := make([]int, n)

	for i, t := range def.Tasks {
		seen := make(map[int]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j := index[dep]
			if seen[j] {
				continue
			}
			seen[j] = true
			deps[i] = append(deps[i], j)
			dependents[j] = append(dependents[j], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range dependents[node] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited == n {
		return nil
	}

	// Every task left with inDegree > 0 is on a cycle or downstream of one.
	// Following predecessor edges from any of them must revisit a gray node.
	const (
		white = iota
		gray
		black
	)
	color := make([]int, n)
	stack := make([]int, 0, n)

	var walk func(int) []string
	walk = func(u int) []string {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range deps[u] {
			switch color[v] {
			case gray:
				// Cycle: slice of the stack from v to u, reported in dependency order.
				start := 0
				for k := len(stack) - 1; k >= 0; k-- {
					if stack[k] == v {
						start = k
						break
					}
				}
				ids := make([]string, 0, len(stack)-start)
				for k := len(stack) - 1; k >= start; k-- {
					ids = append(ids, def.Tasks[stack[k]].ID)
				}
				return ids
			case white:
				if c := walk(v); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return nil
	}

	for i := 0; i < n; i++ {
		if inDegree[i] > 0 && color[i] == white {
			if c := walk(i); c != nil {
				return c
			}
		}
	}
	return nil
}

func appendUnique(list []string, ids ...string) []string {
	for _, id := range ids {
		found := false
		for _, existing := range list {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			list = append(list, id)
		}
	}
	return list
}
