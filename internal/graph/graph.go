// Package graph builds the stage dependency graph of a workflow and derives
// its deterministic execution order.
//
// A Graph is immutable once built. Build rejects duplicate stage ids,
// dependencies on undeclared stages and cycles, so every Graph in hand is a
// closed DAG.
//
// Ordering is Kahn's algorithm with a min-heap keyed by declaration index:
// among stages whose dependencies are all satisfied, the one declared first
// runs first. The same workflow therefore always runs in the same order.
package graph

import (
	"container/heap"
	"fmt"

	"github.com/roach88/repro/internal/ir"
)

// Graph is a validated stage dependency graph.
type Graph struct {
	stages   []ir.Stage
	index    map[string]int
	incoming [][]int // dependencies, in declaration order of the dependency list
	outgoing [][]int // dependents, ascending by declaration index
	order    []string
}

// Build validates the stages and constructs their graph.
//
// Errors are *DuplicateStageError, *UnknownDependencyError or *CycleError;
// all match ir.ErrConfiguration.
func Build(stages []ir.Stage) (*Graph, error) {
	g := &Graph{
		stages:   stages,
		index:    make(map[string]int, len(stages)),
		incoming: make([][]int, len(stages)),
		outgoing: make([][]int, len(stages)),
	}

	for i, s := range stages {
		if s.ID == "" {
			return nil, ir.NewConfigurationError(fmt.Sprintf("stages[%d].id", i), "stage id is empty")
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, &DuplicateStageError{StageID: s.ID}
		}
		g.index[s.ID] = i
	}

	for i, s := range stages {
		seen := make(map[int]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			j, ok := g.index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Stage: s.ID, Dependency: dep}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.incoming[i] = append(g.incoming[i], j)
			g.outgoing[j] = append(g.outgoing[j], i)
		}
	}

	order := g.topoOrderIndices()
	if len(order) != len(stages) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	g.order = make([]string, len(order))
	for i, idx := range order {
		g.order[i] = stages[idx].ID
	}
	return g, nil
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Has reports whether the graph contains a stage.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Stage returns the stage with the given id.
func (g *Graph) Stage(id string) (ir.Stage, bool) {
	i, ok := g.index[id]
	if !ok {
		return ir.Stage{}, false
	}
	return g.stages[i], true
}

// TopologicalOrder returns the stage ids so that every dependency precedes
// its dependents. Ties are broken by declaration order.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the direct dependencies of a stage.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(g.incoming[i]))
	for k, j := range g.incoming[i] {
		out[k] = g.stages[j].ID
	}
	return out
}

// Dependents returns every stage that transitively depends on id, in
// topological order.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	reached := make([]bool, len(g.stages))
	stack := []int{i}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range g.outgoing[n] {
			if !reached[m] {
				reached[m] = true
				stack = append(stack, m)
			}
		}
	}

	var out []string
	for _, sid := range g.order {
		if reached[g.index[sid]] {
			out = append(out, sid)
		}
	}
	return out
}

// Subgraph returns the graph restricted to target and its transitive
// dependencies. Declaration order is preserved, so the subgraph orders its
// stages exactly as the full graph would.
func (g *Graph) Subgraph(target string) (*Graph, error) {
	t, ok := g.index[target]
	if !ok {
		return nil, ir.NewConfigurationError("target", fmt.Sprintf("unknown stage %q", target))
	}

	keep := make([]bool, len(g.stages))
	keep[t] = true
	stack := []int{t}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range g.incoming[n] {
			if !keep[m] {
				keep[m] = true
				stack = append(stack, m)
			}
		}
	}

	stages := make([]ir.Stage, 0, len(g.stages))
	for i, s := range g.stages {
		if keep[i] {
			stages = append(stages, s)
		}
	}
	return Build(stages)
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns declaration indices in execution order. If the
// result is shorter than the stage count, the remainder lies on a cycle.
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.stages))
	for i := range g.stages {
		indeg[i] = len(g.incoming[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one cycle by depth-first search over declaration
// indices. The returned path follows dependency edges and ends where it
// starts, e.g. [a b c a] when a depends on b, b on c and c on a.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	state := make([]int, len(g.stages))
	parent := make([]int, len(g.stages))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var visit func(u int) bool
	visit = func(u int) bool {
		state[u] = inProgress
		for _, v := range g.incoming[u] {
			switch state[v] {
			case unvisited:
				parent[v] = u
				if visit(v) {
					return true
				}
			case inProgress:
				// Back edge u -> v closes v -> ... -> u -> v.
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		state[u] = done
		return false
	}

	for i := range g.stages {
		if state[i] == unvisited && visit(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	// cycle holds u, parent(u), ..., v: reverse it into edge order from v.
	out := make([]string, 0, len(cycle)+1)
	for k := len(cycle) - 1; k >= 0; k-- {
		out = append(out, g.stages[cycle[k]].ID)
	}
	return append(out, out[0])
}
