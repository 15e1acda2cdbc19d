package workflow

import (
	"fmt"
	"sort"
)

// ExecutionPlan is the product of DAG analysis. The scheduler consumes
// Dependencies and Dependents directly; Layers only seeds the initial
// ready-set and gives observers a parallelism estimate.
type ExecutionPlan struct {
	// Layers groups node ids by longest path from a root: every node in
	// layer k has at least one dependency in layer k-1 and none deeper.
	// All nodes within a layer may run fully in parallel. Each layer is
	// sorted lexicographically for deterministic replay.
	Layers [][]string

	// Dependencies maps node id -> ids of its immediate upstream nodes.
	Dependencies map[string][]string

	// Dependents maps node id -> ids of its immediate downstream nodes.
	Dependents map[string][]string
}

// Roots returns the ids of nodes with no dependencies, sorted.
func (p *ExecutionPlan) Roots() []string {
	if len(p.Layers) == 0 {
		return nil
	}
	roots := make([]string, len(p.Layers[0]))
	copy(roots, p.Layers[0])
	return roots
}

// Width returns the size of the widest layer, an upper bound on useful
// parallelism for the plan.
func (p *ExecutionPlan) Width() int {
	max := 0
	for _, layer := range p.Layers {
		if len(layer) > max {
			max = len(layer)
		}
	}
	return max
}

// Plan analyzes the workflow with Kahn's algorithm and produces an
// ExecutionPlan. It fails with ErrEmptyGraph when the workflow has no nodes,
// ErrDanglingEdge when an edge names an unknown node, and ErrCycleDetected
// when the algorithm terminates with unvisited nodes.
//
// Edge conditions are not evaluated here; gating on outputs is the
// scheduler's concern once outputs exist.
func Plan(w *Workflow) (*ExecutionPlan, error) {
	if len(w.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	nodeSet := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		nodeSet[n.ID] = true
	}

	deps := make(map[string][]string, len(w.Nodes))
	dependents := make(map[string][]string, len(w.Nodes))
	inDegree := make(map[string]int, len(w.Nodes))
	for _, n := range w.Nodes {
		inDegree[n.ID] = 0
	}

	seen := make(map[[2]string]bool, len(w.Edges))
	for _, e := range w.Edges {
		if !nodeSet[e.Source] {
			return nil, fmt.Errorf("%w: source node '%s'", ErrDanglingEdge, e.Source)
		}
		if !nodeSet[e.Target] {
			return nil, fmt.Errorf("%w: target node '%s'", ErrDanglingEdge, e.Target)
		}
		// Parallel edges between the same pair count once for readiness.
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true

		dependents[e.Source] = append(dependents[e.Source], e.Target)
		deps[e.Target] = append(deps[e.Target], e.Source)
		inDegree[e.Target]++
	}

	// Kahn's algorithm, grouped by longest-path-from-root so each wave of
	// newly freed nodes forms the next layer.
	frontier := make([]string, 0, len(w.Nodes))
	for id, d := range inDegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	var layers [][]string
	visited := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		layer := make([]string, len(frontier))
		copy(layer, frontier)
		layers = append(layers, layer)
		visited += len(layer)

		var next []string
		for _, id := range layer {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if visited != len(w.Nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes unreachable from roots", ErrCycleDetected, len(w.Nodes)-visited, len(w.Nodes))
	}

	// Deterministic adjacency ordering: input assembly and skip propagation
	// iterate these in lexicographic order.
	for _, list := range deps {
		sort.Strings(list)
	}
	for _, list := range dependents {
		sort.Strings(list)
	}

	return &ExecutionPlan{
		Layers:       layers,
		Dependencies: deps,
		Dependents:   dependents,
	}, nil
}
