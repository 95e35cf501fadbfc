// Package depgraph implements C2: building the dependency DAG over a
// set of specs, cycle detection, and topological batching, per
// spec.md §4.2.
package depgraph

import (
	"fmt"

	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/ferrors"
)

// Node describes one spec's graph-relevant state.
type Node struct {
	ID       string
	Type     domain.SpecType
	Status   domain.SpecStatus
	Assignee string
}

// Edge is a directed dependency edge, dependent -> dependency.
type Edge struct {
	From     string
	To       string
	Kind     domain.DependencyKind
	External bool // To is not in the node set
}

// Graph is the dependency DAG for one run.
type Graph struct {
	Nodes map[string]Node
	// Edges indexed by the dependent spec, in insertion order, for
	// deterministic traversal (spec.md §4.2's determinism requirement).
	Edges map[string][]Edge
	Order []string // node insertion order
}

func newGraph() *Graph {
	return &Graph{Nodes: map[string]Node{}, Edges: map[string][]Edge{}}
}

// BuildGraph reads metadata for the requested specs only and builds the
// DAG. A dependency target outside the requested set becomes an
// External edge plus a warning; a requested spec with no record is a
// hard error. metaOf must return (nil, nil) for a spec with no record.
func BuildGraph(specNames []string, metaOf func(spec string) (*domain.Metadata, error)) (*Graph, []string, error) {
	g := newGraph()
	var warnings []string

	requested := make(map[string]bool, len(specNames))
	for _, n := range specNames {
		requested[n] = true
	}

	for _, name := range specNames {
		m, err := metaOf(name)
		if err != nil {
			return nil, nil, ferrors.Wrap("depgraph.build_graph", name, err)
		}
		if m == nil {
			return nil, nil, ferrors.Wrap("depgraph.build_graph", name, ferrors.ErrSpecDirMissing)
		}
		g.Nodes[name] = Node{ID: name, Type: m.Type, Status: m.Status.Current}
		g.Order = append(g.Order, name)
	}

	for _, name := range specNames {
		m, _ := metaOf(name)
		for _, dep := range m.Dependencies {
			if dep.Spec == name {
				return nil, nil, ferrors.Wrap("depgraph.build_graph", name, fmt.Errorf("%w: self-dependency", ferrors.ErrInvalidMetadata))
			}
			_, known := g.Nodes[dep.Spec]
			if !known {
				if requested[dep.Spec] {
					return nil, nil, ferrors.Wrap("depgraph.build_graph", name,
						fmt.Errorf("%w: %s -> %s", ferrors.ErrUnknownDependency, name, dep.Spec))
				}
				warnings = append(warnings, fmt.Sprintf("spec %s depends on %s, which is outside this run", name, dep.Spec))
			}
			g.Edges[name] = append(g.Edges[name], Edge{From: name, To: dep.Spec, Kind: dep.Type, External: !known})
		}
	}

	return g, warnings, nil
}

// DetectCycle runs an iterative DFS with a recursion set over g, in
// node-insertion order, and returns the witnessing cycle (start vertex
// repeated at the end) on first detection.
func DetectCycle(g *Graph) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.Nodes))
	parent := make(map[string]string)

	var dfs func(start string) []string
	dfs = func(start string) []string {
		type frame struct {
			node string
			idx  int
		}
		stack := []frame{{node: start}}
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.Edges[top.node]
			if top.idx >= len(edges) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			edge := edges[top.idx]
			top.idx++
			if edge.External {
				continue
			}
			switch color[edge.To] {
			case white:
				color[edge.To] = gray
				parent[edge.To] = top.node
				stack = append(stack, frame{node: edge.To})
			case gray:
				// Found a back-edge: reconstruct the cycle start..edge.To.
				path := []string{edge.To}
				cur := top.node
				for cur != edge.To {
					path = append(path, cur)
					cur = parent[cur]
				}
				path = append(path, edge.To)
				reverse(path)
				return path
			}
		}
		return nil
	}

	for _, id := range g.Order {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ComputeBatches performs a Kahn-style layered topological sort. Batch k
// contains every unassigned spec whose in-run dependencies are entirely
// in batches 0..k-1. Within a batch, order follows specNames' input
// order (spec.md §4.2's determinism requirement).
func ComputeBatches(g *Graph, specNames []string) ([][]string, error) {
	remaining := make(map[string]bool, len(specNames))
	for _, n := range specNames {
		remaining[n] = true
	}

	placed := make(map[string]bool, len(specNames))
	var batches [][]string

	for len(remaining) > 0 {
		var batch []string
		for _, name := range specNames {
			if !remaining[name] {
				continue
			}
			if allDepsPlaced(g, name, placed) {
				batch = append(batch, name)
			}
		}
		if len(batch) == 0 {
			return nil, ferrors.Wrap("depgraph.compute_batches", "", ferrors.ErrCycleDetected)
		}
		for _, name := range batch {
			placed[name] = true
			delete(remaining, name)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func allDepsPlaced(g *Graph, spec string, placed map[string]bool) bool {
	for _, e := range g.Edges[spec] {
		if e.External {
			continue
		}
		if !placed[e.To] {
			return false
		}
	}
	return true
}

// GetReady returns specs eligible to dispatch: not already
// completed/in-progress/blocked, with every requires-completion
// dependency completed. Optional dependencies never block; a
// requires-interface dependency is satisfied by the target being
// in-progress or completed.
func GetReady(g *Graph) []string {
	var ready []string
	for _, name := range g.Order {
		node := g.Nodes[name]
		if node.Status == domain.SpecStatusCompleted || node.Status == domain.SpecStatusInProgress || node.Status == domain.SpecStatusBlocked {
			continue
		}
		if specReady(g, name) {
			ready = append(ready, name)
		}
	}
	return ready
}

func specReady(g *Graph, spec string) bool {
	for _, e := range g.Edges[spec] {
		if e.External || e.Kind == domain.DependencyOptional {
			continue
		}
		target, ok := g.Nodes[e.To]
		if !ok {
			continue
		}
		switch e.Kind {
		case domain.DependencyRequiresCompletion:
			if target.Status != domain.SpecStatusCompleted {
				return false
			}
		case domain.DependencyRequiresInterface:
			if target.Status != domain.SpecStatusInProgress && target.Status != domain.SpecStatusCompleted {
				return false
			}
		}
	}
	return true
}

// Reachable returns every spec reachable by reversing dependency edges
// from start (i.e. every spec that transitively depends on start),
// used by failure propagation (spec.md §4.7 step 5).
func Reachable(g *Graph, specNames []string, start string) []string {
	reverse := make(map[string][]string, len(g.Nodes))
	for _, dependent := range specNames {
		for _, e := range g.Edges[dependent] {
			if !e.External {
				reverse[e.To] = append(reverse[e.To], dependent)
			}
		}
	}

	visited := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependent := range reverse[cur] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	return out
}
