// Package depgraph holds the objective dependency graph: cycle-checked edge
// insertion, reachability, and release gating over finish-to-start edges.
package depgraph

import (
	"fmt"
	"sort"

	"forecastline/internal/domain"
)

type arc struct {
	to   int
	edge string
}

type node struct {
	id  string
	out []arc
	in  []arc
}

// Graph is an adjacency list keyed by objective ID. Nodes live in an arena
// and are addressed by index; edges are addressed by their dependency ID.
// A Graph is not safe for concurrent mutation.
type Graph struct {
	index map[string]int
	nodes []node
	edges map[string]domain.ObjectiveDependency
	pairs map[[2]int]string
}

func New() *Graph {
	return &Graph{
		index: map[string]int{},
		edges: map[string]domain.ObjectiveDependency{},
		pairs: map[[2]int]string{},
	}
}

// Build loads deps into a fresh graph. Stored data that violates the graph
// invariants is reported rather than silently accepted.
func Build(deps []domain.ObjectiveDependency) (*Graph, error) {
	g := New()
	for _, d := range deps {
		if err := g.AddEdge(d); err != nil {
			return nil, fmt.Errorf("load dependency %s: %w", d.ID, err)
		}
	}
	return g, nil
}

func (g *Graph) lookup(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

func (g *Graph) ensure(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	g.nodes = append(g.nodes, node{id: id})
	i := len(g.nodes) - 1
	g.index[id] = i
	return i
}

// AddNode registers an objective without edges.
func (g *Graph) AddNode(id string) {
	g.ensure(id)
}

func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// HasEdge reports whether any edge predecessor -> successor exists.
func (g *Graph) HasEdge(predecessorID, successorID string) bool {
	p, ok := g.lookup(predecessorID)
	if !ok {
		return false
	}
	s, ok := g.lookup(successorID)
	if !ok {
		return false
	}
	_, ok = g.pairs[[2]int{p, s}]
	return ok
}

// CheckEdge validates that predecessor -> successor could be inserted.
func (g *Graph) CheckEdge(predecessorID, successorID string) error {
	if predecessorID == successorID {
		return &domain.CycleError{PredecessorID: predecessorID, SuccessorID: successorID, Path: []string{successorID}}
	}
	if g.HasEdge(predecessorID, successorID) {
		return fmt.Errorf("%s -> %s: %w", predecessorID, successorID, domain.ErrDuplicateEdge)
	}
	if path := g.PathBetween(successorID, predecessorID); path != nil {
		return &domain.CycleError{PredecessorID: predecessorID, SuccessorID: successorID, Path: path}
	}
	return nil
}

// AddEdge inserts dep after CheckEdge succeeds.
func (g *Graph) AddEdge(dep domain.ObjectiveDependency) error {
	if err := g.CheckEdge(dep.PredecessorID, dep.SuccessorID); err != nil {
		return err
	}
	if _, ok := g.edges[dep.ID]; ok {
		return fmt.Errorf("edge id %s: %w", dep.ID, domain.ErrDuplicateEdge)
	}
	p := g.ensure(dep.PredecessorID)
	s := g.ensure(dep.SuccessorID)
	g.nodes[p].out = append(g.nodes[p].out, arc{to: s, edge: dep.ID})
	g.nodes[s].in = append(g.nodes[s].in, arc{to: p, edge: dep.ID})
	g.edges[dep.ID] = dep
	g.pairs[[2]int{p, s}] = dep.ID
	return nil
}

// RemoveEdge deletes the edge with the given dependency ID.
func (g *Graph) RemoveEdge(id string) error {
	dep, ok := g.edges[id]
	if !ok {
		return domain.NotFoundf("dependency %s", id)
	}
	p := g.index[dep.PredecessorID]
	s := g.index[dep.SuccessorID]
	g.nodes[p].out = dropArc(g.nodes[p].out, id)
	g.nodes[s].in = dropArc(g.nodes[s].in, id)
	delete(g.edges, id)
	delete(g.pairs, [2]int{p, s})
	return nil
}

func dropArc(arcs []arc, edgeID string) []arc {
	out := arcs[:0]
	for _, a := range arcs {
		if a.edge != edgeID {
			out = append(out, a)
		}
	}
	return out
}

// Edges returns every edge ordered by predecessor, successor.
func (g *Graph) Edges() []domain.ObjectiveDependency {
	res := make([]domain.ObjectiveDependency, 0, len(g.edges))
	for _, d := range g.edges {
		res = append(res, d)
	}
	sortEdges(res)
	return res
}

// Reaches reports whether a directed path from -> to exists.
func (g *Graph) Reaches(from, to string) bool {
	return g.PathBetween(from, to) != nil
}

// PathBetween returns the node IDs of one directed path from -> to, or nil.
// The search is an iterative DFS bounded by a visited set, O(V+E).
func (g *Graph) PathBetween(from, to string) []string {
	start, ok := g.lookup(from)
	if !ok {
		return nil
	}
	target, ok := g.lookup(to)
	if !ok {
		return nil
	}
	if start == target {
		return []string{from}
	}
	visited := make([]bool, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}
	stack := []int{start}
	visited[start] = true
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, a := range g.nodes[cur].out {
			if visited[a.to] {
				continue
			}
			visited[a.to] = true
			parent[a.to] = cur
			if a.to == target {
				return g.trace(parent, target)
			}
			stack = append(stack, a.to)
		}
	}
	return nil
}

func (g *Graph) trace(parent []int, end int) []string {
	var rev []string
	for cur := end; cur != -1; cur = parent[cur] {
		rev = append(rev, g.nodes[cur].id)
	}
	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}

// Predecessors returns the edges ending at id, optionally filtered by type.
func (g *Graph) Predecessors(id string, types ...domain.DependencyType) []domain.ObjectiveDependency {
	i, ok := g.lookup(id)
	if !ok {
		return nil
	}
	return g.collect(g.nodes[i].in, types)
}

// Successors returns the edges starting at id, optionally filtered by type.
func (g *Graph) Successors(id string, types ...domain.DependencyType) []domain.ObjectiveDependency {
	i, ok := g.lookup(id)
	if !ok {
		return nil
	}
	return g.collect(g.nodes[i].out, types)
}

func (g *Graph) collect(arcs []arc, types []domain.DependencyType) []domain.ObjectiveDependency {
	var res []domain.ObjectiveDependency
	for _, a := range arcs {
		d := g.edges[a.edge]
		if len(types) > 0 && !hasType(types, d.Type) {
			continue
		}
		res = append(res, d)
	}
	sortEdges(res)
	return res
}

func hasType(types []domain.DependencyType, t domain.DependencyType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// Subgraph returns a copy restricted to ids; edges leaving the set are dropped.
func (g *Graph) Subgraph(ids []string) *Graph {
	keep := make(map[string]bool, len(ids))
	sub := New()
	for _, id := range ids {
		keep[id] = true
		sub.ensure(id)
	}
	for _, d := range g.Edges() {
		if keep[d.PredecessorID] && keep[d.SuccessorID] {
			// g is acyclic, so its restriction is too.
			_ = sub.AddEdge(d)
		}
	}
	return sub
}

// TopologicalOrder returns every node so that each edge's predecessor comes
// before its successor, considering only the given edge types (all when
// empty). Ready nodes are emitted in ID order for determinism.
func (g *Graph) TopologicalOrder(types ...domain.DependencyType) ([]string, error) {
	indeg := make([]int, len(g.nodes))
	for _, d := range g.edges {
		if len(types) > 0 && !hasType(types, d.Type) {
			continue
		}
		indeg[g.index[d.SuccessorID]]++
	}
	var ready []string
	for i, n := range g.nodes {
		if indeg[i] == 0 {
			ready = append(ready, n.id)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, a := range g.nodes[g.index[id]].out {
			if len(types) > 0 && !hasType(types, g.edges[a.edge].Type) {
				continue
			}
			indeg[a.to]--
			if indeg[a.to] == 0 {
				ready = append(ready, g.nodes[a.to].id)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, domain.ErrCycleDetected
	}
	return order, nil
}

func sortEdges(edges []domain.ObjectiveDependency) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].PredecessorID != edges[j].PredecessorID {
			return edges[i].PredecessorID < edges[j].PredecessorID
		}
		if edges[i].SuccessorID != edges[j].SuccessorID {
			return edges[i].SuccessorID < edges[j].SuccessorID
		}
		return edges[i].ID < edges[j].ID
	})
}
