// Package dag maintains the in-memory graph mirror of a run's persisted
// nodes and edges. The graph is owned by one supervisor; only the scheduler
// mutates node status (single-writer discipline), so reads from other
// goroutines go through snapshot accessors guarded by a short-lived mutex.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// ErrInvalidTopology is returned when an edge insertion would create a cycle
// or reference a missing node.
var ErrInvalidTopology = errors.New("invalid topology")

// Graph is the in-memory DAG for one run.
type Graph struct {
	runID string

	mu       sync.RWMutex
	nodes    map[string]*models.Node
	adj      map[string][]string // source -> targets
	radj     map[string][]string // target -> sources
	indegree map[string]int
}

// New creates an empty graph for the given run.
func New(runID string) *Graph {
	return &Graph{
		runID:    runID,
		nodes:    make(map[string]*models.Node),
		adj:      make(map[string][]string),
		radj:     make(map[string][]string),
		indegree: make(map[string]int),
	}
}

// RunID returns the owning run.
func (g *Graph) RunID() string { return g.runID }

// AddNode inserts a node, or replaces its metadata if it already exists.
// Status of an existing node is preserved.
func (g *Graph) AddNode(n *models.Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.nodes[n.NodeID]; ok {
		status := existing.Status
		cp := *n
		cp.Status = status
		g.nodes[n.NodeID] = &cp
		return
	}
	cp := *n
	if cp.Status == "" {
		cp.Status = models.NodePending
	}
	g.nodes[n.NodeID] = &cp
	if _, ok := g.indegree[n.NodeID]; !ok {
		g.indegree[n.NodeID] = 0
	}
}

// AddEdge inserts a directed dependency. Duplicate edges are idempotent.
// An edge referencing a missing node or closing a cycle fails with
// ErrInvalidTopology.
func (g *Graph) AddEdge(source, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("%w: edge source %q not in graph", ErrInvalidTopology, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("%w: edge target %q not in graph", ErrInvalidTopology, target)
	}
	if source == target {
		return fmt.Errorf("%w: self edge on %q", ErrInvalidTopology, source)
	}
	for _, t := range g.adj[source] {
		if t == target {
			return nil
		}
	}
	if g.reachableLocked(target, source) {
		return fmt.Errorf("%w: edge %s->%s closes a cycle", ErrInvalidTopology, source, target)
	}

	g.adj[source] = append(g.adj[source], target)
	g.radj[target] = append(g.radj[target], source)
	g.indegree[target]++
	return nil
}

// reachableLocked reports whether to is reachable from from. Caller holds mu.
func (g *Graph) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	stack := []string{from}
	seen := map[string]bool{from: true}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.adj[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Node returns a copy of the node, or nil if absent.
func (g *Graph) Node(nodeID string) *models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

// SetStatus updates a node's status. Only the scheduler calls this.
func (g *Graph) SetStatus(nodeID string, status models.NodeStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[nodeID]
	if !ok {
		return false
	}
	n.Status = status
	return true
}

// Update applies fn to the stored node under the lock. Only the scheduler
// calls this; fn must not retain the pointer.
func (g *Graph) Update(nodeID string, fn func(*models.Node)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[nodeID]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// ReadySet returns the IDs of pending nodes whose predecessors are all in
// {completed, skipped}, in deterministic (sorted) order.
func (g *Graph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, n := range g.nodes {
		if n.Status != models.NodePending {
			continue
		}
		ok := true
		for _, pred := range g.radj[id] {
			ps := g.nodes[pred].Status
			if ps != models.NodeCompleted && ps != models.NodeSkipped {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Successors returns the direct successors of a node.
func (g *Graph) Successors(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.adj[nodeID]))
	copy(out, g.adj[nodeID])
	return out
}

// Predecessors returns the direct predecessors of a node.
func (g *Graph) Predecessors(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.radj[nodeID]))
	copy(out, g.radj[nodeID])
	return out
}

// Descendants returns every node reachable from nodeID (excluding itself).
func (g *Graph) Descendants(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	seen := map[string]bool{}
	stack := append([]string{}, g.adj[nodeID]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, g.adj[n]...)
	}
	sort.Strings(out)
	return out
}

// Nodes returns copies of all nodes, sorted by node ID.
func (g *Graph) Nodes() []*models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Edges returns all edges, sorted for determinism.
func (g *Graph) Edges() []models.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.Edge
	for src, targets := range g.adj {
		for _, t := range targets {
			out = append(out, models.Edge{SourceNodeID: src, TargetNodeID: t, RunID: g.runID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceNodeID != out[j].SourceNodeID {
			return out[i].SourceNodeID < out[j].SourceNodeID
		}
		return out[i].TargetNodeID < out[j].TargetNodeID
	})
	return out
}

// AllTerminal reports whether every node is in a terminal status.
func (g *Graph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !models.TerminalNodeStatus(n.Status) {
			return false
		}
	}
	return true
}

// NonTerminal returns the IDs of nodes not yet in a terminal status.
func (g *Graph) NonTerminal() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for id, n := range g.nodes {
		if !models.TerminalNodeStatus(n.Status) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Layers computes topological layers via Kahn's algorithm, used for layout
// and for parallel batch planning. Nodes within a layer are sorted.
func (g *Graph) Layers() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[string]int, len(g.indegree))
	for id := range g.nodes {
		indeg[id] = g.indegree[id]
	}

	var layers [][]string
	var current []string
	for id, d := range indeg {
		if d == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	for len(current) > 0 {
		layers = append(layers, current)
		var next []string
		for _, id := range current {
			for _, succ := range g.adj[id] {
				indeg[succ]--
				if indeg[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	return layers
}

// FromPersisted rebuilds a graph from stored nodes and edges, preserving
// persisted statuses. Used on supervisor start and resume.
func FromPersisted(runID string, nodes []*models.Node, edges []models.Edge) (*Graph, error) {
	g := New(runID)
	for _, n := range nodes {
		cp := *n
		g.nodes[cp.NodeID] = &cp
		g.indegree[cp.NodeID] = 0
	}
	for _, e := range edges {
		if err := g.AddEdge(e.SourceNodeID, e.TargetNodeID); err != nil {
			return nil, fmt.Errorf("rebuild graph for run %s: %w", runID, err)
		}
	}
	return g, nil
}
