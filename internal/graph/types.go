// Package graph runs a dependency graph of task executors: nodes declare
// the nodes they depend on, the scheduler groups them into parallel levels,
// and the executor drives the levels to completion.
package graph

import (
	"fmt"
	"sort"
)

// Node is one unit of work plus its declared dependencies. Dependencies are
// plain ids, so a cyclic declaration is just data the scheduler rejects, not
// an illegal object graph.
type Node struct {
	ID        string   `json:"id"`
	TaskRef   string   `json:"task_ref"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Graph is immutable once submitted for a run.
type Graph struct {
	ID    string          `json:"id"`
	Nodes map[string]Node `json:"nodes"`
}

// New builds a validated graph from a node list.
func New(id string, nodes ...Node) (*Graph, error) {
	g := &Graph{ID: id, Nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.Nodes[n.ID] = n
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks structural invariants: no self-loops, every dependency
// references a known node. Acyclicity is checked separately by Levels.
func (g *Graph) Validate() error {
	for id, n := range g.Nodes {
		if n.ID != id {
			return fmt.Errorf("node keyed %q carries id %q", id, n.ID)
		}
		if n.TaskRef == "" {
			return fmt.Errorf("node %q has no task reference", id)
		}
		for _, dep := range n.DependsOn {
			if dep == id {
				return fmt.Errorf("node %q depends on itself", id)
			}
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", id, dep)
			}
		}
	}
	return nil
}

// EntryNodes returns the ids of nodes with no dependencies, sorted.
func (g *Graph) EntryNodes() []string {
	var entries []string
	for id, n := range g.Nodes {
		if len(n.DependsOn) == 0 {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}
