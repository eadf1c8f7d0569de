package graph

import (
	"errors"
	"testing"
)

func node(id string, deps ...string) Node {
	return Node{ID: id, TaskRef: id, DependsOn: deps}
}

func mustGraph(t *testing.T, nodes ...Node) *Graph {
	t.Helper()
	g, err := New("g", nodes...)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestLevels_Empty(t *testing.T) {
	levels, err := Levels(mustGraph(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 0 {
		t.Fatalf("expected no levels, got %v", levels)
	}
}

func TestLevels_Diamond(t *testing.T) {
	g := mustGraph(t,
		node("a"),
		node("b", "a"),
		node("c", "a"),
		node("d", "b", "c"),
	)
	levels, err := Levels(g)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(levels) != len(want) {
		t.Fatalf("expected %d levels, got %v", len(want), levels)
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("level %d: expected %v, got %v", i, want[i], levels[i])
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Fatalf("level %d: expected %v, got %v", i, want[i], levels[i])
			}
		}
	}
}

// Every node appears exactly once and strictly after all its dependencies.
func TestLevels_OrderingInvariant(t *testing.T) {
	g := mustGraph(t,
		node("fetch"),
		node("parse", "fetch"),
		node("score", "parse"),
		node("audit", "fetch"),
		node("report", "score", "audit"),
		node("lint"),
	)
	levels, err := Levels(g)
	if err != nil {
		t.Fatal(err)
	}

	position := make(map[string]int)
	for i, level := range levels {
		for _, id := range level {
			if _, seen := position[id]; seen {
				t.Fatalf("node %s appears twice", id)
			}
			position[id] = i
		}
	}
	if len(position) != len(g.Nodes) {
		t.Fatalf("expected %d nodes in levels, got %d", len(g.Nodes), len(position))
	}
	for id, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if position[dep] >= position[id] {
				t.Errorf("dependency %s of %s not in a strictly earlier level", dep, id)
			}
		}
	}
}

func TestLevels_CycleDetected(t *testing.T) {
	g := mustGraph(t,
		node("a", "c"),
		node("b", "a"),
		node("c", "b"),
		node("free"),
	)
	_, err := Levels(g)
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	// The reported set must contain at least one node from the actual cycle.
	onCycle := map[string]bool{"a": true, "b": true, "c": true}
	found := false
	for _, id := range cyc.NodeIDs {
		if onCycle[id] {
			found = true
		}
		if id == "free" {
			t.Errorf("node outside the cycle reported: %s", id)
		}
	}
	if !found {
		t.Fatalf("no cycle member in reported nodes %v", cyc.NodeIDs)
	}
}

func TestValidate_RejectsSelfLoop(t *testing.T) {
	if _, err := New("g", Node{ID: "a", TaskRef: "a", DependsOn: []string{"a"}}); err == nil {
		t.Fatal("expected self-loop rejection")
	}
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	if _, err := New("g", Node{ID: "a", TaskRef: "a", DependsOn: []string{"ghost"}}); err == nil {
		t.Fatal("expected unknown dependency rejection")
	}
}

func TestEntryNodes(t *testing.T) {
	g := mustGraph(t, node("b", "a"), node("a"), node("c"))
	entries := g.EntryNodes()
	if len(entries) != 2 || entries[0] != "a" || entries[1] != "c" {
		t.Fatalf("expected entries [a c], got %v", entries)
	}
}
