package dag

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func buildDiamond(t *testing.T) *DAG {
	t.Helper()
	g := New(nil)
	for _, id := range []string{"wget", "openssl@3", "ca-certificates", "libidn2"} {
		if err := g.AddNode(Node{ID: id}); err != nil {
			t.Fatalf("AddNode(%s): %v", id, err)
		}
	}
	for _, e := range []Edge{
		{From: "wget", To: "openssl@3"},
		{From: "wget", To: "libidn2"},
		{From: "openssl@3", To: "ca-certificates"},
	} {
		if err := g.AddEdge(e); err != nil {
			t.Fatalf("AddEdge(%v): %v", e, err)
		}
	}
	return g
}

func TestAddNodeValidation(t *testing.T) {
	g := New(nil)
	if err := g.AddNode(Node{}); !errors.Is(err, ErrInvalidNodeID) {
		t.Errorf("empty ID: %v", err)
	}
	if err := g.AddNode(Node{ID: "jq"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode(Node{ID: "jq"}); !errors.Is(err, ErrDuplicateNodeID) {
		t.Errorf("duplicate ID: %v", err)
	}
	n, ok := g.Node("jq")
	if !ok || n.Meta == nil {
		t.Error("node Meta should be initialized")
	}
}

func TestAddEdgeValidation(t *testing.T) {
	g := New(nil)
	_ = g.AddNode(Node{ID: "a"})

	if err := g.AddEdge(Edge{From: "missing", To: "a"}); !errors.Is(err, ErrUnknownSourceNode) {
		t.Errorf("unknown source: %v", err)
	}
	if err := g.AddEdge(Edge{From: "a", To: "missing"}); !errors.Is(err, ErrUnknownTargetNode) {
		t.Errorf("unknown target: %v", err)
	}
}

func TestDuplicateEdgesIgnored(t *testing.T) {
	g := New(nil)
	_ = g.AddNode(Node{ID: "a"})
	_ = g.AddNode(Node{ID: "b"})
	_ = g.AddEdge(Edge{From: "a", To: "b"})
	_ = g.AddEdge(Edge{From: "a", To: "b"})

	if len(g.Edges()) != 1 {
		t.Errorf("edges = %d, want 1", len(g.Edges()))
	}
}

func TestAdjacency(t *testing.T) {
	g := buildDiamond(t)

	deps := g.Dependencies("wget")
	if !slices.Contains(deps, "openssl@3") || !slices.Contains(deps, "libidn2") {
		t.Errorf("Dependencies(wget) = %v", deps)
	}
	if got := g.Dependents("ca-certificates"); !slices.Equal(got, []string{"openssl@3"}) {
		t.Errorf("Dependents(ca-certificates) = %v", got)
	}
	if got := g.Roots(); !slices.Equal(got, []string{"wget"}) {
		t.Errorf("Roots() = %v", got)
	}
}

func TestTopoSortDependenciesFirst(t *testing.T) {
	g := buildDiamond(t)

	order, err := g.TopoSort()
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("order = %v", order)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range g.Edges() {
		if pos[e.To] > pos[e.From] {
			t.Errorf("dependency %s sorts after dependent %s: %v", e.To, e.From, order)
		}
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	g := New(nil)
	_ = g.AddNode(Node{ID: "a"})
	_ = g.AddNode(Node{ID: "b"})
	_ = g.AddEdge(Edge{From: "a", To: "b"})
	_ = g.AddEdge(Edge{From: "b", To: "a"})

	_, err := g.TopoSort()
	if !errors.Is(err, ErrGraphHasCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("cycle error should include the path: %v", err)
	}
}
