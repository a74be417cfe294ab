package dag

import (
	"strings"
	"testing"
)

func TestToDOT(t *testing.T) {
	g := New(nil)
	_ = g.AddNode(Node{ID: "wget", Meta: Metadata{"version": "1.24.5"}})
	_ = g.AddNode(Node{ID: "openssl@3"})
	_ = g.AddEdge(Edge{From: "wget", To: "openssl@3"})

	dot := ToDOT(g, DotOptions{})
	for _, want := range []string{
		"digraph deps {",
		`"wget" [label="wget"];`,
		`"wget" -> "openssl@3";`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT missing %q:\n%s", want, dot)
		}
	}
}

func TestToDOTDetailedIncludesMeta(t *testing.T) {
	g := New(nil)
	_ = g.AddNode(Node{ID: "wget", Meta: Metadata{"version": "1.24.5"}})

	dot := ToDOT(g, DotOptions{Detailed: true})
	if !strings.Contains(dot, "version: 1.24.5") {
		t.Errorf("detailed DOT should include metadata:\n%s", dot)
	}
}
