// Package dag provides the directed acyclic graph backing dependency
// resolution.
//
// Nodes are packages, edges point from a dependent to its dependency, and
// [DAG.TopoSort] yields the dependencies-before-dependents order the install
// planner links in. [ToDOT] and [RenderSVG] export the graph for inspection
// with `zb deps`.
//
// # Example
//
//	g := dag.New(nil)
//	_ = g.AddNode(dag.Node{ID: "wget"})
//	_ = g.AddNode(dag.Node{ID: "openssl@3"})
//	_ = g.AddEdge(dag.Edge{From: "wget", To: "openssl@3"})
//	order, _ := g.TopoSort() // ["openssl@3", "wget"]
package dag
