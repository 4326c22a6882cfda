package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Overlay marks the steps of an execution point with the execution's state.
type Overlay struct {
	Point string
	State schema.ExecutionState
}

// Build constructs a Model from flow. overlay may be nil.
func Build[T engine.UserContext](title string, flow *engine.Flow[T], overlay *Overlay) *Model {
	var path []string
	status := ""
	if overlay != nil {
		path = engine.ParseExecutionPoint(overlay.Point)
		status = string(overlay.State)
	}

	nodes := []*Node{{ID: StartID, Label: "Start", Kind: NodeKindStart}}
	edges := []Edge{{From: StartID, To: flow.Start()}}
	for _, id := range flow.Steps() {
		n, _ := flow.Node(id)
		node := stepToNode(n, id)
		if len(path) > 0 && path[0] == id {
			node.Status = status
		}
		if sub := n.Subflow(); sub != nil {
			node.Children = []*SubGraph{subGraph(id, sub, tail(path, id), status)}
		}
		nodes = append(nodes, node)
		edges = append(edges, stepEdges(n, id, EndID)...)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title:  title,
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(nodes, edges),
	}
}

// subGraph flattens a nested flow, recursing into its own subflows.
func subGraph[T engine.UserContext](prefix string, flow *engine.Flow[T], path []string, status string) *SubGraph {
	sg := &SubGraph{Label: prefix}
	qualify := func(id string) string { return prefix + "." + id }
	for _, id := range flow.Steps() {
		n, _ := flow.Node(id)
		node := stepToNode(n, qualify(id))
		node.Label = id
		if len(path) > 0 && path[0] == id {
			node.Status = status
		}
		sg.Nodes = append(sg.Nodes, node)
		for _, e := range stepEdges(n, id, "") {
			if e.To == "" {
				continue
			}
			e.From, e.To = qualify(e.From), qualify(e.To)
			sg.Edges = append(sg.Edges, e)
		}
		if sub := n.Subflow(); sub != nil {
			nested := subGraph(qualify(id), sub, tail(path, id), status)
			sg.Nodes = append(sg.Nodes, nested.Nodes...)
			sg.Edges = append(sg.Edges, nested.Edges...)
		}
	}
	return sg
}

// tail drops the head of path when it is id.
func tail(path []string, id string) []string {
	if len(path) > 0 && path[0] == id {
		return path[1:]
	}
	return nil
}

func stepToNode[T engine.UserContext](n *engine.Node[T], id string) *Node {
	node := &Node{ID: id, Label: id, PauseAfter: n.PauseAfter()}
	switch n.Kind() {
	case engine.KindRouter:
		node.Kind = NodeKindRouter
	case engine.KindSubflow:
		node.Kind = NodeKindSubflow
	default:
		node.Kind = NodeKindAction
		if n.Conditional() {
			node.Kind = NodeKindConditional
		}
	}
	return node
}

// stepEdges lists the transitions out of n. A step without a successor
// points at end.
func stepEdges[T engine.UserContext](n *engine.Node[T], id, end string) []Edge {
	var edges []Edge
	if n.Kind() == engine.KindRouter {
		routes := n.Routes()
		for i, r := range routes {
			label := fmt.Sprintf("when #%d", i+1)
			if i == len(routes)-1 {
				label = "default"
			}
			edges = append(edges, Edge{From: id, To: r.Target, Label: label})
		}
	} else {
		label := ""
		if n.Conditional() {
			label = "always"
		}
		to := n.Next()
		if to == "" {
			to = end
		}
		edges = append(edges, Edge{From: id, To: to, Label: label})
	}
	for _, r := range n.ExceptionRoutes() {
		kind := r.Kind
		if kind == "" {
			kind = "error"
		}
		edges = append(edges, Edge{From: id, To: r.Target, Label: "on " + kind, Error: true})
	}
	return edges
}

// buildLevels assigns each node the depth at which a breadth-first walk
// from start first reaches it. End gets its own last level; unreachable
// steps come just before it.
func buildLevels(nodes []*Node, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	seen := map[string]bool{StartID: true, EndID: true}
	var levels [][]string
	frontier := []string{StartID}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	var orphans []string
	for _, n := range nodes {
		if !seen[n.ID] {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{EndID})
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
