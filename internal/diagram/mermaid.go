package diagram

import (
	"fmt"
	"strings"
)

// shapes holds the opening and closing brackets of each node kind.
var shapes = map[NodeKind][2]string{
	NodeKindAction:      {"[", "]"},
	NodeKindRouter:      {"{", "}"},
	NodeKindConditional: {"{{", "}}"},
	NodeKindSubflow:     {"[[", "]]"},
	NodeKindStart:       {"((", "))"},
	NodeKindEnd:         {"((", "))"},
}

// stateStyles is ordered so the rendered classDef block is stable.
var stateStyles = [][2]string{
	{"completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"paused", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"canceled", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

var idReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

func mermaidID(id string) string { return idReplacer.Replace(id) }

// RenderMermaid renders the model as a top-down Mermaid flowchart. Subflow
// bodies become subgraphs and nodes with an overlay state get a class.
func RenderMermaid(model *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	var styled []*Node
	for _, n := range model.Nodes {
		writeMermaidNode(&b, "    ", n)
		styled = append(styled, n)
		for _, sg := range n.Children {
			fmt.Fprintf(&b, "    subgraph %s_flow[%q]\n", mermaidID(n.ID), sg.Label)
			for _, child := range sg.Nodes {
				writeMermaidNode(&b, "        ", child)
				styled = append(styled, child)
			}
			for _, e := range sg.Edges {
				writeMermaidEdge(&b, "        ", e)
			}
			b.WriteString("    end\n")
		}
	}
	for _, e := range model.Edges {
		writeMermaidEdge(&b, "    ", e)
	}

	b.WriteByte('\n')
	for _, st := range stateStyles {
		fmt.Fprintf(&b, "    classDef %s %s\n", st[0], st[1])
	}
	for _, n := range styled {
		if _, ok := stateTags[n.Status]; ok {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidID(n.ID), n.Status)
		}
	}
	return b.String()
}

func writeMermaidNode(b *strings.Builder, indent string, n *Node) {
	label := firstLine(n.Label)
	if n.PauseAfter {
		label += " (pause)"
	}
	shape, ok := shapes[n.Kind]
	if !ok {
		shape = shapes[NodeKindAction]
	}
	fmt.Fprintf(b, "%s%s%s%q%s\n", indent, mermaidID(n.ID), shape[0], label, shape[1])
}

func writeMermaidEdge(b *strings.Builder, indent string, e Edge) {
	arrow := "-->"
	if e.Error {
		arrow = "-.->"
	}
	if e.Label != "" {
		arrow += "|" + e.Label + "|"
	}
	fmt.Fprintf(b, "%s%s %s %s\n", indent, mermaidID(e.From), arrow, mermaidID(e.To))
}
