package diagram

import (
	"fmt"
	"strings"
)

var stateTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"paused":    "[WAIT]",
	"canceled":  "[STOP]",
}

// RenderASCII draws the model level by level as boxes joined by arrows,
// followed by the labeled routes and the steps of each subflow.
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	for i, level := range model.Levels {
		var row [][]string
		for _, id := range level {
			if n, ok := byID[id]; ok {
				row = append(row, box(boxText(n)))
			}
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 && len(row) > 0 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	header := false
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		if !header {
			b.WriteString("\n--- routes ---\n")
			header = true
		}
		fmt.Fprintf(&b, "  %s ─→ %s (%s)\n", e.From, e.To, e.Label)
	}

	for _, n := range model.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s sub-steps ---\n", n.ID)
		for _, sg := range n.Children {
			writeSubGraph(&b, sg)
		}
	}
	return b.String()
}

func boxText(n *Node) []string {
	label := firstLine(n.Label)
	switch n.Kind {
	case NodeKindRouter:
		label = "<" + label + ">"
	case NodeKindConditional:
		label = "?" + label
	case NodeKindSubflow:
		label = "[" + label + "]"
	}
	text := []string{label}
	if tag, ok := stateTags[n.Status]; ok {
		text = append(text, tag)
	}
	if n.PauseAfter {
		text = append(text, "(pause)")
	}
	return text
}

// box frames text; every returned line has the same rune width.
func box(text []string) []string {
	inner := 0
	for _, t := range text {
		inner = max(inner, len(t))
	}
	rule := strings.Repeat("─", inner+2)
	lines := []string{"┌" + rule + "┐"}
	for _, t := range text {
		lines = append(lines, fmt.Sprintf("│ %-*s │", inner, t))
	}
	return append(lines, "└"+rule+"┘")
}

func writeRow(b *strings.Builder, boxes [][]string) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx))
	}
	for line := range height {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(bx) {
				b.WriteString(bx[line])
			} else {
				b.WriteString(strings.Repeat(" ", len([]rune(bx[0]))))
			}
		}
		b.WriteByte('\n')
	}
}

func writeSubGraph(b *strings.Builder, sg *SubGraph) {
	fmt.Fprintf(b, "  [%s]\n", sg.Label)
	for _, n := range sg.Nodes {
		line := "    " + firstLine(n.Label)
		if tag, ok := stateTags[n.Status]; ok {
			line += " " + tag
		}
		b.WriteString(line + "\n")
	}
	for _, e := range sg.Edges {
		fmt.Fprintf(b, "    %s ─→ %s", lastSegment(e.From), lastSegment(e.To))
		if e.Label != "" {
			fmt.Fprintf(b, " (%s)", e.Label)
		}
		b.WriteByte('\n')
	}
}

// lastSegment strips the parent prefix from a nested step id.
func lastSegment(id string) string {
	return id[strings.LastIndex(id, ".")+1:]
}
