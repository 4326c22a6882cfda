// Package diagram renders flows as Mermaid flowcharts or plain-text boxes,
// optionally marking where an execution currently stands.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindConditional NodeKind = "conditional"
	NodeKindRouter      NodeKind = "router"
	NodeKindSubflow     NodeKind = "subflow"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID         string
	Label      string
	Kind       NodeKind
	PauseAfter bool
	Status     string      // execution state when the execution point is here
	Children   []*SubGraph // subflow body
}

// SubGraph holds the steps of a nested flow. Node ids are prefixed with the
// owning step id and a dot.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// Edge is a transition between two steps.
type Edge struct {
	From  string
	To    string
	Label string
	// Error marks exception routes.
	Error bool
}
