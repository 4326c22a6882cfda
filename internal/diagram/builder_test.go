package diagram

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

type doc struct{ id uuid.UUID }

func (d *doc) ExecutionID() uuid.UUID      { return d.id }
func (d *doc) SetExecutionID(id uuid.UUID) { d.id = id }

func noop(context.Context, *doc) error { return nil }

// ordersFlow: price -> decide -(when)-> review[flag -> note] -> ship
//
//	\-(default, on any)-> ship
func ordersFlow(t *testing.T) *engine.Flow[*doc] {
	t.Helper()
	sb := engine.NewBuilder[*doc]()
	sb.Step("flag", noop).Then("note")
	sb.Step("note", noop)
	sub, err := sb.Build()
	require.NoError(t, err)

	b := engine.NewBuilder[*doc]()
	b.Step("price", noop).Then("decide")
	b.Router("decide", "ship").
		When(engine.Always[*doc](), "review").
		OnError(engine.OnError[*doc](engine.MatchAny(), "ship").Named("any"))
	b.Subflow("review", sub).Then("ship")
	b.ConditionalStep("ship", engine.Always[*doc](), noop).PauseAfter()
	flow, err := b.Build()
	require.NoError(t, err)
	return flow
}

func findEdge(edges []Edge, from, to, label string) (Edge, bool) {
	for _, e := range edges {
		if e.From == from && e.To == to && e.Label == label {
			return e, true
		}
	}
	return Edge{}, false
}

func TestBuild_NodesAndEdges(t *testing.T) {
	model := Build("orders", ordersFlow(t), nil)
	assert.Equal(t, "orders", model.Title)

	kinds := map[string]NodeKind{}
	for _, n := range model.Nodes {
		kinds[n.ID] = n.Kind
		assert.Empty(t, n.Status)
	}
	assert.Equal(t, map[string]NodeKind{
		StartID:  NodeKindStart,
		"price":  NodeKindAction,
		"decide": NodeKindRouter,
		"review": NodeKindSubflow,
		"ship":   NodeKindConditional,
		EndID:    NodeKindEnd,
	}, kinds)

	for _, want := range []Edge{
		{From: StartID, To: "price"},
		{From: "price", To: "decide"},
		{From: "decide", To: "review", Label: "when #1"},
		{From: "decide", To: "ship", Label: "default"},
		{From: "decide", To: "ship", Label: "on any", Error: true},
		{From: "review", To: "ship"},
		{From: "ship", To: EndID, Label: "always"},
	} {
		got, ok := findEdge(model.Edges, want.From, want.To, want.Label)
		require.True(t, ok, "missing edge %+v", want)
		assert.Equal(t, want, got)
	}

	assert.Equal(t, [][]string{
		{StartID}, {"price"}, {"decide"}, {"review", "ship"}, {EndID},
	}, model.Levels)
}

func TestBuild_SubflowChildren(t *testing.T) {
	model := Build("orders", ordersFlow(t), nil)
	var review *Node
	for _, n := range model.Nodes {
		if n.ID == "review" {
			review = n
		}
	}
	require.NotNil(t, review)
	require.Len(t, review.Children, 1)

	sg := review.Children[0]
	require.Len(t, sg.Nodes, 2)
	assert.Equal(t, "review.flag", sg.Nodes[0].ID)
	assert.Equal(t, "flag", sg.Nodes[0].Label)
	assert.Equal(t, []Edge{{From: "review.flag", To: "review.note"}}, sg.Edges)
}

func TestBuild_Overlay(t *testing.T) {
	model := Build("orders", ordersFlow(t), &Overlay{Point: "review/note", State: schema.StatePaused})
	status := map[string]string{}
	for _, n := range model.Nodes {
		status[n.ID] = n.Status
		for _, sg := range n.Children {
			for _, c := range sg.Nodes {
				status[c.ID] = c.Status
			}
		}
	}
	assert.Equal(t, "paused", status["review"])
	assert.Equal(t, "paused", status["review.note"])
	assert.Empty(t, status["review.flag"])
	assert.Empty(t, status["price"])
}

func TestRenderMermaid(t *testing.T) {
	model := Build("orders", ordersFlow(t), &Overlay{Point: "review/note", State: schema.StateFailed})
	output := RenderMermaid(model)

	for _, want := range []string{
		"graph TD",
		"%% orders",
		`__start__(("Start"))`,
		`price["price"]`,
		`decide{"decide"}`,
		`review[["review"]]`,
		`ship{{"ship (pause)"}}`,
		`subgraph review_flow["review"]`,
		`review_flag["flag"]`,
		"review_flag --> review_note",
		"__start__ --> price",
		"decide -->|when #1| review",
		"decide -->|default| ship",
		"decide -.->|on any| ship",
		"ship -->|always| __end__",
		"classDef failed",
		"class review failed",
		"class review_note failed",
	} {
		assert.Contains(t, output, want)
	}
	assert.NotContains(t, output, "class price")
}

func TestRenderASCII(t *testing.T) {
	model := Build("orders", ordersFlow(t), &Overlay{Point: "ship", State: schema.StatePaused})
	output := RenderASCII(model)

	for _, want := range []string{
		"=== orders ===",
		"┌", "┘", "│",
		"Start", "End",
		"<decide>",
		"[review]",
		"?ship",
		"(pause)",
		"[WAIT]",
		"--- routes ---",
		"decide ─→ review (when #1)",
		"decide ─→ ship (on any)",
		"--- review sub-steps ---",
		"flag ─→ note",
	} {
		assert.Contains(t, output, want)
	}
}

func TestRenderASCII_StatusTags(t *testing.T) {
	model := &Model{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindAction, Status: "completed"},
			{ID: "b", Label: "step-b", Kind: NodeKindAction, Status: "failed"},
			{ID: "c", Label: "step-c", Kind: NodeKindAction, Status: "running"},
			{ID: "d", Label: "step-d", Kind: NodeKindAction, Status: "canceled"},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b"}, {"c", "d"}, {"end"}},
	}
	output := RenderASCII(model)
	for _, tag := range []string{"[OK]", "[FAIL]", "[RUN]", "[STOP]"} {
		assert.Contains(t, output, tag)
	}
	assert.Contains(t, output, "step-a")
	assert.Contains(t, output, "step-d")
}
