package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/waypoint/pkg/schema"
)

func TestNewFlow_Validation(t *testing.T) {
	tests := []struct {
		name  string
		start string
		nodes []*Node[*order]
		code  string
	}{
		{"empty", "A", nil, schema.ErrCodeValidation},
		{"unknown start", "X", []*Node[*order]{NewActionNode("A", visit("A"), "")}, schema.ErrCodeUnresolvedStep},
		{"unknown next", "A", []*Node[*order]{NewActionNode("A", visit("A"), "B")}, schema.ErrCodeUnresolvedStep},
		{"unknown exception target", "A", []*Node[*order]{
			NewActionNode("A", visit("A"), "", OnError[*order](MatchAny(), "Nope")),
		}, schema.ErrCodeUnresolvedStep},
		{"duplicate", "A", []*Node[*order]{
			NewActionNode("A", visit("A"), ""),
			NewActionNode("A", visit("A2"), ""),
		}, schema.ErrCodeDuplicateStep},
		{"separator in id", "A/B", []*Node[*order]{NewActionNode("A/B", visit("A"), "")}, schema.ErrCodeValidation},
		{"nil action", "A", []*Node[*order]{NewActionNode[*order]("A", nil, "")}, schema.ErrCodeValidation},
		{"nil subflow", "S", []*Node[*order]{NewSubflowNode[*order]("S", nil, "")}, schema.ErrCodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFlow(tc.start, tc.nodes...)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tc.code), "got %v", err)
		})
	}
}

func TestNewFlow_RouterTargetsMustExist(t *testing.T) {
	r, err := NewRouterNode("R", []Route[*order]{When(Always[*order](), "X")}, "Z")
	require.NoError(t, err)
	_, err = NewFlow("R", r, NewActionNode("Z", visit("Z"), ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown step "X"`)
}

func TestFlowApply_LinearChain(t *testing.T) {
	flow := linear(t, "A", "B", "C")
	wc := newRun()

	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, []string{"A", "B", "C"}, wc.Data.Visited())
	assert.Equal(t, "", wc.Execution.ExecutionPoint())
	assert.Equal(t, 0, wc.Execution.Depth())
}

func TestFlowApply_AnyLinearChainCompletesInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		ids := stepIDs("step", n)
		flow := linear(t, ids...)
		wc := newRun()

		require.NoError(rt, flow.Apply(context.Background(), wc))
		assert.Equal(rt, schema.StateCompleted, wc.Execution.State())
		assert.Equal(rt, ids, wc.Data.Visited())
	})
}

func TestFlowApply_RoutedErrorRecovers(t *testing.T) {
	flow, err := NewFlow("A",
		NewActionNode("A", visit("A"), "B"),
		NewActionNode("B", failWith("B", &stateError{msg: "locked"}), "C",
			OnError[*order](MatchType[*stateError](), "Recover")),
		NewActionNode("C", visit("C"), ""),
		NewActionNode("Recover", visit("Recover"), "C"),
	)
	require.NoError(t, err)

	var failures int
	wc := newRun()
	wc.Execution.SetExceptionHandler(func(*order, error, string) { failures++ })

	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, []string{"A", "B", "Recover", "C"}, wc.Data.Visited())
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Zero(t, failures)
}

func TestFlowApply_DeclarationOrderRouting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		// Every matcher accepts the error; the first declared route must win.
		count := rapid.IntRange(1, 6).Draw(rt, "routes")
		nodes := []*Node[*order]{}
		var routes []ExceptionRoute[*order]
		targets := stepIDs("handler", count)
		for i, target := range targets {
			var m Matcher
			switch rapid.IntRange(0, 2).Draw(rt, "kind") {
			case 0:
				m = MatchAny()
			case 1:
				m = MatchType[transientError]()
			default:
				m = MatchType[*timeoutError]()
			}
			routes = append(routes, OnError[*order](m, target))
			nodes = append(nodes, NewActionNode(targets[i], visit(targets[i]), ""))
		}
		nodes = append(nodes, NewActionNode("B", failWith("B", &timeoutError{op: "x"}), "", routes...))
		flow, err := NewFlow("B", nodes...)
		require.NoError(rt, err)

		wc := newRun()
		require.NoError(rt, flow.Apply(context.Background(), wc))
		assert.Equal(rt, []string{"B", targets[0]}, wc.Data.Visited())
	})
}

func TestFlowApply_UnroutedErrorFails(t *testing.T) {
	cause := errors.New("warehouse offline")
	flow, err := NewFlow("A",
		NewActionNode("A", visit("A"), "B"),
		NewActionNode("B", failWith("B", cause), "C"),
		NewActionNode("C", visit("C"), ""),
	)
	require.NoError(t, err)

	var gotCause error
	var gotPath string
	var calls int
	var final []schema.ExecutionState
	wc := newRun()
	wc.Execution.SetExceptionHandler(func(_ *order, c error, path string) {
		calls++
		gotCause, gotPath = c, path
	})
	wc.Execution.SetCompletionHandler(func(_ *order, s schema.ExecutionState) { final = append(final, s) })

	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, schema.StateFailed, wc.Execution.State())
	assert.Equal(t, []string{"A", "B"}, wc.Data.Visited())
	assert.Equal(t, 1, calls)
	assert.Same(t, cause, gotCause)
	assert.Equal(t, "B", gotPath)
	assert.Equal(t, []schema.ExecutionState{schema.StateFailed}, final)
	assert.Equal(t, "B", wc.Execution.ExecutionPoint())
}

func TestFlowApply_RouterScenario(t *testing.T) {
	r, err := NewRouterNode("R", []Route[*order]{
		When(Cond(func(o *order) bool { return o.Total == 1 }), "X"),
		When(Cond(func(o *order) bool { return o.Total == 2 }), "Y"),
	}, "Z")
	require.NoError(t, err)
	flow, err := NewFlow("R", r,
		NewActionNode("X", visit("X"), ""),
		NewActionNode("Y", visit("Y"), ""),
		NewActionNode("Z", visit("Z"), ""),
	)
	require.NoError(t, err)

	wc := newRun()
	wc.Data.Total = 7
	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, []string{"Z"}, wc.Data.Visited())
}

func TestFlowApply_NoRouteCannotBeCaught(t *testing.T) {
	r := &Node[*order]{
		id:         "R",
		kind:       KindRouter,
		routes:     []Route[*order]{When(Cond(func(*order) bool { return false }), "X")},
		exceptions: []ExceptionRoute[*order]{OnError[*order](MatchAny(), "X")},
	}
	inner, err := NewFlow("R", r, NewActionNode("X", visit("X"), ""))
	require.NoError(t, err)
	outer, err := NewFlow("S",
		NewSubflowNode("S", inner, "", OnError[*order](MatchAny(), "Recover")),
		NewActionNode("Recover", visit("Recover"), ""),
	)
	require.NoError(t, err)

	var cause error
	wc := newRun()
	wc.Execution.SetExceptionHandler(func(_ *order, c error, _ string) { cause = c })
	require.NoError(t, outer.Apply(context.Background(), wc))

	assert.Equal(t, schema.StateFailed, wc.Execution.State())
	assert.Empty(t, wc.Data.Visited())
	assert.ErrorIs(t, cause, ErrNoRoute)
}

func nestedFlow(t *testing.T, inner *Flow[*order], subRoutes ...ExceptionRoute[*order]) *Flow[*order] {
	t.Helper()
	flow, err := NewFlow("A",
		NewActionNode("A", visit("A"), "S"),
		NewSubflowNode("S", inner, "C", subRoutes...),
		NewActionNode("C", visit("C"), ""),
		NewActionNode("Recover", visit("Recover"), ""),
	)
	require.NoError(t, err)
	return flow
}

func TestFlowApply_SubflowContinues(t *testing.T) {
	flow := nestedFlow(t, linear(t, "s1", "s2"))
	wc := newRun()

	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, []string{"A", "s1", "s2", "C"}, wc.Data.Visited())
}

func TestFlowApply_SubflowAsLastStep(t *testing.T) {
	inner := linear(t, "s1")
	deeper, err := NewFlow("S2", NewSubflowNode("S2", inner, ""))
	require.NoError(t, err)
	flow, err := NewFlow("A", NewActionNode("A", visit("A"), "S"), NewSubflowNode("S", deeper, ""))
	require.NoError(t, err)

	wc := newRun()
	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, []string{"A", "s1"}, wc.Data.Visited())
}

func TestFlowApply_NestedErrorRoutedBySubflowStep(t *testing.T) {
	inner, err := NewFlow("s1",
		NewActionNode("s1", visit("s1"), "s2"),
		NewActionNode("s2", failWith("s2", &stateError{msg: "nested"}), ""),
	)
	require.NoError(t, err)
	flow := nestedFlow(t, inner, OnError[*order](MatchType[*stateError](), "Recover"))

	wc := newRun()
	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, []string{"A", "s1", "s2", "Recover"}, wc.Data.Visited())
}

func TestFlowApply_NestedErrorPropagatesWithBreadcrumb(t *testing.T) {
	inner, err := NewFlow("s1",
		NewActionNode("s1", visit("s1"), "s2"),
		NewActionNode("s2", failWith("s2", errDeclined), ""),
	)
	require.NoError(t, err)
	flow := nestedFlow(t, inner, OnError[*order](MatchType[*stateError](), "Recover"))

	var path string
	wc := newRun()
	wc.Execution.SetExceptionHandler(func(_ *order, _ error, p string) { path = p })
	require.NoError(t, flow.Apply(context.Background(), wc))

	assert.Equal(t, schema.StateFailed, wc.Execution.State())
	assert.Equal(t, "S/s2", path)
	assert.Equal(t, []string{"A", "s1", "s2"}, wc.Data.Visited())
}

func TestFlowApply_ResumesFromNestedPoint(t *testing.T) {
	flow := nestedFlow(t, linear(t, "s1", "s2", "s3"))

	snap := newRun().Execution.Snapshot()
	snap.State = schema.StatePaused
	snap.ExecutionPoint = "S/s2"
	ec := RestoreExecutionContext[*order](snap)
	wc := NewWorkflowContext(ec, &order{id: snap.ExecutionID})

	require.NoError(t, flow.Apply(context.Background(), wc))
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, []string{"s2", "s3", "C"}, wc.Data.Visited())
}

func TestFlowApply_RejectsPointNotInTopology(t *testing.T) {
	flow := nestedFlow(t, linear(t, "s1"))

	for _, point := range []string{"Nope", "A/s1", "S/missing"} {
		snap := newRun().Execution.Snapshot()
		snap.State = schema.StatePaused
		snap.ExecutionPoint = point
		wc := NewWorkflowContext(RestoreExecutionContext[*order](snap), &order{})

		err := flow.Apply(context.Background(), wc)
		require.Error(t, err, point)
		assert.True(t, schema.HasCode(err, schema.ErrCodeUnresolvedStep), point)
		assert.Equal(t, schema.StatePaused, wc.Execution.State())
	}
}

func TestFlowApply_TerminalExecutionsDoNotRun(t *testing.T) {
	flow := linear(t, "A")
	wc := newRun()
	require.NoError(t, flow.Apply(context.Background(), wc))

	err := flow.Apply(context.Background(), wc)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, []string{"A"}, wc.Data.Visited())
}

func TestFlow_Accessors(t *testing.T) {
	flow := linear(t, "B", "A")
	assert.Equal(t, "B", flow.Start())
	assert.Equal(t, []string{"A", "B"}, flow.StepIDs())
	assert.Equal(t, 2, flow.Len())
	n, ok := flow.Node("A")
	require.True(t, ok)
	assert.Equal(t, KindAction, n.Kind())
}
