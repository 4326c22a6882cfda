package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/waypoint/pkg/schema"
)

// Flow is an immutable graph of steps with a start step. Flows hold no
// execution state and may be shared by any number of executions.
type Flow[T UserContext] struct {
	start string
	nodes map[string]*Node[T]
	order []string
}

// NewFlow validates and assembles a flow. Every referenced step id must exist
// in the flow.
func NewFlow[T UserContext](start string, nodes ...*Node[T]) (*Flow[T], error) {
	f := &Flow[T]{start: start, nodes: make(map[string]*Node[T], len(nodes))}
	result := &schema.ValidationResult{}

	for _, n := range nodes {
		if n == nil {
			result.AddErrorf("", schema.ErrCodeValidation, "nil node")
			continue
		}
		if n.id == "" {
			result.AddErrorf("", schema.ErrCodeValidation, "step id must not be empty")
			continue
		}
		if strings.Contains(n.id, PointSeparator) {
			result.AddErrorf(n.id, schema.ErrCodeValidation, "step id must not contain %q", PointSeparator)
		}
		if _, dup := f.nodes[n.id]; dup {
			result.AddErrorf(n.id, schema.ErrCodeDuplicateStep, "duplicate step id %q", n.id)
			continue
		}
		f.nodes[n.id] = n.clone()
		f.order = append(f.order, n.id)
	}

	if len(f.nodes) == 0 {
		result.AddErrorf("", schema.ErrCodeValidation, "flow has no steps")
	} else if _, ok := f.nodes[start]; !ok {
		result.AddErrorf(start, schema.ErrCodeUnresolvedStep, "start step %q is not part of the flow", start)
	}

	for _, id := range f.order {
		f.validateNode(f.nodes[id], result)
	}

	if err := result.ToError(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flow[T]) validateNode(n *Node[T], result *schema.ValidationResult) {
	switch n.kind {
	case KindAction:
		if n.action == nil {
			result.AddErrorf(n.id, schema.ErrCodeValidation, "action step %q has no action", n.id)
		}
	case KindRouter:
		if len(n.routes) == 0 {
			result.AddErrorf(n.id, schema.ErrCodeMissingFallback, "router %q has no default route", n.id)
		}
		for i, r := range n.routes {
			if r.When == nil {
				result.AddErrorf(n.id, schema.ErrCodeValidation, "router %q route %d has no predicate", n.id, i)
			}
		}
	case KindSubflow:
		if n.flow == nil {
			result.AddErrorf(n.id, schema.ErrCodeValidation, "subflow step %q has no flow", n.id)
		}
	default:
		result.AddErrorf(n.id, schema.ErrCodeValidation, "step %q has unknown kind %s", n.id, n.kind)
	}

	for _, r := range n.exceptions {
		if r.Match == nil {
			result.AddErrorf(n.id, schema.ErrCodeValidation, "step %q has an exception route without matcher", n.id)
		}
	}
	for _, target := range n.targets() {
		if _, ok := f.nodes[target]; !ok {
			result.AddErrorf(n.id, schema.ErrCodeUnresolvedStep,
				"step %q references unknown step %q", n.id, target)
		}
	}
}

// Start returns the id of the first step.
func (f *Flow[T]) Start() string { return f.start }

// Node returns the step with the given id.
func (f *Flow[T]) Node(id string) (*Node[T], bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// StepIDs returns the step ids in sorted order.
func (f *Flow[T]) StepIDs() []string {
	ids := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Steps returns the step ids in the order they were added.
func (f *Flow[T]) Steps() []string {
	return append([]string(nil), f.order...)
}

// Len returns the number of steps.
func (f *Flow[T]) Len() int { return len(f.nodes) }

// withScope returns a copy of the flow where every node carries scope.
func (f *Flow[T]) withScope(scope schema.PersistScope) *Flow[T] {
	c := &Flow[T]{start: f.start, nodes: make(map[string]*Node[T], len(f.nodes)), order: f.order}
	for id, n := range f.nodes {
		c.nodes[id] = n.WithScope(scope)
	}
	return c
}

// restore rebuilds the call stack from the execution point, walking subflow
// nodes down from this flow. An empty point starts at the flow's start step.
func (f *Flow[T]) restore(ec *ExecutionContext[T]) error {
	ec.clearStack()
	steps := ParseExecutionPoint(ec.ExecutionPoint())
	if len(steps) == 0 {
		ec.push(f, f.start, nil)
		ec.updateExecutionPoint()
		return nil
	}

	cur := f
	var onComplete flowCompletion[T]
	for depth, id := range steps {
		node, ok := cur.nodes[id]
		if !ok {
			ec.clearStack()
			return schema.NewErrorf(schema.ErrCodeUnresolvedStep,
				"execution point %q: step %q not found at depth %d", ec.ExecutionPoint(), id, depth).WithStep(id)
		}
		ec.push(cur, id, onComplete)
		if depth == len(steps)-1 {
			break
		}
		if node.kind != KindSubflow {
			ec.clearStack()
			return schema.NewErrorf(schema.ErrCodeUnresolvedStep,
				"execution point %q: step %q at depth %d is not a subflow", ec.ExecutionPoint(), id, depth).WithStep(id)
		}
		onComplete = node.complete
		cur = node.flow
	}
	return nil
}

// Apply interprets the flow synchronously on the calling goroutine, starting
// at the execution's point, until it completes, fails, pauses or is canceled.
// Nothing is persisted; use Workflow to checkpoint progress.
func (f *Flow[T]) Apply(ctx context.Context, wc *WorkflowContext[T]) error {
	r := newRunner(f, wc, newRunConfig(Config[T]{}))
	return r.run(ctx)
}
