package engine

import (
	"context"
	"fmt"

	"github.com/rendis/waypoint/pkg/schema"
)

// NodeKind identifies the variant of a Node.
type NodeKind int

const (
	KindAction NodeKind = iota + 1
	KindRouter
	KindSubflow
)

func (k NodeKind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindRouter:
		return "router"
	case KindSubflow:
		return "subflow"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// Node is one step of a flow: an action, a router or a subflow.
// Nodes are immutable once part of a Flow.
type Node[T UserContext] struct {
	id         string
	kind       NodeKind
	exceptions []ExceptionRoute[T]
	scope      schema.PersistScope
	scopeSet   bool
	pauseAfter bool

	// action
	action    Action[T]
	predicate Predicate[T]
	// action and subflow continuation
	next string

	// router, fallback last
	routes []Route[T]

	// subflow
	flow *Flow[T]
}

// NewActionNode creates an action step continuing at next ("" ends the flow).
func NewActionNode[T UserContext](id string, action Action[T], next string, exceptions ...ExceptionRoute[T]) *Node[T] {
	return &Node[T]{id: id, kind: KindAction, action: action, next: next, exceptions: exceptions}
}

// NewConditionalNode creates an action step that only runs when predicate holds.
// Either way the flow continues at next.
func NewConditionalNode[T UserContext](id string, predicate Predicate[T], action Action[T], next string, exceptions ...ExceptionRoute[T]) *Node[T] {
	n := NewActionNode(id, action, next, exceptions...)
	n.predicate = predicate
	return n
}

// NewRouterNode creates a router. Routes are tried in order; fallback is taken
// when none matches and is mandatory.
func NewRouterNode[T UserContext](id string, routes []Route[T], fallback string, exceptions ...ExceptionRoute[T]) (*Node[T], error) {
	if fallback == "" {
		return nil, schema.NewErrorf(schema.ErrCodeMissingFallback,
			"router %q has no default route", id).WithStep(id)
	}
	all := make([]Route[T], 0, len(routes)+1)
	all = append(all, routes...)
	all = append(all, Route[T]{When: Always[T](), Target: fallback})
	return &Node[T]{id: id, kind: KindRouter, routes: all, exceptions: exceptions}, nil
}

// NewSubflowNode creates a step that runs flow and then continues at next.
func NewSubflowNode[T UserContext](id string, flow *Flow[T], next string, exceptions ...ExceptionRoute[T]) *Node[T] {
	return &Node[T]{id: id, kind: KindSubflow, flow: flow, next: next, exceptions: exceptions}
}

// WithScope returns a copy of the node with a persistence scope override.
// For subflows the override is applied to every node of a copy of the nested flow.
func (n *Node[T]) WithScope(scope schema.PersistScope) *Node[T] {
	c := n.clone()
	c.scope = scope
	c.scopeSet = true
	if c.kind == KindSubflow && c.flow != nil {
		c.flow = c.flow.withScope(scope)
	}
	return c
}

// WithPauseAfter returns a copy of the node that pauses the execution once it
// has run and been checkpointed.
func (n *Node[T]) WithPauseAfter() *Node[T] {
	c := n.clone()
	c.pauseAfter = true
	return c
}

func (n *Node[T]) clone() *Node[T] {
	c := *n
	c.exceptions = append([]ExceptionRoute[T](nil), n.exceptions...)
	c.routes = append([]Route[T](nil), n.routes...)
	return &c
}

func (n *Node[T]) ID() string                           { return n.id }
func (n *Node[T]) Kind() NodeKind                       { return n.kind }
func (n *Node[T]) Next() string                         { return n.next }
func (n *Node[T]) PauseAfter() bool                     { return n.pauseAfter }
func (n *Node[T]) Subflow() *Flow[T]                    { return n.flow }
func (n *Node[T]) Routes() []Route[T]                   { return n.routes }
func (n *Node[T]) ExceptionRoutes() []ExceptionRoute[T] { return n.exceptions }

// Conditional reports whether an action step is guarded by a predicate.
func (n *Node[T]) Conditional() bool { return n.predicate != nil }

// ScopeOverride returns the explicit scope, if one was set.
func (n *Node[T]) ScopeOverride() (schema.PersistScope, bool) {
	return n.scope, n.scopeSet
}

// PersistScope resolves the checkpoint scope used after this node runs.
// Routers never touch user data, so they checkpoint at most the execution.
func (n *Node[T]) PersistScope() schema.PersistScope {
	if n.kind == KindRouter {
		if n.scopeSet && (n.scope == schema.ScopeNone || n.scope == schema.ScopeUser) {
			return schema.ScopeNone
		}
		return schema.ScopeExecution
	}
	if n.scopeSet {
		return n.scope
	}
	return schema.ScopeAll
}

// targets lists every step id the node can jump to within its own flow.
func (n *Node[T]) targets() []string {
	var out []string
	if n.kind != KindRouter && n.next != "" {
		out = append(out, n.next)
	}
	for _, r := range n.routes {
		out = append(out, r.Target)
	}
	for _, r := range n.exceptions {
		out = append(out, r.Target)
	}
	return out
}

// Apply runs the node and returns the next step id at the same depth, or ""
// when the flow ends. A subflow returns the nested flow's start step and
// leaves the nested call on the stack. Errors are routed through the node's
// exception routes; an unrouted error comes back as *ExecutionError.
func (n *Node[T]) Apply(ctx context.Context, wc *WorkflowContext[T]) (next string, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = ""
			err = asExecutionError(newPanicError(r), n.id, wc.Execution.ExecutionPoint())
		}
	}()

	next, err = n.execute(ctx, wc)
	if err != nil {
		return n.routeError(ctx, wc, err)
	}
	return next, nil
}

func (n *Node[T]) execute(ctx context.Context, wc *WorkflowContext[T]) (next string, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = "", newPanicError(r)
		}
	}()

	switch n.kind {
	case KindAction:
		if n.predicate != nil {
			ok, err := n.predicate(ctx, wc.Data)
			if err != nil {
				return "", err
			}
			if !ok {
				return n.next, nil
			}
		}
		if err := n.action(ctx, wc.Data); err != nil {
			return "", err
		}
		return n.next, nil

	case KindRouter:
		for _, r := range n.routes {
			ok, err := r.When(ctx, wc.Data)
			if err != nil {
				return "", err
			}
			if ok {
				return r.Target, nil
			}
		}
		return "", &ExecutionError{
			StepID: n.id,
			Path:   wc.Execution.ExecutionPoint(),
			Cause:  ErrNoRoute,
			fatal:  true,
		}

	case KindSubflow:
		start := n.flow.Start()
		wc.Execution.push(n.flow, start, n.complete)
		return start, nil
	}
	return "", fmt.Errorf("unknown node kind %s", n.kind)
}

// routeError offers err to the exception routes in declaration order.
func (n *Node[T]) routeError(ctx context.Context, wc *WorkflowContext[T], err error) (string, error) {
	ee := asExecutionError(err, n.id, wc.Execution.ExecutionPoint())
	if ee.fatal {
		return "", ee
	}
	for _, r := range n.exceptions {
		if r.Match == nil || !r.Match(ee.Cause) {
			continue
		}
		if r.Handler != nil {
			r.Handler(ctx, wc.Data, ee.Cause)
		}
		return r.Target, nil
	}
	return "", ee
}

// complete is the subflow's continuation: it runs when the nested flow ends.
func (n *Node[T]) complete(ctx context.Context, wc *WorkflowContext[T], failure *ExecutionError) (next string, err error) {
	if failure == nil {
		return n.next, nil
	}
	defer func() {
		if r := recover(); r != nil {
			next, err = "", failure
		}
	}()
	return n.routeError(ctx, wc, failure)
}
