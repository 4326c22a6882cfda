package engine

import (
	"errors"

	"github.com/rendis/waypoint/pkg/schema"
)

// Builder assembles a Flow step by step. Registration methods return the
// builder for chaining, so a rejected registration (duplicate id, missing
// resolver, unknown name) is recorded by the call that caused it. Err
// reports it right after that call; Build refuses to produce a flow while
// any is recorded.
//
//	b := engine.NewBuilder[*Order]()
//	b.Step("reserve", reserve).
//		OnException(engine.MatchType[*OutOfStock](), "backorder").
//		Step("charge", charge)
//	b.Step("backorder", backorder)
//	flow, err := b.Build()
type Builder[T UserContext] struct {
	resolver Resolver[T]
	start    string
	order    []string
	steps    map[string]stepBuilder[T]
	issues   schema.ValidationResult
}

type stepBuilder[T UserContext] interface {
	stepID() string
	build() (*Node[T], error)
}

// NewBuilder creates an empty builder.
func NewBuilder[T UserContext]() *Builder[T] {
	return &Builder[T]{steps: make(map[string]stepBuilder[T])}
}

// WithResolver sets the resolver used by name-based steps.
func (b *Builder[T]) WithResolver(r Resolver[T]) *Builder[T] {
	b.resolver = r
	return b
}

// StartAt overrides the start step, which defaults to the first registered one.
func (b *Builder[T]) StartAt(id string) *Builder[T] {
	b.start = id
	return b
}

// Start returns the current start step id.
func (b *Builder[T]) Start() string { return b.start }

// Err returns the registration errors recorded so far.
func (b *Builder[T]) Err() error { return b.issues.ToError() }

func (b *Builder[T]) register(sb stepBuilder[T]) {
	id := sb.stepID()
	if _, dup := b.steps[id]; dup {
		b.issues.AddErrorf(id, schema.ErrCodeDuplicateStep, "step %q is already registered", id)
		return
	}
	b.steps[id] = sb
	b.order = append(b.order, id)
	if b.start == "" {
		b.start = id
	}
}

func (b *Builder[T]) resolveAction(id, name string) Action[T] {
	if b.resolver == nil {
		b.issues.AddErrorf(id, schema.ErrCodeNoResolver, "step %q is named %q but the builder has no resolver", id, name)
		return nil
	}
	action, err := b.resolver.Action(name)
	if err != nil {
		addIssue(&b.issues, id, err)
		return nil
	}
	return action
}

func (b *Builder[T]) resolveFlow(id, name string) *Flow[T] {
	if b.resolver == nil {
		b.issues.AddErrorf(id, schema.ErrCodeNoResolver, "subflow %q is named %q but the builder has no resolver", id, name)
		return nil
	}
	flow, err := b.resolver.Flow(name)
	if err != nil {
		addIssue(&b.issues, id, err)
		return nil
	}
	return flow
}

// Step registers an action step.
func (b *Builder[T]) Step(id string, action Action[T]) *ActionBuilder[T] {
	a := newActionBuilder(b, id, action)
	b.register(a)
	return a
}

// ConditionalStep registers an action step that only runs when predicate holds.
func (b *Builder[T]) ConditionalStep(id string, predicate Predicate[T], action Action[T]) *ActionBuilder[T] {
	return b.Step(id, action).If(predicate)
}

// StepNamed registers an action step whose action is resolved by its id.
func (b *Builder[T]) StepNamed(id string) *ActionBuilder[T] {
	return b.StepNamedAs(id, id)
}

// StepNamedAs registers an action step whose action is resolved by name.
func (b *Builder[T]) StepNamedAs(id, name string) *ActionBuilder[T] {
	return b.Step(id, b.resolveAction(id, name))
}

// Router registers a router step. fallback is mandatory.
func (b *Builder[T]) Router(id, fallback string, routes ...Route[T]) *RouterBuilder[T] {
	r := &RouterBuilder[T]{owner: b, id: id, fallback: fallback, routes: append([]Route[T](nil), routes...)}
	b.register(r)
	return r
}

// Subflow registers a step that runs flow as a nested flow.
func (b *Builder[T]) Subflow(id string, flow *Flow[T]) *SubflowBuilder[T] {
	s := newSubflowBuilder(b, id, flow)
	b.register(s)
	return s
}

// SubflowNamed registers a subflow step whose flow is resolved by name.
func (b *Builder[T]) SubflowNamed(id, name string) *SubflowBuilder[T] {
	return b.Subflow(id, b.resolveFlow(id, name))
}

// Merge adds the steps of other. A step id already bound to a different step
// definition is an error; the identical definition is skipped.
func (b *Builder[T]) Merge(other *Builder[T]) error {
	if other == nil || other == b {
		return nil
	}
	for _, id := range other.order {
		if existing, ok := b.steps[id]; ok && existing != other.steps[id] {
			err := schema.NewErrorf(schema.ErrCodeDuplicateStep,
				"step %q is bound to a different definition", id).WithStep(id)
			b.issues.AddError(id, err.Code, err.Message)
			return err
		}
	}
	for _, id := range other.order {
		if _, ok := b.steps[id]; ok {
			continue
		}
		b.steps[id] = other.steps[id]
		b.order = append(b.order, id)
	}
	b.issues.Merge(&other.issues)
	if b.start == "" {
		b.start = other.start
	}
	return nil
}

// Build validates the graph and returns the flow.
func (b *Builder[T]) Build() (*Flow[T], error) {
	if err := b.issues.ToError(); err != nil {
		return nil, err
	}
	result := &schema.ValidationResult{}
	nodes := make([]*Node[T], 0, len(b.order))
	for _, id := range b.order {
		n, err := b.steps[id].build()
		if err != nil {
			addIssue(result, id, err)
			continue
		}
		nodes = append(nodes, n)
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return NewFlow(b.start, nodes...)
}

func addIssue(result *schema.ValidationResult, id string, err error) {
	var se *schema.Error
	if errors.As(err, &se) {
		result.AddError(id, se.Code, se.Message)
		return
	}
	result.AddError(id, schema.ErrCodeValidation, err.Error())
}

// nodeOptions are the settings shared by every step kind.
type nodeOptions[T UserContext] struct {
	exceptions []ExceptionRoute[T]
	scope      schema.PersistScope
	scopeSet   bool
	pauseAfter bool
}

func (o *nodeOptions[T]) applyTo(n *Node[T]) *Node[T] {
	n.exceptions = append([]ExceptionRoute[T](nil), o.exceptions...)
	if o.scopeSet {
		n = n.WithScope(o.scope)
	}
	if o.pauseAfter {
		n = n.WithPauseAfter()
	}
	return n
}

// chain registers the step that follows the current one and links to it.
type chain[T UserContext] struct {
	owner *Builder[T]
	link  func(id string)
}

// Step registers an action step and makes it the successor.
func (c chain[T]) Step(id string, action Action[T]) *ActionBuilder[T] {
	c.link(id)
	return c.owner.Step(id, action)
}

// ConditionalStep registers a conditional action step and makes it the successor.
func (c chain[T]) ConditionalStep(id string, predicate Predicate[T], action Action[T]) *ActionBuilder[T] {
	c.link(id)
	return c.owner.ConditionalStep(id, predicate, action)
}

// StepNamed registers a resolved action step and makes it the successor.
func (c chain[T]) StepNamed(id string) *ActionBuilder[T] {
	c.link(id)
	return c.owner.StepNamed(id)
}

// StepNamedAs registers a resolved action step and makes it the successor.
func (c chain[T]) StepNamedAs(id, name string) *ActionBuilder[T] {
	c.link(id)
	return c.owner.StepNamedAs(id, name)
}

// Router registers a router step and makes it the successor.
func (c chain[T]) Router(id, fallback string, routes ...Route[T]) *RouterBuilder[T] {
	c.link(id)
	return c.owner.Router(id, fallback, routes...)
}

// Subflow registers a subflow step and makes it the successor.
func (c chain[T]) Subflow(id string, flow *Flow[T]) *SubflowBuilder[T] {
	c.link(id)
	return c.owner.Subflow(id, flow)
}

// SubflowNamed registers a resolved subflow step and makes it the successor.
func (c chain[T]) SubflowNamed(id, name string) *SubflowBuilder[T] {
	c.link(id)
	return c.owner.SubflowNamed(id, name)
}

// End returns the owning builder.
func (c chain[T]) End() *Builder[T] { return c.owner }

// ActionBuilder configures an action step.
type ActionBuilder[T UserContext] struct {
	chain[T]
	id        string
	action    Action[T]
	predicate Predicate[T]
	next      string
	opts      nodeOptions[T]
}

func newActionBuilder[T UserContext](b *Builder[T], id string, action Action[T]) *ActionBuilder[T] {
	a := &ActionBuilder[T]{id: id, action: action}
	a.chain = chain[T]{owner: b, link: func(next string) { a.next = next }}
	return a
}

func (a *ActionBuilder[T]) stepID() string { return a.id }

func (a *ActionBuilder[T]) build() (*Node[T], error) {
	var n *Node[T]
	if a.predicate != nil {
		n = NewConditionalNode(a.id, a.predicate, a.action, a.next)
	} else {
		n = NewActionNode(a.id, a.action, a.next)
	}
	return a.opts.applyTo(n), nil
}

// If makes the step conditional.
func (a *ActionBuilder[T]) If(predicate Predicate[T]) *ActionBuilder[T] {
	a.predicate = predicate
	return a
}

// Then sets the step to continue at once the action ran.
func (a *ActionBuilder[T]) Then(id string) *ActionBuilder[T] {
	a.next = id
	return a
}

// OnException routes errors matching m to target.
func (a *ActionBuilder[T]) OnException(m Matcher, target string) *ActionBuilder[T] {
	return a.OnError(OnError[T](m, target))
}

// OnExceptionDo routes errors matching m to target after running handler.
func (a *ActionBuilder[T]) OnExceptionDo(m Matcher, handler ErrorHandler[T], target string) *ActionBuilder[T] {
	return a.OnError(OnError[T](m, target).Do(handler))
}

// OnError appends a prepared exception route.
func (a *ActionBuilder[T]) OnError(route ExceptionRoute[T]) *ActionBuilder[T] {
	a.opts.exceptions = append(a.opts.exceptions, route)
	return a
}

// PauseAfter pauses the execution once this step has run.
func (a *ActionBuilder[T]) PauseAfter() *ActionBuilder[T] {
	a.opts.pauseAfter = true
	return a
}

// Scope overrides the checkpoint scope of the step.
func (a *ActionBuilder[T]) Scope(scope schema.PersistScope) *ActionBuilder[T] {
	a.opts.scope, a.opts.scopeSet = scope, true
	return a
}

// RouterBuilder configures a router step. A router has no successor of its
// own; every branch names its target.
type RouterBuilder[T UserContext] struct {
	owner    *Builder[T]
	id       string
	routes   []Route[T]
	fallback string
	opts     nodeOptions[T]
}

func (r *RouterBuilder[T]) stepID() string { return r.id }

func (r *RouterBuilder[T]) build() (*Node[T], error) {
	n, err := NewRouterNode(r.id, r.routes, r.fallback)
	if err != nil {
		return nil, err
	}
	return r.opts.applyTo(n), nil
}

// When adds a branch taken when predicate holds.
func (r *RouterBuilder[T]) When(predicate Predicate[T], target string) *RouterBuilder[T] {
	r.routes = append(r.routes, Route[T]{When: predicate, Target: target})
	return r
}

// RouteBuilder adds a branch to the start of another builder's graph and
// merges that graph into the owner.
func (r *RouterBuilder[T]) RouteBuilder(predicate Predicate[T], other *Builder[T]) *RouterBuilder[T] {
	_ = r.owner.Merge(other)
	return r.When(predicate, other.Start())
}

// Default sets the fallback branch.
func (r *RouterBuilder[T]) Default(target string) *RouterBuilder[T] {
	r.fallback = target
	return r
}

// DefaultBuilder falls back to the start of another builder's graph and
// merges that graph into the owner.
func (r *RouterBuilder[T]) DefaultBuilder(other *Builder[T]) *RouterBuilder[T] {
	_ = r.owner.Merge(other)
	return r.Default(other.Start())
}

// OnException routes errors matching m to target.
func (r *RouterBuilder[T]) OnException(m Matcher, target string) *RouterBuilder[T] {
	return r.OnError(OnError[T](m, target))
}

// OnExceptionDo routes errors matching m to target after running handler.
func (r *RouterBuilder[T]) OnExceptionDo(m Matcher, handler ErrorHandler[T], target string) *RouterBuilder[T] {
	return r.OnError(OnError[T](m, target).Do(handler))
}

// OnError appends a prepared exception route.
func (r *RouterBuilder[T]) OnError(route ExceptionRoute[T]) *RouterBuilder[T] {
	r.opts.exceptions = append(r.opts.exceptions, route)
	return r
}

// PauseAfter pauses the execution once this router has chosen a branch.
func (r *RouterBuilder[T]) PauseAfter() *RouterBuilder[T] {
	r.opts.pauseAfter = true
	return r
}

// Scope overrides the checkpoint scope. Routers checkpoint at most the
// execution state.
func (r *RouterBuilder[T]) Scope(scope schema.PersistScope) *RouterBuilder[T] {
	r.opts.scope, r.opts.scopeSet = scope, true
	return r
}

// End returns the owning builder.
func (r *RouterBuilder[T]) End() *Builder[T] { return r.owner }

// SubflowBuilder configures a subflow step.
type SubflowBuilder[T UserContext] struct {
	chain[T]
	id   string
	flow *Flow[T]
	next string
	opts nodeOptions[T]
}

func newSubflowBuilder[T UserContext](b *Builder[T], id string, flow *Flow[T]) *SubflowBuilder[T] {
	s := &SubflowBuilder[T]{id: id, flow: flow}
	s.chain = chain[T]{owner: b, link: func(next string) { s.next = next }}
	return s
}

func (s *SubflowBuilder[T]) stepID() string { return s.id }

func (s *SubflowBuilder[T]) build() (*Node[T], error) {
	return s.opts.applyTo(NewSubflowNode(s.id, s.flow, s.next)), nil
}

// Then sets the step to continue at once the nested flow completes.
func (s *SubflowBuilder[T]) Then(id string) *SubflowBuilder[T] {
	s.next = id
	return s
}

// OnException routes nested failures matching m to target.
func (s *SubflowBuilder[T]) OnException(m Matcher, target string) *SubflowBuilder[T] {
	return s.OnError(OnError[T](m, target))
}

// OnExceptionDo routes nested failures matching m to target after running handler.
func (s *SubflowBuilder[T]) OnExceptionDo(m Matcher, handler ErrorHandler[T], target string) *SubflowBuilder[T] {
	return s.OnError(OnError[T](m, target).Do(handler))
}

// OnError appends a prepared exception route.
func (s *SubflowBuilder[T]) OnError(route ExceptionRoute[T]) *SubflowBuilder[T] {
	s.opts.exceptions = append(s.opts.exceptions, route)
	return s
}

// PauseAfter pauses the execution once the nested flow has been entered.
func (s *SubflowBuilder[T]) PauseAfter() *SubflowBuilder[T] {
	s.opts.pauseAfter = true
	return s
}

// Scope overrides the checkpoint scope of this step and of every step of
// the nested flow. The shared flow itself is left untouched.
func (s *SubflowBuilder[T]) Scope(scope schema.PersistScope) *SubflowBuilder[T] {
	s.opts.scope, s.opts.scopeSet = scope, true
	return s
}
