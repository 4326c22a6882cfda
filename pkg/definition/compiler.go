package definition

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/waypoint/internal/actions"
	"github.com/rendis/waypoint/internal/expressions"
	"github.com/rendis/waypoint/internal/validation"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Doc is the user context type of compiled definitions.
type Doc = *actions.Document

// Options configures a Compiler. Nil fields get defaults: built-in actions,
// all expression languages, the built-in kinds and no resolver.
type Options struct {
	// Resolver supplies actions and flows registered in Go. Names it does not
	// know fall back to the built-in catalog.
	Resolver    engine.Resolver[Doc]
	Catalog     *actions.Catalog
	Expressions *expressions.Set
	Validator   *validation.JSONSchemaValidator
	Kinds       *Kinds
	// Logger is given to the built-in log action when Catalog is nil.
	Logger *slog.Logger
}

// Compiler turns definitions into flows. It is safe for concurrent use.
type Compiler struct {
	resolver  engine.Resolver[Doc]
	catalog   *actions.Catalog
	exprs     *expressions.Set
	validator *validation.JSONSchemaValidator
	kinds     *Kinds
}

// Compiled is the result of compiling a definition.
type Compiled struct {
	Name        string
	Version     int
	Description string
	Flow        *engine.Flow[Doc]
	// Flows holds the compiled entries of the definition's flows section.
	Flows map[string]*engine.Flow[Doc]
}

// Workflow binds the compiled flow to a run configuration.
func (c *Compiled) Workflow(cfg engine.Config[Doc]) *engine.Workflow[Doc] {
	return engine.NewWorkflow(c.Name, c.Version, c.Flow, cfg)
}

// NewCompiler creates a Compiler.
func NewCompiler(opts Options) (*Compiler, error) {
	c := &Compiler{
		resolver:  opts.Resolver,
		catalog:   opts.Catalog,
		exprs:     opts.Expressions,
		validator: opts.Validator,
		kinds:     opts.Kinds,
	}
	if c.exprs == nil {
		set, err := expressions.NewSet()
		if err != nil {
			return nil, err
		}
		c.exprs = set
	}
	if c.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		c.validator = v
	}
	if c.catalog == nil {
		cat, err := actions.Builtins(actions.BuiltinConfig{
			Logger:      opts.Logger,
			Expressions: c.exprs,
			Validator:   c.validator,
		})
		if err != nil {
			return nil, err
		}
		c.catalog = cat
	}
	if c.kinds == nil {
		c.kinds = NewKinds()
	}
	return c, nil
}

// Load parses, validates and compiles a YAML or JSON definition.
func (c *Compiler) Load(raw []byte) (*Compiled, error) {
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := c.validator.ValidateDefinition(doc); err != nil {
		return nil, err
	}
	def, err := fromDocument(doc)
	if err != nil {
		return nil, err
	}
	return c.compile(def)
}

// Compile validates and compiles a definition built in code.
func (c *Compiler) Compile(def *Definition) (*Compiled, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}
	doc, err := toDocument(def)
	if err != nil {
		return nil, err
	}
	if err := c.validator.ValidateDefinition(doc); err != nil {
		return nil, err
	}
	return c.compile(def)
}

func (c *Compiler) compile(def *Definition) (*Compiled, error) {
	version := def.Version
	if version == 0 {
		version = 1
	}
	run := &compilation{
		c:        c,
		def:      def,
		flows:    make(map[string]*engine.Flow[Doc], len(def.Flows)),
		visiting: make(map[string]bool),
	}

	for _, name := range sortedKeys(def.Flows) {
		if _, err := run.localFlow(name); err != nil {
			return nil, err
		}
	}
	flow, err := run.buildFlow(def.Name, def.Start, def.Steps)
	if err != nil {
		return nil, err
	}
	return &Compiled{
		Name:        def.Name,
		Version:     version,
		Description: def.Description,
		Flow:        flow,
		Flows:       run.flows,
	}, nil
}

// compilation holds the state of one Compile call.
type compilation struct {
	c        *Compiler
	def      *Definition
	flows    map[string]*engine.Flow[Doc]
	visiting map[string]bool
}

// localFlow compiles an entry of the flows section once, detecting cycles.
func (r *compilation) localFlow(name string) (*engine.Flow[Doc], error) {
	if f, ok := r.flows[name]; ok {
		return f, nil
	}
	if r.visiting[name] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "flow %q includes itself", name)
	}
	fd := r.def.Flows[name]
	r.visiting[name] = true
	f, err := r.buildFlow(name, fd.Start, fd.Steps)
	delete(r.visiting, name)
	if err != nil {
		return nil, err
	}
	r.flows[name] = f
	return f, nil
}

// subflow resolves a subflow reference: the definition's own flows first,
// then the resolver.
func (r *compilation) subflow(name string) (*engine.Flow[Doc], error) {
	if _, ok := r.def.Flows[name]; ok {
		return r.localFlow(name)
	}
	if r.c.resolver == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedStep, "flow %q is not defined", name)
	}
	return r.c.resolver.Flow(name)
}

func (r *compilation) buildFlow(name, start string, steps []StepDef) (*engine.Flow[Doc], error) {
	b := engine.NewBuilder[Doc]()
	if start != "" {
		b.StartAt(start)
	}

	issues := &schema.ValidationResult{}
	for i, s := range steps {
		following := ""
		if i+1 < len(steps) {
			following = steps[i+1].ID
		}
		if err := r.addStep(b, s, following); err != nil {
			addIssue(issues, s.ID, err)
		}
	}
	if err := issues.ToError(); err != nil {
		return nil, flowError(name, err)
	}

	flow, err := b.Build()
	if err != nil {
		return nil, flowError(name, err)
	}
	return flow, nil
}

func (r *compilation) addStep(b *engine.Builder[Doc], s StepDef, following string) error {
	if s.Next != "" && s.End {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q sets both next and end", s.ID)
	}
	routes := r.exceptionRoutes(s)
	var scope *schema.PersistScope
	if s.Scope != "" {
		sc, err := schema.ParsePersistScope(s.Scope)
		if err != nil {
			return err
		}
		scope = &sc
	}
	next := s.Next
	if next == "" && !s.End {
		next = following
	}

	if s.Retry != nil && s.Action == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q: only action steps can retry", s.ID)
	}

	switch {
	case s.Router != nil:
		return r.addRouter(b, s, routes, scope)

	case s.Action != "":
		action, err := r.action(s)
		if err != nil {
			return err
		}
		if s.Retry != nil {
			policy, err := retryPolicy(s.Retry)
			if err != nil {
				return err
			}
			action = actions.Retry(action, policy)
		}
		ab := b.Step(s.ID, action)
		if s.If != "" {
			pred, err := r.predicate(s.Lang, s.If)
			if err != nil {
				return err
			}
			ab.If(pred)
		}
		if next != "" {
			ab.Then(next)
		}
		for _, route := range routes {
			ab.OnError(route)
		}
		if s.PauseAfter {
			ab.PauseAfter()
		}
		if scope != nil {
			ab.Scope(*scope)
		}
		return nil

	default:
		if s.If != "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "subflow step %q cannot be conditional", s.ID)
		}
		flow, err := r.nestedFlow(s)
		if err != nil {
			return err
		}
		sb := b.Subflow(s.ID, flow)
		if next != "" {
			sb.Then(next)
		}
		for _, route := range routes {
			sb.OnError(route)
		}
		if s.PauseAfter {
			sb.PauseAfter()
		}
		if scope != nil {
			sb.Scope(*scope)
		}
		return nil
	}
}

func (r *compilation) addRouter(b *engine.Builder[Doc], s StepDef, routes []engine.ExceptionRoute[Doc], scope *schema.PersistScope) error {
	if s.Next != "" || s.End || s.If != "" || len(s.With) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "router %q only takes routes, default, on_error, pause_after and scope", s.ID)
	}
	rb := b.Router(s.ID, s.Router.Default)
	for _, route := range s.Router.Routes {
		lang := route.Lang
		if lang == "" {
			lang = s.Lang
		}
		pred, err := r.predicate(lang, route.When)
		if err != nil {
			return err
		}
		rb.When(pred, route.Goto)
	}
	for _, route := range routes {
		rb.OnError(route)
	}
	if s.PauseAfter {
		rb.PauseAfter()
	}
	if scope != nil {
		rb.Scope(*scope)
	}
	return nil
}

func (r *compilation) nestedFlow(s StepDef) (*engine.Flow[Doc], error) {
	if len(s.With) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "subflow step %q does not take parameters", s.ID)
	}
	if s.Flow != nil {
		return r.buildFlow(s.ID, s.Flow.Start, s.Flow.Steps)
	}
	return r.subflow(s.Subflow)
}

// action resolves an action step. Steps with parameters always use the
// built-in catalog; others try the resolver first.
func (r *compilation) action(s StepDef) (engine.Action[Doc], error) {
	if len(s.With) == 0 && r.c.resolver != nil {
		action, err := r.c.resolver.Action(s.Action)
		if err == nil {
			return action, nil
		}
		if !schema.HasCode(err, schema.ErrCodeNotFound) || !r.c.catalog.Has(s.Action) {
			return nil, err
		}
	}
	return r.c.catalog.Build(s.Action, actions.Params(s.With))
}

// predicate compiles expression in lang, falling back to the definition's
// language and then to the default one.
func (r *compilation) predicate(lang, expression string) (engine.Predicate[Doc], error) {
	if lang == "" {
		lang = r.def.Lang
	}
	eng, err := r.c.exprs.Get(lang)
	if err != nil {
		return nil, err
	}
	if err := eng.Check(expression); err != nil {
		return nil, err
	}
	return func(ctx context.Context, doc Doc) (bool, error) {
		return expressions.EvalBool(ctx, eng, expression, doc.Vars(ctx))
	}, nil
}

func (r *compilation) exceptionRoutes(s StepDef) []engine.ExceptionRoute[Doc] {
	routes := make([]engine.ExceptionRoute[Doc], 0, len(s.OnError))
	for _, e := range s.OnError {
		routes = append(routes, engine.OnError[Doc](r.c.kinds.Matcher(e.Kind), e.Goto).Named(e.Kind))
	}
	return routes
}

func retryPolicy(def *RetryDef) (actions.RetryPolicy, error) {
	policy := actions.RetryPolicy{Max: def.Max, Backoff: def.Backoff}
	var err error
	if def.Delay != "" {
		if policy.Delay, err = time.ParseDuration(def.Delay); err != nil {
			return policy, schema.NewErrorf(schema.ErrCodeValidation, "retry delay %q: %s", def.Delay, err.Error())
		}
	}
	if def.MaxDelay != "" {
		if policy.MaxDelay, err = time.ParseDuration(def.MaxDelay); err != nil {
			return policy, schema.NewErrorf(schema.ErrCodeValidation, "retry max_delay %q: %s", def.MaxDelay, err.Error())
		}
	}
	return policy, policy.Validate()
}

func flowError(name string, err error) error {
	if se, ok := err.(*schema.Error); ok {
		if se.Details == nil {
			se.Details = map[string]any{}
		}
		se.Details["flow"] = name
		return se
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "flow %q: %s", name, err.Error()).WithCause(err)
}

func addIssue(result *schema.ValidationResult, id string, err error) {
	if se, ok := err.(*schema.Error); ok {
		result.AddError(id, se.Code, se.Message)
		return
	}
	result.AddError(id, schema.ErrCodeValidation, err.Error())
}

func sortedKeys(m map[string]FlowDef) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
