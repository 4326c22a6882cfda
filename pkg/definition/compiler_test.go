package definition

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waypoint/internal/actions"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/registry"
	"github.com/rendis/waypoint/pkg/schema"
)

type warehouseError struct{ site string }

func (e *warehouseError) Error() string { return fmt.Sprintf("warehouse %s is down", e.site) }

func newCompiler(t *testing.T, opts Options) *Compiler {
	t.Helper()
	c, err := NewCompiler(opts)
	require.NoError(t, err)
	return c
}

func load(t *testing.T, c *Compiler, src string) *Compiled {
	t.Helper()
	compiled, err := c.Load([]byte(src))
	require.NoError(t, err)
	return compiled
}

func runDoc(t *testing.T, w *engine.Workflow[Doc], data map[string]any) (*engine.WorkflowContext[Doc], *actions.Document) {
	t.Helper()
	doc := actions.NewDocument(data)
	wc, err := w.Run(context.Background(), doc)
	require.NoError(t, err)
	return wc, doc
}

const ordersYAML = `
name: orders
version: 2
description: price, review big orders, ship
steps:
  - id: price
    action: set
    with: {path: total, expression: "data.qty * data.price", lang: expr}
  - id: decide
    router:
      routes:
        - when: "data.total > 100.0"
          goto: review
      default: ship
  - id: review
    subflow: manual-review
    next: ship
  - id: ship
    action: set
    with: {path: status, value: shipped}
flows:
  manual-review:
    steps:
      - id: flag
        action: set
        with: {path: reviewed, value: true}
`

func TestCompiler_RoutesAndNamedSubflow(t *testing.T) {
	compiled := load(t, newCompiler(t, Options{}), ordersYAML)
	assert.Equal(t, "orders", compiled.Name)
	assert.Equal(t, 2, compiled.Version)
	assert.Equal(t, "price", compiled.Flow.Start())
	require.Contains(t, compiled.Flows, "manual-review")

	w := compiled.Workflow(engine.Config[Doc]{})

	wc, doc := runDoc(t, w, map[string]any{"qty": 30.0, "price": 5.0})
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, map[string]any{
		"qty": 30.0, "price": 5.0, "total": 150.0, "reviewed": true, "status": "shipped",
	}, doc.Data())

	wc, doc = runDoc(t, w, map[string]any{"qty": 1.0, "price": 5.0})
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	_, reviewed := doc.Get("reviewed")
	assert.False(t, reviewed)
	status, _ := doc.Get("status")
	assert.Equal(t, "shipped", status)
}

const stockYAML = `
name: stock
steps:
  - id: reserve
    action: inventory.reserve
    on_error:
      - kind: out_of_stock
        goto: backorder
      - kind: warehouse_down
        goto: retry-later
    end: true
  - id: backorder
    action: set
    with: {path: outcome, value: backorder}
    end: true
  - id: retry-later
    action: set
    with: {path: outcome, value: "retry at ${{data.site}}"}
`

func stockRegistry(t *testing.T) *registry.Registry[Doc] {
	t.Helper()
	reg := registry.New[Doc]()
	require.NoError(t, reg.RegisterAction("inventory.reserve", func(_ context.Context, doc Doc) error {
		mode, _ := doc.Get("mode")
		switch mode {
		case "stock":
			return actions.Fail("out_of_stock", "no units")
		case "warehouse":
			site, _ := doc.Get("site")
			return &warehouseError{site: fmt.Sprint(site)}
		case "boom":
			return errors.New("boom")
		}
		return doc.Set("outcome", "reserved")
	}))
	return reg
}

func TestCompiler_ExceptionRoutesByKind(t *testing.T) {
	kinds := NewKinds()
	require.NoError(t, kinds.Register("warehouse_down", engine.MatchType[*warehouseError]()))

	var failures []string
	c := newCompiler(t, Options{Resolver: stockRegistry(t), Kinds: kinds})
	w := load(t, c, stockYAML).Workflow(engine.Config[Doc]{
		ExceptionHandler: func(_ Doc, cause error, path string) {
			failures = append(failures, path+": "+cause.Error())
		},
	})

	tests := []struct {
		mode  string
		want  any
		state schema.ExecutionState
	}{
		{"ok", "reserved", schema.StateCompleted},
		{"stock", "backorder", schema.StateCompleted},
		{"warehouse", "retry at north", schema.StateCompleted},
		{"boom", nil, schema.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			wc, doc := runDoc(t, w, map[string]any{"mode": tt.mode, "site": "north"})
			assert.Equal(t, tt.state, wc.Execution.State())
			outcome, _ := doc.Get("outcome")
			assert.Equal(t, tt.want, outcome)
		})
	}
	assert.Equal(t, []string{"reserve: boom"}, failures)
}

const approvalYAML = `
name: approval
lang: expr
steps:
  - id: notify
    action: set
    if: data.vip == true
    with: {path: notified, value: true}
  - id: approve
    flow:
      steps:
        - id: request
          action: set
          with: {path: requested, value: "${{execution.workflow}}"}
          pause_after: true
        - id: decide
          action: jq
          with: {expression: ".data | .approved = true"}
  - id: done
    action: assert
    with: {expression: "data.approved == true"}
`

func TestCompiler_ConditionalInlineFlowAndPause(t *testing.T) {
	w := load(t, newCompiler(t, Options{}), approvalYAML).Workflow(engine.Config[Doc]{})

	wc, doc := runDoc(t, w, map[string]any{"vip": false})
	require.Equal(t, schema.StatePaused, wc.Execution.State())
	requested, _ := doc.Get("requested")
	assert.Equal(t, "approval", requested)
	_, approved := doc.Get("approved")
	assert.False(t, approved)

	require.NoError(t, w.ResumeSync(context.Background(), wc))
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, map[string]any{"vip": false, "requested": "approval", "approved": true}, doc.Data())
}

func TestCompiler_AssertFailureIsRoutable(t *testing.T) {
	src := `
name: checks
steps:
  - id: check
    action: assert
    with: {expression: "data.total < 10.0", kind: too_big}
    on_error:
      - kind: too_big
        goto: split
    end: true
  - id: split
    action: set
    with: {path: split, value: true}
`
	w := load(t, newCompiler(t, Options{}), src).Workflow(engine.Config[Doc]{})
	wc, doc := runDoc(t, w, map[string]any{"total": 50.0})
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	split, _ := doc.Get("split")
	assert.Equal(t, true, split)
}

func TestCompiler_JSONDefinition(t *testing.T) {
	src := `{
  "name": "json-flow",
  "steps": [
    {"id": "a", "action": "set", "with": {"path": "a", "value": 1}},
    {"id": "b", "router": {"routes": [{"when": ".data.a == 1", "lang": "jq", "goto": "c"}], "default": "d"}},
    {"id": "c", "action": "set", "with": {"path": "branch", "value": "c"}, "end": true},
    {"id": "d", "action": "set", "with": {"path": "branch", "value": "d"}}
  ]
}`
	compiled := load(t, newCompiler(t, Options{}), src)
	assert.Equal(t, 1, compiled.Version)

	wc, doc := runDoc(t, compiled.Workflow(engine.Config[Doc]{}), nil)
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	branch, _ := doc.Get("branch")
	assert.Equal(t, "c", branch)
}

func TestCompiler_ResolverTakesPrecedenceWithoutParams(t *testing.T) {
	reg := registry.New[Doc]()
	require.NoError(t, reg.RegisterAction("noop", func(_ context.Context, doc Doc) error {
		return doc.Set("custom", true)
	}))
	c := newCompiler(t, Options{Resolver: reg})

	src := `
name: precedence
steps:
  - id: custom
    action: noop
  - id: builtin
    action: log
    with: {message: "done"}
  - id: fallback
    action: delete
    with: {path: nothing}
`
	wc, doc := runDoc(t, load(t, c, src).Workflow(engine.Config[Doc]{}), nil)
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	custom, _ := doc.Get("custom")
	assert.Equal(t, true, custom)
}

func TestCompiler_SubflowFromResolver(t *testing.T) {
	reg := registry.New[Doc]()
	sub, err := engine.NewBuilder[Doc]().
		Step("mark", func(_ context.Context, doc Doc) error { return doc.Set("shared", true) }).
		End().
		Build()
	require.NoError(t, err)
	require.NoError(t, reg.RegisterFlow("shared", sub))

	src := `
name: outer
steps:
  - id: call
    subflow: shared
`
	wc, doc := runDoc(t, load(t, newCompiler(t, Options{Resolver: reg}), src).Workflow(engine.Config[Doc]{}), nil)
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	shared, _ := doc.Get("shared")
	assert.Equal(t, true, shared)
}

func TestCompiler_Retry(t *testing.T) {
	calls := 0
	reg := registry.New[Doc]()
	require.NoError(t, reg.RegisterAction("flaky", func(_ context.Context, doc Doc) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return doc.Set("attempts", calls)
	}))
	c := newCompiler(t, Options{Resolver: reg})

	src := `
name: flaky
steps:
  - id: call
    action: flaky
    retry: {max: 3, delay: 1ms, backoff: exponential, max_delay: 5ms}
`
	wc, doc := runDoc(t, load(t, c, src).Workflow(engine.Config[Doc]{}), nil)
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	attempts, _ := doc.Get("attempts")
	assert.Equal(t, 3, attempts)

	calls = -10
	src = `
name: flaky-short
steps:
  - id: call
    action: flaky
    retry: {max: 1, delay: 1ms}
    on_error:
      - kind: any
        goto: giveup
  - id: giveup
    action: set
    with: {path: gave_up, value: true}
`
	wc, doc = runDoc(t, load(t, c, src).Workflow(engine.Config[Doc]{}), nil)
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, -8, calls)
	gaveUp, _ := doc.Get("gave_up")
	assert.Equal(t, true, gaveUp)
}

func TestCompiler_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
		want string
	}{
		{
			name: "not yaml",
			src:  "name: [unclosed",
			code: schema.ErrCodeValidation,
		},
		{
			name: "schema violation",
			src:  "name: x\n",
			code: schema.ErrCodeValidation,
			want: "steps",
		},
		{
			name: "unknown action",
			src:  "name: x\nsteps:\n  - {id: a, action: nope}\n",
			code: schema.ErrCodeNotFound,
			want: "nope",
		},
		{
			name: "unknown target",
			src:  "name: x\nsteps:\n  - {id: a, action: noop, next: ghost}\n",
			code: schema.ErrCodeUnresolvedStep,
			want: "ghost",
		},
		{
			name: "unknown subflow",
			src:  "name: x\nsteps:\n  - {id: a, subflow: ghost}\n",
			code: schema.ErrCodeUnresolvedStep,
			want: "ghost",
		},
		{
			name: "cyclic flows",
			src: `
name: x
steps:
  - {id: a, subflow: one}
flows:
  one:
    steps: [{id: s, subflow: two}]
  two:
    steps: [{id: s, subflow: one}]
`,
			code: schema.ErrCodeValidation,
			want: "includes itself",
		},
		{
			name: "bad predicate",
			src:  "name: x\nsteps:\n  - {id: a, action: noop, if: 'data.total >'}\n",
			code: schema.ErrCodeValidation,
		},
		{
			name: "router with next",
			src:  "name: x\nsteps:\n  - {id: a, router: {default: b}, next: b}\n  - {id: b, action: noop}\n",
			code: schema.ErrCodeValidation,
			want: "router",
		},
		{
			name: "next and end",
			src:  "name: x\nsteps:\n  - {id: a, action: noop, next: b, end: true}\n  - {id: b, action: noop}\n",
			code: schema.ErrCodeValidation,
			want: "both next and end",
		},
		{
			name: "bad parameters",
			src:  "name: x\nsteps:\n  - {id: a, action: set, with: {value: 1}}\n",
			code: schema.ErrCodeValidation,
			want: "path",
		},
		{
			name: "duplicate ids",
			src:  "name: x\nsteps:\n  - {id: a, action: noop}\n  - {id: a, action: noop}\n",
			code: schema.ErrCodeDuplicateStep,
		},
		{
			name: "conditional subflow",
			src:  "name: x\nsteps:\n  - {id: a, if: 'true', flow: {steps: [{id: b, action: noop}]}}\n",
			code: schema.ErrCodeValidation,
			want: "conditional",
		},
		{
			name: "retry on router",
			src:  "name: x\nsteps:\n  - {id: a, router: {default: b}, retry: {max: 2}}\n  - {id: b, action: noop}\n",
			code: schema.ErrCodeValidation,
			want: "only action steps",
		},
		{
			name: "bad retry delay",
			src:  "name: x\nsteps:\n  - {id: a, action: noop, retry: {max: 2, delay: soon}}\n",
			code: schema.ErrCodeValidation,
			want: "soon",
		},
		{
			name: "unknown backoff",
			src:  "name: x\nsteps:\n  - {id: a, action: noop, retry: {max: 2, backoff: random}}\n",
			code: schema.ErrCodeValidation,
		},
		{
			name: "subflow with parameters",
			src:  "name: x\nsteps:\n  - {id: a, subflow: one, with: {x: 1}}\nflows:\n  one: {steps: [{id: b, action: noop}]}\n",
			code: schema.ErrCodeValidation,
			want: "parameters",
		},
	}

	c := newCompiler(t, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Load([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tt.code), err.Error())
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestCompiler_CompileStruct(t *testing.T) {
	def := &Definition{
		Name:  "coded",
		Start: "b",
		Steps: []StepDef{
			{ID: "a", Action: "set", With: map[string]any{"path": "a", "value": true}, End: true},
			{ID: "b", Action: "set", With: map[string]any{"path": "b", "value": true}, Next: "a"},
		},
	}
	c := newCompiler(t, Options{})
	compiled, err := c.Compile(def)
	require.NoError(t, err)
	assert.Equal(t, "b", compiled.Flow.Start())

	wc, doc := runDoc(t, compiled.Workflow(engine.Config[Doc]{}), nil)
	assert.Equal(t, schema.StateCompleted, wc.Execution.State())
	assert.Equal(t, map[string]any{"a": true, "b": true}, doc.Data())

	_, err = c.Compile(nil)
	require.Error(t, err)

	_, err = c.Compile(&Definition{Name: "empty"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestMarshal_RoundTrip(t *testing.T) {
	c := newCompiler(t, Options{})
	compiled := load(t, c, ordersYAML)

	doc, err := decode([]byte(ordersYAML))
	require.NoError(t, err)
	def, err := fromDocument(doc)
	require.NoError(t, err)

	out, err := Marshal(def)
	require.NoError(t, err)
	again := load(t, c, string(out))
	assert.Equal(t, compiled.Flow.StepIDs(), again.Flow.StepIDs())
	assert.Equal(t, compiled.Version, again.Version)
}

func TestKinds(t *testing.T) {
	k := NewKinds()
	assert.Equal(t, []string{KindAny, KindExpression, KindTimeout, KindValidation}, k.Names())

	assert.True(t, k.Matcher(KindAny)(errors.New("x")))
	assert.True(t, k.Matcher(KindTimeout)(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.True(t, k.Matcher(KindExpression)(schema.NewError(schema.ErrCodeExpression, "bad")))
	assert.False(t, k.Matcher(KindValidation)(schema.NewError(schema.ErrCodeExpression, "bad")))
	assert.True(t, k.Matcher("custom")(actions.Fail("custom", "x")))

	require.NoError(t, k.Register("down", engine.MatchType[*warehouseError]()))
	assert.True(t, k.Matcher("down")(fmt.Errorf("wrap: %w", &warehouseError{site: "s"})))
	assert.True(t, schema.HasCode(k.Register("down", engine.MatchAny()), schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(k.Register("", engine.MatchAny()), schema.ErrCodeValidation))
}
