// Package expressions evaluates the predicate and transform expressions used
// by workflow definitions. Three languages are supported: CEL (the default),
// Expr and jq.
package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/waypoint/pkg/schema"
)

// Variables exposed to predicates.
const (
	VarData      = "data"
	VarExecution = "execution"
)

// Engine evaluates expressions against a set of named variables.
// Implementations cache compiled programs and are safe for concurrent use.
type Engine interface {
	Name() string
	// Check compiles expression without running it.
	Check(expression string) error
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// EvalBool evaluates expression and requires a boolean result.
func EvalBool(ctx context.Context, e Engine, expression string, vars map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Set holds one engine per language.
type Set struct {
	engines  map[string]Engine
	fallback string
}

// NewSet creates the CEL, Expr and jq engines. CEL is the default language.
func NewSet() (*Set, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	s := &Set{engines: make(map[string]Engine), fallback: cel.Name()}
	for _, e := range []Engine{cel, NewExprEngine(), NewGoJQEngine()} {
		s.engines[e.Name()] = e
	}
	return s, nil
}

// Get returns the engine for lang; an empty lang selects the default.
func (s *Set) Get(lang string) (Engine, error) {
	if lang == "" {
		lang = s.fallback
	}
	e, ok := s.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression language %q (have %v)", lang, s.Languages())
	}
	return e, nil
}

// Languages lists the registered language names.
func (s *Set) Languages() []string {
	out := make([]string, 0, len(s.engines))
	for name := range s.engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func evalError(lang, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func compileError(lang, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyError(lang string) *schema.Error {
	return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("empty %s expression", lang))
}
