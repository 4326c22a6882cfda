package actions

import (
	"context"

	"github.com/rendis/waypoint/internal/expressions"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// --- set ---

// newSet writes either a literal "value" (strings are interpolated) or the
// result of "expression" evaluated in "lang" to "path".
func (b *builtins) newSet(params Params) (engine.Action[*Document], error) {
	path, ok := stringParam(params, "path")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "set requires 'path' string parameter")
	}
	value, hasValue := params["value"]
	expression, hasExpr := stringParam(params, "expression")
	if hasValue == hasExpr {
		return nil, schema.NewError(schema.ErrCodeValidation, "set requires exactly one of 'value' or 'expression'")
	}

	if hasValue {
		return func(ctx context.Context, doc *Document) error {
			v := value
			if s, ok := value.(string); ok && expressions.HasInterpolation(s) {
				text, err := expressions.Interpolate(s, doc.Vars(ctx))
				if err != nil {
					return err
				}
				v = text
			}
			return doc.Set(path, v)
		}, nil
	}

	lang, _ := stringParam(params, "lang")
	eng, err := b.exprs.Get(lang)
	if err != nil {
		return nil, err
	}
	if err := eng.Check(expression); err != nil {
		return nil, err
	}
	return func(ctx context.Context, doc *Document) error {
		out, err := eng.Evaluate(ctx, expression, doc.Vars(ctx))
		if err != nil {
			return err
		}
		return doc.Set(path, out)
	}, nil
}

// --- delete ---

func newDelete(params Params) (engine.Action[*Document], error) {
	path, ok := stringParam(params, "path")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "delete requires 'path' string parameter")
	}
	return func(_ context.Context, doc *Document) error {
		doc.Delete(path)
		return nil
	}, nil
}

// --- jq ---

// newJQ runs a jq program over {data, execution}. Without "target" the
// result must be an object and replaces the document; with it the result is
// stored at that path.
func (b *builtins) newJQ(params Params) (engine.Action[*Document], error) {
	program, ok := stringParam(params, "expression")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq requires 'expression' string parameter")
	}
	target, _ := stringParam(params, "target")

	eng, err := b.exprs.Get("jq")
	if err != nil {
		return nil, err
	}
	if err := eng.Check(program); err != nil {
		return nil, err
	}

	return func(ctx context.Context, doc *Document) error {
		out, err := eng.Evaluate(ctx, program, doc.Vars(ctx))
		if err != nil {
			return err
		}
		if target != "" {
			return doc.Set(target, out)
		}
		obj, ok := out.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"jq transform %q returned %T, want an object", program, out).
				WithDetails(map[string]any{"expression": program})
		}
		doc.Replace(obj)
		return nil
	}, nil
}
