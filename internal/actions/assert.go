package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/waypoint/internal/expressions"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// --- assert ---

func (b *builtins) newAssert(params Params) (engine.Action[*Document], error) {
	expression, ok := stringParam(params, "expression")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert requires 'expression' string parameter")
	}
	lang, _ := stringParam(params, "lang")
	eng, err := b.exprs.Get(lang)
	if err != nil {
		return nil, err
	}
	if err := eng.Check(expression); err != nil {
		return nil, err
	}
	kind, ok := stringParam(params, "kind")
	if !ok {
		kind = KindAssertion
	}
	message, ok := stringParam(params, "message")
	if !ok {
		message = fmt.Sprintf("expression %q is false", expression)
	}

	return func(ctx context.Context, doc *Document) error {
		vars := doc.Vars(ctx)
		pass, err := expressions.EvalBool(ctx, eng, expression, vars)
		if err != nil {
			return err
		}
		if pass {
			return nil
		}
		text, err := expressions.Interpolate(message, vars)
		if err != nil {
			text = message
		}
		return &Failure{Kind: kind, Message: text, Details: map[string]any{"expression": expression}}
	}, nil
}

// --- validate ---

// newValidate checks the document, or the object at "path", against "schema".
func (b *builtins) newValidate(params Params) (engine.Action[*Document], error) {
	schemaObj, ok := params["schema"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "validate requires 'schema' object parameter")
	}
	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}
	path, _ := stringParam(params, "path")
	message, ok := stringParam(params, "message")
	if !ok {
		message = "document does not match schema"
	}

	validator := b.validator
	return func(_ context.Context, doc *Document) error {
		data := doc.Data()
		if path != "" {
			v, _ := doc.Get(path)
			obj, ok := v.(map[string]any)
			if !ok {
				return &Failure{Kind: KindSchema, Message: fmt.Sprintf("%q is not an object", path)}
			}
			data = obj
		}
		err := validator.ValidateDocument(data, schemaBytes)
		if err == nil {
			return nil
		}
		details := map[string]any{"error": err.Error()}
		var se *schema.Error
		if errors.As(err, &se) && se.Details != nil {
			details["violations"] = se.Details["violations"]
		}
		return &Failure{Kind: KindSchema, Message: message, Details: details, Cause: err}
	}, nil
}
