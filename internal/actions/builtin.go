package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/waypoint/internal/expressions"
	"github.com/rendis/waypoint/internal/logging"
	"github.com/rendis/waypoint/internal/validation"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// BuiltinConfig carries the collaborators built-in actions need. Nil fields
// are created with defaults.
type BuiltinConfig struct {
	Logger      *slog.Logger
	Expressions *expressions.Set
	Validator   *validation.JSONSchemaValidator
}

type builtins struct {
	logger    *slog.Logger
	exprs     *expressions.Set
	validator *validation.JSONSchemaValidator
}

// Builtins returns a catalog with every built-in action registered.
func Builtins(cfg BuiltinConfig) (*Catalog, error) {
	b := &builtins{logger: cfg.Logger, exprs: cfg.Expressions, validator: cfg.Validator}
	if b.logger == nil {
		b.logger = logging.Discard()
	}
	if b.exprs == nil {
		set, err := expressions.NewSet()
		if err != nil {
			return nil, err
		}
		b.exprs = set
	}
	if b.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		b.validator = v
	}

	all := []struct {
		name        string
		description string
		factory     Factory
	}{
		{"noop", "Do nothing", newNoop},
		{"log", "Log an interpolated message", b.newLog},
		{"fail", "Fail with a named failure kind", newFail},
		{"sleep", "Wait for a duration or until canceled", newSleep},
		{"set", "Set a document path to a value or expression result", b.newSet},
		{"delete", "Remove a document path", newDelete},
		{"jq", "Transform the document with a jq program", b.newJQ},
		{"assert", "Fail unless an expression holds", b.newAssert},
		{"validate", "Fail unless the document matches a JSON Schema", b.newValidate},
	}

	c := NewCatalog()
	for _, a := range all {
		if err := c.Register(a.name, a.description, a.factory); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// --- noop ---

func newNoop(Params) (engine.Action[*Document], error) {
	return func(context.Context, *Document) error { return nil }, nil
}

// --- log ---

func (b *builtins) newLog(params Params) (engine.Action[*Document], error) {
	message, ok := stringParam(params, "message")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "log requires 'message' string parameter")
	}
	level := slog.LevelInfo
	if s, ok := stringParam(params, "level"); ok {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "log: unknown level %q", s)
		}
	}

	logger := b.logger
	return func(ctx context.Context, doc *Document) error {
		text, err := expressions.Interpolate(message, doc.Vars(ctx))
		if err != nil {
			return err
		}
		logging.LogWith(ctx, logger).Log(ctx, level, text)
		return nil
	}, nil
}

// --- fail ---

func newFail(params Params) (engine.Action[*Document], error) {
	kind, ok := stringParam(params, "kind")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "fail requires 'kind' string parameter")
	}
	message, _ := stringParam(params, "message")

	return func(ctx context.Context, doc *Document) error {
		text, err := expressions.Interpolate(message, doc.Vars(ctx))
		if err != nil {
			return err
		}
		return &Failure{Kind: kind, Message: text}
	}, nil
}

// --- sleep ---

func newSleep(params Params) (engine.Action[*Document], error) {
	raw, ok := stringParam(params, "duration")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "sleep requires 'duration' string parameter")
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", raw)
	}

	return func(ctx context.Context, _ *Document) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}, nil
}
