// Package validation checks workflow definitions and document data against
// JSON Schema Draft 2020-12.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/waypoint/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://waypoint.dev/schemas/definition.json"

// definitionSchemaJSON describes a declarative workflow definition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://waypoint.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "description": { "type": "string" },
    "lang": { "$ref": "#/$defs/lang" },
    "start": { "$ref": "#/$defs/id" },
    "steps": { "$ref": "#/$defs/steps" },
    "flows": {
      "type": "object",
      "propertyNames": { "$ref": "#/$defs/id" },
      "additionalProperties": { "$ref": "#/$defs/flow" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[^/]+$"
    },
    "lang": {
      "type": "string",
      "enum": ["cel", "expr", "jq"]
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "flow": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "start": { "$ref": "#/$defs/id" },
        "steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "scope": {
      "type": "string",
      "enum": ["none", "execution", "user", "all"]
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "$ref": "#/$defs/id" },
        "description": { "type": "string" },
        "action": { "type": "string", "minLength": 1 },
        "with": { "type": "object" },
        "if": { "type": "string", "minLength": 1 },
        "lang": { "$ref": "#/$defs/lang" },
        "next": { "$ref": "#/$defs/id" },
        "end": { "type": "boolean" },
        "router": { "$ref": "#/$defs/router" },
        "subflow": { "type": "string", "minLength": 1 },
        "flow": { "$ref": "#/$defs/flow" },
        "on_error": {
          "type": "array",
          "items": { "$ref": "#/$defs/error_route" }
        },
        "pause_after": { "type": "boolean" },
        "scope": { "$ref": "#/$defs/scope" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "oneOf": [
        { "required": ["action"] },
        { "required": ["router"] },
        { "required": ["subflow"] },
        { "required": ["flow"] }
      ],
      "additionalProperties": false
    },
    "router": {
      "type": "object",
      "required": ["default"],
      "properties": {
        "routes": {
          "type": "array",
          "items": { "$ref": "#/$defs/route" }
        },
        "default": { "$ref": "#/$defs/id" }
      },
      "additionalProperties": false
    },
    "route": {
      "type": "object",
      "required": ["when", "goto"],
      "properties": {
        "when": { "type": "string", "minLength": 1 },
        "lang": { "$ref": "#/$defs/lang" },
        "goto": { "$ref": "#/$defs/id" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "delay": { "type": "string", "minLength": 1 },
        "backoff": { "enum": ["constant", "linear", "exponential"] },
        "max_delay": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "error_route": {
      "type": "object",
      "required": ["kind", "goto"],
      "properties": {
        "kind": { "type": "string", "minLength": 1 },
        "goto": { "$ref": "#/$defs/id" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions against the built-in definition
// schema and documents against caller supplied schemas. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache of compiled document schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a decoded definition document (a JSON or
// YAML object) against the definition schema.
func (v *JSONSchemaValidator) ValidateDefinition(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is empty")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateDocument validates data against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateDocument(data map[string]any, documentSchema []byte) error {
	if data == nil {
		return schema.NewError(schema.ErrCodeValidation, "document is nil")
	}
	if len(documentSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(documentSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid document schema").WithCause(err)
	}

	value, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("waypoint://document-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every violated location.
func toSchemaError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
