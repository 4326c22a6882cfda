// Package definition loads declarative workflow definitions written in YAML
// or JSON and compiles them into engine flows over actions.Document.
//
//	name: orders
//	version: 2
//	steps:
//	  - id: reserve
//	    action: inventory.reserve
//	    on_error:
//	      - kind: out_of_stock
//	        goto: backorder
//	  - id: decide
//	    router:
//	      routes:
//	        - when: data.total > 100.0
//	          goto: review
//	      default: ship
//	  - id: review
//	    subflow: manual-review
//	    next: ship
//	  - id: ship
//	    action: set
//	    with: {path: status, value: shipped}
//	    end: true
//	  - id: backorder
//	    action: log
//	    with: {message: "backorder ${{data.sku}}"}
package definition

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/rendis/waypoint/pkg/schema"
)

// Definition is a named, versioned workflow.
type Definition struct {
	Name        string             `json:"name" yaml:"name"`
	Version     int                `json:"version,omitempty" yaml:"version,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Lang        string             `json:"lang,omitempty" yaml:"lang,omitempty"`
	Start       string             `json:"start,omitempty" yaml:"start,omitempty"`
	Steps       []StepDef          `json:"steps" yaml:"steps"`
	Flows       map[string]FlowDef `json:"flows,omitempty" yaml:"flows,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// FlowDef is a step list usable as a subflow.
type FlowDef struct {
	Start string    `json:"start,omitempty" yaml:"start,omitempty"`
	Steps []StepDef `json:"steps" yaml:"steps"`
}

// StepDef is one step. Exactly one of Action, Router, Subflow and Flow is set.
// Action and subflow steps without Next continue with the following step in
// the list unless End is set.
type StepDef struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Action      string          `json:"action,omitempty" yaml:"action,omitempty"`
	With        map[string]any  `json:"with,omitempty" yaml:"with,omitempty"`
	If          string          `json:"if,omitempty" yaml:"if,omitempty"`
	Lang        string          `json:"lang,omitempty" yaml:"lang,omitempty"`
	Next        string          `json:"next,omitempty" yaml:"next,omitempty"`
	End         bool            `json:"end,omitempty" yaml:"end,omitempty"`
	Router      *RouterDef      `json:"router,omitempty" yaml:"router,omitempty"`
	Subflow     string          `json:"subflow,omitempty" yaml:"subflow,omitempty"`
	Flow        *FlowDef        `json:"flow,omitempty" yaml:"flow,omitempty"`
	OnError     []ErrorRouteDef `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	PauseAfter  bool            `json:"pause_after,omitempty" yaml:"pause_after,omitempty"`
	Scope       string          `json:"scope,omitempty" yaml:"scope,omitempty"`
	Retry       *RetryDef       `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryDef retries a failing action step in place before its on_error
// routes apply. Delays are Go durations such as "500ms".
type RetryDef struct {
	Max      int    `json:"max" yaml:"max"`
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// RouterDef lists the branches of a router; Default is mandatory.
type RouterDef struct {
	Routes  []RouteDef `json:"routes,omitempty" yaml:"routes,omitempty"`
	Default string     `json:"default" yaml:"default"`
}

// RouteDef is one router branch.
type RouteDef struct {
	When string `json:"when" yaml:"when"`
	Lang string `json:"lang,omitempty" yaml:"lang,omitempty"`
	Goto string `json:"goto" yaml:"goto"`
}

// ErrorRouteDef sends failures of a named kind to another step.
type ErrorRouteDef struct {
	Kind string `json:"kind" yaml:"kind"`
	Goto string `json:"goto" yaml:"goto"`
}

// decode turns raw YAML or JSON into the generic document used for schema
// validation. JSON is valid YAML, so one decoder covers both.
func decode(raw []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is not valid YAML or JSON").WithCause(err)
	}
	return doc, nil
}

// fromDocument converts a validated generic document into a Definition.
func fromDocument(doc any) (*Definition, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has non-string keys").WithCause(err)
	}
	var def Definition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition does not match its schema").WithCause(err)
	}
	return &def, nil
}

// toDocument converts a Definition built in code into the generic form.
func toDocument(def *Definition) (any, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}
	return doc, nil
}

// Marshal renders def as YAML.
func Marshal(def *Definition) ([]byte, error) {
	return yaml.Marshal(def)
}
