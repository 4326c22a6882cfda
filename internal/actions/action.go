// Package actions provides the Document user context and the built-in
// actions declarative workflows can use on it.
package actions

import (
	"errors"
	"fmt"

	"github.com/rendis/waypoint/pkg/engine"
)

// Params are the static parameters a definition passes to a built-in action.
type Params map[string]any

// Factory builds a configured action from its parameters. Factories validate
// parameters eagerly so that bad definitions fail at compile time.
type Factory func(params Params) (engine.Action[*Document], error)

// ActionInfo is a summary of a built-in action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Failure is the error raised by built-in actions. Kind names the failure
// class; exception routes in definitions match on it.
type Failure struct {
	Kind    string
	Message string
	Details map[string]any
	Cause   error
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Kind
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Fail creates a Failure of the given kind.
func Fail(kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Built-in failure kinds.
const (
	KindAssertion = "assertion_failed"
	KindSchema    = "schema_violation"
)

// MatchKind matches failures of the given kind anywhere in the error chain.
func MatchKind(kind string) engine.Matcher {
	return func(err error) bool {
		var f *Failure
		return errors.As(err, &f) && f.Kind == kind
	}
}

func stringParam(params Params, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok && s != ""
}
