package engine

import (
	"context"
	"errors"
)

// Action is the side-effecting body of an action step.
type Action[T UserContext] func(ctx context.Context, data T) error

// Predicate decides whether a conditional step runs or a router branch is taken.
type Predicate[T UserContext] func(ctx context.Context, data T) (bool, error)

// Cond adapts a plain boolean function to a Predicate.
func Cond[T UserContext](fn func(data T) bool) Predicate[T] {
	return func(_ context.Context, data T) (bool, error) {
		return fn(data), nil
	}
}

// Always is the wildcard predicate used for router fallbacks.
func Always[T UserContext]() Predicate[T] {
	return func(context.Context, T) (bool, error) { return true, nil }
}

// Route is one router branch.
type Route[T UserContext] struct {
	When   Predicate[T]
	Target string
}

// When builds a router branch.
func When[T UserContext](pred Predicate[T], target string) Route[T] {
	return Route[T]{When: pred, Target: target}
}

// Matcher reports whether an exception route applies to a failure cause.
type Matcher func(err error) bool

// MatchType matches any error in the chain assignable to E. When E is an
// interface, every concrete error implementing it matches.
func MatchType[E error]() Matcher {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// MatchError matches causes that are, or wrap, the given sentinel.
func MatchError(sentinel error) Matcher {
	return func(err error) bool {
		return errors.Is(err, sentinel)
	}
}

// MatchAny matches every error.
func MatchAny() Matcher {
	return func(error) bool { return true }
}

// ErrorHandler is a side effect run when an exception route is taken.
type ErrorHandler[T UserContext] func(ctx context.Context, data T, cause error)

// ExceptionRoute maps a failure to the step that handles it. Routes are
// evaluated in declaration order and the first match wins.
type ExceptionRoute[T UserContext] struct {
	Match   Matcher
	Handler ErrorHandler[T]
	Target  string
	// Kind is a display name for the matcher, used in logs and definitions.
	Kind string
}

// OnError builds an exception route without a handler.
func OnError[T UserContext](match Matcher, target string) ExceptionRoute[T] {
	return ExceptionRoute[T]{Match: match, Target: target}
}

// Do returns a copy of the route that runs handler before jumping to the target.
func (r ExceptionRoute[T]) Do(handler ErrorHandler[T]) ExceptionRoute[T] {
	r.Handler = handler
	return r
}

// Named returns a copy of the route with a display name.
func (r ExceptionRoute[T]) Named(kind string) ExceptionRoute[T] {
	r.Kind = kind
	return r
}
