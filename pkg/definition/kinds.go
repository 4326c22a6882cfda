package definition

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/waypoint/internal/actions"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Kinds maps the error-kind names used in on_error routes to matchers.
// Names without a registered matcher match actions.Failure values of that
// kind, which is what the fail, assert and validate actions raise.
type Kinds struct {
	mu       sync.RWMutex
	matchers map[string]engine.Matcher
}

// Kind names registered by NewKinds.
const (
	KindAny        = "any"
	KindExpression = "expression"
	KindValidation = "validation"
	KindTimeout    = "timeout"
)

// NewKinds creates a Kinds table with the built-in kinds registered.
func NewKinds() *Kinds {
	return &Kinds{matchers: map[string]engine.Matcher{
		KindAny:        engine.MatchAny(),
		KindExpression: codeMatcher(schema.ErrCodeExpression),
		KindValidation: codeMatcher(schema.ErrCodeValidation),
		KindTimeout:    engine.MatchError(context.DeadlineExceeded),
	}}
}

// Register binds name to a matcher, for example a Go error type:
//
//	kinds.Register("out_of_stock", engine.MatchType[*OutOfStockError]())
func (k *Kinds) Register(name string, m engine.Matcher) error {
	if name == "" || m == nil {
		return schema.NewError(schema.ErrCodeValidation, "error kind needs a name and a matcher")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.matchers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "error kind %q already registered", name)
	}
	k.matchers[name] = m
	return nil
}

// Matcher returns the matcher for name.
func (k *Kinds) Matcher(name string) engine.Matcher {
	k.mu.RLock()
	m, ok := k.matchers[name]
	k.mu.RUnlock()
	if ok {
		return m
	}
	return actions.MatchKind(name)
}

// Names lists the registered kind names.
func (k *Kinds) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.matchers))
	for name := range k.matchers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func codeMatcher(code string) engine.Matcher {
	return func(err error) bool { return schema.HasCode(err, code) }
}
