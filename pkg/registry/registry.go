// Package registry provides an in-memory, thread-safe engine.Resolver used
// to build graphs from action and flow names.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Entry kinds reported by List.
const (
	KindAction = "action"
	KindFlow   = "flow"
)

// Info is a summary of a registered entry for listing.
type Info struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

type actionEntry[T engine.UserContext] struct {
	action      engine.Action[T]
	description string
}

// Registry is the concrete thread-safe engine.Resolver implementation.
type Registry[T engine.UserContext] struct {
	mu      sync.RWMutex
	actions map[string]actionEntry[T]
	flows   map[string]*engine.Flow[T]
}

var _ engine.Resolver[engine.UserContext] = (*Registry[engine.UserContext])(nil)

// New creates an empty Registry.
func New[T engine.UserContext]() *Registry[T] {
	return &Registry[T]{
		actions: make(map[string]actionEntry[T]),
		flows:   make(map[string]*engine.Flow[T]),
	}
}

// RegisterAction adds an action under name. Returns error on duplicate name.
func (r *Registry[T]) RegisterAction(name string, action engine.Action[T]) error {
	return r.RegisterActionDescribed(name, "", action)
}

// RegisterActionDescribed adds an action with a description shown by List.
func (r *Registry[T]) RegisterActionDescribed(name, description string, action engine.Action[T]) error {
	if action == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q is nil", name)
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = actionEntry[T]{action: action, description: description}
	return nil
}

// RegisterFlow adds a flow that subflow steps can reference by name.
func (r *Registry[T]) RegisterFlow(name string, flow *engine.Flow[T]) error {
	if flow == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "flow %q is nil", name)
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "flow name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "flow %q already registered", name)
	}
	r.flows[name] = flow
	return nil
}

// RegisterPlugin bulk-registers actions under a prefixed namespace.
// Each action name becomes "prefix.originalName" (e.g. "billing.charge").
// Registration stops at the first conflict; the count of actions already
// added is returned with the error.
func (r *Registry[T]) RegisterPlugin(prefix string, acts map[string]engine.Action[T]) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	names := make([]string, 0, len(acts))
	for name := range acts {
		names = append(names, name)
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, name := range names {
		prefixed := fmt.Sprintf("%s.%s", prefix, name)
		if acts[name] == nil {
			return registered, schema.NewErrorf(schema.ErrCodeValidation, "plugin action %q is nil", prefixed)
		}
		if _, exists := r.actions[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin action %q already registered", prefixed)
		}
		r.actions[prefixed] = actionEntry[T]{action: acts[name]}
		registered++
	}
	return registered, nil
}

// Action retrieves an action by name.
func (r *Registry[T]) Action(name string) (engine.Action[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	return e.action, nil
}

// Flow retrieves a flow by name.
func (r *Registry[T]) Flow(name string) (*engine.Flow[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.flows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not registered", name)
	}
	return f, nil
}

// Has checks if an action is registered.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// HasFlow checks if a flow is registered.
func (r *Registry[T]) HasFlow(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.flows[name]
	return ok
}

// Count returns the number of registered actions and flows.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions) + len(r.flows)
}

// List returns info for all registered entries, sorted by name then kind.
func (r *Registry[T]) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.actions)+len(r.flows))
	for name, e := range r.actions {
		infos = append(infos, Info{Name: name, Kind: KindAction, Description: e.description})
	}
	for name, f := range r.flows {
		infos = append(infos, Info{
			Name:        name,
			Kind:        KindFlow,
			Description: fmt.Sprintf("%d steps, starts at %s", f.Len(), f.Start()),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
