package actions

import (
	"sort"
	"sync"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/registry"
	"github.com/rendis/waypoint/pkg/schema"
)

type catalogEntry struct {
	factory     Factory
	description string
}

// Catalog is a thread-safe set of parameterized action factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]catalogEntry
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]catalogEntry)}
}

// Register adds a factory. Returns error on duplicate name.
func (c *Catalog) Register(name, description string, factory Factory) error {
	if factory == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "factory %q is nil", name)
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "factory name is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	c.factories[name] = catalogEntry{factory: factory, description: description}
	return nil
}

// Build creates the action name configured with params.
func (c *Catalog) Build(name string, params Params) (engine.Action[*Document], error) {
	c.mu.RLock()
	entry, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	if params == nil {
		params = Params{}
	}
	action, err := entry.factory(params)
	if err != nil {
		return nil, err
	}
	return action, nil
}

// Has checks if a factory is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[name]
	return ok
}

// List returns info for all factories, sorted by name.
func (c *Catalog) List() []ActionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(c.factories))
	for name, e := range c.factories {
		infos = append(infos, ActionInfo{Name: name, Description: e.description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterTransforms builds one "jq" action per program from the catalog and
// registers them in reg under "transform.<name>".
func (c *Catalog) RegisterTransforms(reg *registry.Registry[*Document], programs map[string]string) (int, error) {
	if len(programs) == 0 {
		return 0, nil
	}
	built := make(map[string]engine.Action[*Document], len(programs))
	for name, program := range programs {
		action, err := c.Build("jq", Params{"expression": program})
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "transform %q: %s", name, err.Error()).WithCause(err)
		}
		built[name] = action
	}
	return reg.RegisterPlugin("transform", built)
}
