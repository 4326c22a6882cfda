package actions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/internal/expressions"
	"github.com/rendis/waypoint/internal/logging"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Document is a JSON object used as the user context of declarative
// workflows. Paths are dot separated keys into nested objects. A Document is
// safe for concurrent use; readers get deep copies.
type Document struct {
	mu   sync.RWMutex
	id   uuid.UUID
	data map[string]any
}

var _ engine.UserContext = (*Document)(nil)

// NewDocument wraps a copy of data. A nil map starts an empty document.
func NewDocument(data map[string]any) *Document {
	return &Document{data: copyMap(data)}
}

// ParseDocument decodes a JSON object into a Document.
func ParseDocument(raw []byte) (*Document, error) {
	d := &Document{}
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) ExecutionID() uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

func (d *Document) SetExecutionID(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = id
}

// Data returns a deep copy of the document.
func (d *Document) Data() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyMap(d.data)
}

// Get returns a copy of the value at path.
func (d *Document) Get(path string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var cur any = d.data
	for _, key := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return copyValue(cur), true
}

// Set stores value at path, creating intermediate objects. It fails when an
// intermediate key holds something other than an object.
func (d *Document) Set(path string, value any) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "document path is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.data == nil {
		d.data = make(map[string]any)
	}
	cur := d.data
	for i, key := range keys[:len(keys)-1] {
		next, ok := cur[key]
		if !ok || next == nil {
			child := make(map[string]any)
			cur[key] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"document path %q: %q is %T, not an object", path, strings.Join(keys[:i+1], "."), next)
		}
		cur = child
	}
	cur[keys[len(keys)-1]] = copyValue(value)
	return nil
}

// Delete removes the value at path. Missing paths are ignored.
func (d *Document) Delete(path string) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.data
	for _, key := range keys[:len(keys)-1] {
		child, ok := cur[key].(map[string]any)
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, keys[len(keys)-1])
}

// Replace swaps the whole document content.
func (d *Document) Replace(data map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = copyMap(data)
}

// Vars returns the expression variables for this document: a copy of the
// data under "data" and the correlation ids found on ctx under "execution".
func (d *Document) Vars(ctx context.Context) map[string]any {
	id := logging.ExecutionID(ctx)
	if id == "" {
		if eid := d.ExecutionID(); eid != uuid.Nil {
			id = eid.String()
		}
	}
	execution := map[string]any{
		"id":       id,
		"workflow": logging.Workflow(ctx),
		"step":     logging.StepID(ctx),
		"instance": logging.InstanceID(ctx),
	}
	return map[string]any{
		expressions.VarData:      d.Data(),
		expressions.VarExecution: execution,
	}
}

// MarshalJSON encodes the document content as a JSON object.
func (d *Document) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.data)
}

// UnmarshalJSON replaces the document content with a JSON object.
func (d *Document) UnmarshalJSON(raw []byte) error {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document must be a JSON object").WithCause(err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = data
	return nil
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
