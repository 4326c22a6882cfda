package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Codec converts user contexts to and from their stored form.
type Codec[T engine.UserContext] interface {
	Marshal(data T) ([]byte, error)
	Unmarshal(raw []byte) (T, error)
}

// JSONCodec encodes user contexts with encoding/json. newT returns an empty
// value to decode into.
func JSONCodec[T engine.UserContext](newT func() T) Codec[T] {
	return jsonCodec[T]{newT: newT}
}

type jsonCodec[T engine.UserContext] struct {
	newT func() T
}

func (c jsonCodec[T]) Marshal(data T) ([]byte, error) { return json.Marshal(data) }

func (c jsonCodec[T]) Unmarshal(raw []byte) (T, error) {
	data := c.newT()
	if err := json.Unmarshal(raw, data); err != nil {
		var zero T
		return zero, err
	}
	return data, nil
}

// Repository adapts a Store to engine.Repository for user context type T.
type Repository[T engine.UserContext] struct {
	store Store
	codec Codec[T]
}

// NewRepository creates a repository persisting through s.
func NewRepository[T engine.UserContext](s Store, codec Codec[T]) *Repository[T] {
	return &Repository[T]{store: s, codec: codec}
}

// Store returns the backend.
func (r *Repository[T]) Store() Store { return r.store }

func (r *Repository[T]) LoadUserContext(ctx context.Context, id uuid.UUID, path string) (T, error) {
	var zero T
	rec, err := r.store.GetUserContext(ctx, id, path)
	if err != nil {
		return zero, err
	}
	return r.decode(id, rec)
}

func (r *Repository[T]) SaveUserContext(ctx context.Context, id uuid.UUID, path string, data T) error {
	rec, err := r.encode(id, path, data)
	if err != nil {
		return err
	}
	return r.store.PutUserContext(ctx, rec)
}

func (r *Repository[T]) LoadExecutionContext(ctx context.Context, id uuid.UUID) (*engine.ExecutionContext[T], error) {
	snap, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return engine.RestoreExecutionContext[T](*snap), nil
}

func (r *Repository[T]) SaveExecutionContext(ctx context.Context, ec *engine.ExecutionContext[T]) error {
	return r.store.PutExecution(ctx, stamp(ec.Snapshot()))
}

// Load returns the execution with the most recently saved user context.
func (r *Repository[T]) Load(ctx context.Context, id uuid.UUID) (*engine.WorkflowContext[T], error) {
	ec, err := r.LoadExecutionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := r.LoadUserContext(ctx, id, "")
	if err != nil {
		return nil, err
	}
	return engine.NewWorkflowContext(ec, data), nil
}

// Save writes the execution and its user context in one transaction.
func (r *Repository[T]) Save(ctx context.Context, wc *engine.WorkflowContext[T]) error {
	snap := stamp(wc.Execution.Snapshot())
	rec, err := r.encode(snap.ExecutionID, snap.ExecutionPoint, wc.Data)
	if err != nil {
		return err
	}
	return r.store.PutCheckpoint(ctx, snap, rec)
}

// List returns the executions matching filter.
func (r *Repository[T]) List(ctx context.Context, filter ExecutionFilter) ([]engine.ExecutionSnapshot, error) {
	return r.store.ListExecutions(ctx, filter)
}

func (r *Repository[T]) encode(id uuid.UUID, path string, data T) (*UserRecord, error) {
	raw, err := r.codec.Marshal(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode user context %s: %s", id, err.Error()).WithCause(err)
	}
	return &UserRecord{ExecutionID: id, Path: path, Data: raw, UpdatedAt: time.Now().UTC()}, nil
}

func (r *Repository[T]) decode(id uuid.UUID, rec *UserRecord) (T, error) {
	data, err := r.codec.Unmarshal(rec.Data)
	if err != nil {
		var zero T
		return zero, schema.NewErrorf(schema.ErrCodeStore, "decode user context %s: %s", id, err.Error()).WithCause(err)
	}
	data.SetExecutionID(id)
	return data, nil
}

// stamp sets UpdatedAt for snapshots that were never transitioned.
func stamp(snap engine.ExecutionSnapshot) engine.ExecutionSnapshot {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	return snap
}
