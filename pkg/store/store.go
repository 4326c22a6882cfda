// Package store implements engine.Repository on top of pluggable byte-level
// backends (memory, libSQL, Redis) and records execution transitions in an
// append-only event log.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	GetExecution(ctx context.Context, id uuid.UUID) (*engine.ExecutionSnapshot, error)
	PutExecution(ctx context.Context, snap engine.ExecutionSnapshot) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.ExecutionSnapshot, error)
	DeleteExecution(ctx context.Context, id uuid.UUID) error

	// User contexts. An empty path reads the most recently written record.
	GetUserContext(ctx context.Context, id uuid.UUID, path string) (*UserRecord, error)
	PutUserContext(ctx context.Context, rec *UserRecord) error

	// PutCheckpoint writes both halves of an execution atomically.
	PutCheckpoint(ctx context.Context, snap engine.ExecutionSnapshot, rec *UserRecord) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, id uuid.UUID, since int64) ([]*Event, error)

	// Lifecycle
	Close() error
}

func storeNotFound(resource string, id any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
