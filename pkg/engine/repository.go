package engine

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists execution state and host data. The engine calls it
// synchronously from the runner after each step, with the scope the step
// resolved to. Implementations live outside this package (see pkg/store).
type Repository[T UserContext] interface {
	// LoadUserContext returns the host data saved at the given execution point.
	LoadUserContext(ctx context.Context, executionID uuid.UUID, path string) (T, error)
	// SaveUserContext stores the host data at the given execution point.
	SaveUserContext(ctx context.Context, executionID uuid.UUID, path string, data T) error
	LoadExecutionContext(ctx context.Context, executionID uuid.UUID) (*ExecutionContext[T], error)
	SaveExecutionContext(ctx context.Context, ec *ExecutionContext[T]) error
	// Load returns the execution with the most recently saved host data.
	Load(ctx context.Context, executionID uuid.UUID) (*WorkflowContext[T], error)
	// Save stores both halves atomically.
	Save(ctx context.Context, wc *WorkflowContext[T]) error
}

// Resolver looks up actions and flows by name for name-based graph building.
type Resolver[T UserContext] interface {
	Action(name string) (Action[T], error)
	Flow(name string) (*Flow[T], error)
}
