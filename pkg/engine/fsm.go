package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.ExecutionState) error

// TransitionEvent describes one execution state change.
type TransitionEvent struct {
	ExecutionID    uuid.UUID
	WorkflowName   string
	Type           string
	From           schema.ExecutionState
	To             schema.ExecutionState
	ExecutionPoint string
	At             time.Time
}

// EventAppender receives transition events; store.EventLog satisfies it.
type EventAppender interface {
	AppendTransition(ctx context.Context, event TransitionEvent) error
}

// stateCell is the part of an ExecutionContext the FSM drives.
type stateCell interface {
	ExecutionID() uuid.UUID
	WorkflowName() string
	ExecutionPoint() string
	State() schema.ExecutionState
	casState(from, to schema.ExecutionState) bool
}

type hookKey struct {
	from, to schema.ExecutionState
}

// ExecutionFSM enforces the execution transition table and emits an event
// for every applied transition.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM that emits events via the given appender.
// A nil appender disables event emission.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is applied.
// A hook error aborts the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is applied.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and applies a state change on the execution.
// The caller is responsible for checkpointing the new state.
func (f *ExecutionFSM) Transition(ctx context.Context, cell stateCell, to schema.ExecutionState) error {
	return f.TransitionPersisted(ctx, cell, to, nil)
}

// TransitionPersisted is Transition with a write between the before hooks
// and the state change. If persist fails the execution keeps its state, no
// event is emitted and the persist error is returned unchanged.
func (f *ExecutionFSM) TransitionPersisted(ctx context.Context, cell stateCell, to schema.ExecutionState, persist func() error) error {
	from := cell.State()
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": cell.ExecutionID().String(), "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}

	if !cell.casState(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s changed state concurrently", cell.ExecutionID())
	}

	if f.appender != nil {
		event := TransitionEvent{
			ExecutionID:    cell.ExecutionID(),
			WorkflowName:   cell.WorkflowName(),
			Type:           eventType(from, to),
			From:           from,
			To:             to,
			ExecutionPoint: cell.ExecutionPoint(),
			At:             time.Now().UTC(),
		}
		if err := f.appender.AppendTransition(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether the transition table allows from -> to.
func IsValidTransition(from, to schema.ExecutionState) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func eventType(from, to schema.ExecutionState) string {
	switch to {
	case schema.StateRunning:
		if from == schema.StateNotStarted {
			return schema.EventExecutionStarted
		}
		return schema.EventExecutionResumed
	case schema.StatePaused:
		return schema.EventExecutionPaused
	case schema.StateCanceled:
		return schema.EventExecutionCanceled
	case schema.StateCompleted:
		return schema.EventExecutionCompleted
	case schema.StateFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// ValidTransitions defines the allowed execution state transitions.
var ValidTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.StateNotStarted: {schema.StateRunning, schema.StateCanceled},
	schema.StateRunning:    {schema.StatePaused, schema.StateCanceled, schema.StateCompleted, schema.StateFailed},
	schema.StatePaused:     {schema.StateRunning, schema.StateCanceled},
	schema.StateCanceled:   {schema.StateRunning},
	schema.StateCompleted:  {},
	schema.StateFailed:     {},
}
