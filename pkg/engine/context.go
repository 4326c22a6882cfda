package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/schema"
)

// PointSeparator joins the per-depth step ids of an execution point.
const PointSeparator = "/"

// UserContext is the host data object a workflow runs on. The engine only
// reads and assigns its execution id.
type UserContext interface {
	ExecutionID() uuid.UUID
	SetExecutionID(id uuid.UUID)
}

// ExceptionHandler is called once when an execution fails with an error no
// route could handle.
type ExceptionHandler[T UserContext] func(data T, cause error, path string)

// CompletionHandler is called once when an execution reaches Completed or Failed.
type CompletionHandler[T UserContext] func(data T, state schema.ExecutionState)

// WorkflowContext pairs the engine-side execution state with the host data.
type WorkflowContext[T UserContext] struct {
	Execution *ExecutionContext[T]
	Data      T
}

// NewWorkflowContext binds an execution context to host data.
func NewWorkflowContext[T UserContext](ec *ExecutionContext[T], data T) *WorkflowContext[T] {
	return &WorkflowContext[T]{Execution: ec, Data: data}
}

// ExecutionID returns the id of the bound execution.
func (wc *WorkflowContext[T]) ExecutionID() uuid.UUID {
	return wc.Execution.ExecutionID()
}

// flowCompletion computes the next step of the enclosing level once a nested
// flow finishes. A nil *ExecutionError means the nested flow succeeded.
type flowCompletion[T UserContext] func(ctx context.Context, wc *WorkflowContext[T], failure *ExecutionError) (string, error)

// FlowCall is one level of the call stack: the flow being interpreted and
// its current step.
type FlowCall[T UserContext] struct {
	Flow       *Flow[T]
	StepID     string
	onComplete flowCompletion[T]
}

// ExecutionContext is the engine-owned state of one execution. The state
// cell, call stack and signal flags are safe for concurrent use; everything
// else is driven by a single runner at a time.
type ExecutionContext[T UserContext] struct {
	executionID     uuid.UUID
	workflowName    string
	workflowVersion int

	pauseRequested atomic.Bool
	canceled       atomic.Bool
	// driven is held by the runner currently stepping the execution.
	driven atomic.Bool

	mu        sync.Mutex
	state     schema.ExecutionState
	owner     string
	stack     []*FlowCall[T]
	point     string
	updatedAt time.Time
	waiters   []chan schema.ExecutionState
	// settling is set while a stopping transition is being checkpointed.
	settling bool
	// staged is the state a pending transition writes before applying it.
	staged schema.ExecutionState

	exceptionHandler  ExceptionHandler[T]
	completionHandler CompletionHandler[T]
}

// NewExecutionContext creates a NotStarted execution. A nil id gets a fresh one.
func NewExecutionContext[T UserContext](id uuid.UUID, workflowName string, workflowVersion int) *ExecutionContext[T] {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &ExecutionContext[T]{
		executionID:     id,
		workflowName:    workflowName,
		workflowVersion: workflowVersion,
		state:           schema.StateNotStarted,
		updatedAt:       time.Now().UTC(),
	}
}

func (ec *ExecutionContext[T]) ExecutionID() uuid.UUID { return ec.executionID }
func (ec *ExecutionContext[T]) WorkflowName() string   { return ec.workflowName }
func (ec *ExecutionContext[T]) WorkflowVersion() int   { return ec.workflowVersion }

// State returns the current execution state.
func (ec *ExecutionContext[T]) State() schema.ExecutionState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

// OwnerInstance returns the advisory marker of the process running the execution.
func (ec *ExecutionContext[T]) OwnerInstance() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.owner
}

// SetOwnerInstance records which process runs the execution.
func (ec *ExecutionContext[T]) SetOwnerInstance(id string) {
	ec.mu.Lock()
	ec.owner = id
	ec.mu.Unlock()
}

// ExecutionPoint returns the persisted position, one step id per stack depth.
func (ec *ExecutionContext[T]) ExecutionPoint() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.point
}

// UpdatedAt returns when the state or position last changed.
func (ec *ExecutionContext[T]) UpdatedAt() time.Time {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.updatedAt
}

// Depth returns the number of flows on the call stack.
func (ec *ExecutionContext[T]) Depth() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.stack)
}

// IsPauseRequested reports whether a pause is pending.
func (ec *ExecutionContext[T]) IsPauseRequested() bool { return ec.pauseRequested.Load() }

// IsCanceled reports whether cancellation was requested.
func (ec *ExecutionContext[T]) IsCanceled() bool { return ec.canceled.Load() }

// RequestCancel asks the runner to stop at the next step boundary.
func (ec *ExecutionContext[T]) RequestCancel() { ec.canceled.Store(true) }

// RequestPause asks the runner to pause at the next step boundary. The
// returned channel receives Paused once the pause checkpoint is written, or
// the final state if the execution stops for another reason first.
func (ec *ExecutionContext[T]) RequestPause() <-chan schema.ExecutionState {
	ch := make(chan schema.ExecutionState, 1)

	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.settling {
		switch ec.state {
		case schema.StatePaused, schema.StateCanceled, schema.StateCompleted, schema.StateFailed:
			ch <- ec.state
			return ch
		}
	}
	ec.waiters = append(ec.waiters, ch)
	ec.pauseRequested.Store(true)
	return ch
}

// SetExceptionHandler replaces the failure callback.
func (ec *ExecutionContext[T]) SetExceptionHandler(h ExceptionHandler[T]) {
	ec.mu.Lock()
	ec.exceptionHandler = h
	ec.mu.Unlock()
}

// SetCompletionHandler replaces the completion callback.
func (ec *ExecutionContext[T]) SetCompletionHandler(h CompletionHandler[T]) {
	ec.mu.Lock()
	ec.completionHandler = h
	ec.mu.Unlock()
}

func (ec *ExecutionContext[T]) handlers() (ExceptionHandler[T], CompletionHandler[T]) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.exceptionHandler, ec.completionHandler
}

// casState moves the state from `from` to `to`, failing if another
// transition happened in between.
func (ec *ExecutionContext[T]) casState(from, to schema.ExecutionState) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state != from {
		return false
	}
	ec.state = to
	ec.updatedAt = time.Now().UTC()
	return true
}

// stageState makes Snapshot report s until it is cleared with "".
func (ec *ExecutionContext[T]) stageState(s schema.ExecutionState) {
	ec.mu.Lock()
	ec.staged = s
	ec.mu.Unlock()
}

func (ec *ExecutionContext[T]) beginSettle() {
	ec.mu.Lock()
	ec.settling = true
	ec.mu.Unlock()
}

// releaseWaiters delivers state to every pending pause waiter.
func (ec *ExecutionContext[T]) releaseWaiters(state schema.ExecutionState) {
	ec.mu.Lock()
	waiters := ec.waiters
	ec.waiters = nil
	ec.settling = false
	ec.mu.Unlock()

	for _, ch := range waiters {
		ch <- state
	}
}

func (ec *ExecutionContext[T]) clearPauseRequest() { ec.pauseRequested.Store(false) }
func (ec *ExecutionContext[T]) clearCancel()       { ec.canceled.Store(false) }

// --- call stack ---

func (ec *ExecutionContext[T]) push(flow *Flow[T], stepID string, onComplete flowCompletion[T]) {
	ec.mu.Lock()
	ec.stack = append(ec.stack, &FlowCall[T]{Flow: flow, StepID: stepID, onComplete: onComplete})
	ec.mu.Unlock()
}

func (ec *ExecutionContext[T]) pop() *FlowCall[T] {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	n := len(ec.stack)
	if n == 0 {
		return nil
	}
	call := ec.stack[n-1]
	ec.stack[n-1] = nil
	ec.stack = ec.stack[:n-1]
	return call
}

func (ec *ExecutionContext[T]) top() *FlowCall[T] {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if len(ec.stack) == 0 {
		return nil
	}
	return ec.stack[len(ec.stack)-1]
}

func (ec *ExecutionContext[T]) setCurrentStep(stepID string) {
	ec.mu.Lock()
	if n := len(ec.stack); n > 0 {
		ec.stack[n-1].StepID = stepID
	}
	ec.mu.Unlock()
}

func (ec *ExecutionContext[T]) clearStack() {
	ec.mu.Lock()
	ec.stack = nil
	ec.mu.Unlock()
}

// updateExecutionPoint recomputes the position from the whole call stack.
func (ec *ExecutionContext[T]) updateExecutionPoint() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	steps := make([]string, len(ec.stack))
	for i, call := range ec.stack {
		steps[i] = call.StepID
	}
	ec.point = FormatExecutionPoint(steps)
	ec.updatedAt = time.Now().UTC()
	return ec.point
}

func (ec *ExecutionContext[T]) setExecutionPoint(point string) {
	ec.mu.Lock()
	ec.point = point
	ec.mu.Unlock()
}

// FormatExecutionPoint joins per-depth step ids, outermost first.
func FormatExecutionPoint(steps []string) string {
	return strings.Join(steps, PointSeparator)
}

// ParseExecutionPoint splits a position into per-depth step ids.
func ParseExecutionPoint(point string) []string {
	if point == "" {
		return nil
	}
	return strings.Split(point, PointSeparator)
}

// --- persistence form ---

// ExecutionSnapshot is the persisted form of an ExecutionContext. The call
// stack is not stored; it is rebuilt from ExecutionPoint and the flow.
type ExecutionSnapshot struct {
	ExecutionID     uuid.UUID             `json:"execution_id"`
	WorkflowName    string                `json:"workflow_name"`
	WorkflowVersion int                   `json:"workflow_version"`
	State           schema.ExecutionState `json:"state"`
	ExecutionPoint  string                `json:"execution_point"`
	OwnerInstance   string                `json:"owner_instance,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Snapshot captures the persistable fields.
func (ec *ExecutionContext[T]) Snapshot() ExecutionSnapshot {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	state := ec.state
	if ec.staged != "" {
		state = ec.staged
	}
	return ExecutionSnapshot{
		ExecutionID:     ec.executionID,
		WorkflowName:    ec.workflowName,
		WorkflowVersion: ec.workflowVersion,
		State:           state,
		ExecutionPoint:  ec.point,
		OwnerInstance:   ec.owner,
		UpdatedAt:       ec.updatedAt,
	}
}

// RestoreExecutionContext rebuilds an execution from its snapshot. The call
// stack stays empty until a runner resumes it.
func RestoreExecutionContext[T UserContext](snap ExecutionSnapshot) *ExecutionContext[T] {
	state := snap.State
	if state == "" {
		state = schema.StateNotStarted
	}
	return &ExecutionContext[T]{
		executionID:     snap.ExecutionID,
		workflowName:    snap.WorkflowName,
		workflowVersion: snap.WorkflowVersion,
		state:           state,
		point:           snap.ExecutionPoint,
		owner:           snap.OwnerInstance,
		updatedAt:       snap.UpdatedAt,
	}
}
