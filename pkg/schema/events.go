package schema

// Event type constants for the execution transition log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionPaused    = "execution_paused"
	EventExecutionCanceled  = "execution_canceled"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)

// ExecutionState represents the lifecycle state of a workflow execution.
type ExecutionState string

const (
	StateNotStarted ExecutionState = "not_started"
	StateRunning    ExecutionState = "running"
	StatePaused     ExecutionState = "paused"
	StateCanceled   ExecutionState = "canceled"
	StateCompleted  ExecutionState = "completed"
	StateFailed     ExecutionState = "failed"
)

// IsTerminal reports whether no further step can ever run from this state.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsResumable reports whether a host may re-enter Running from this state.
// Running is included so executions interrupted by a crash can be recovered.
func (s ExecutionState) IsResumable() bool {
	return s == StatePaused || s == StateCanceled || s == StateRunning
}
