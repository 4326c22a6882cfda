package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/schema"
)

// Workflow is a named, versioned flow plus the collaborators used to run it.
// A Workflow is safe for concurrent use by many executions.
type Workflow[T UserContext] struct {
	name    string
	version int
	flow    *Flow[T]
	cfg     Config[T]
	rc      *runConfig[T]
}

// NewWorkflow binds a flow to its run configuration.
func NewWorkflow[T UserContext](name string, version int, flow *Flow[T], cfg Config[T]) *Workflow[T] {
	return &Workflow[T]{
		name:    name,
		version: version,
		flow:    flow,
		cfg:     cfg,
		rc:      newRunConfig(cfg),
	}
}

func (w *Workflow[T]) Name() string   { return w.name }
func (w *Workflow[T]) Version() int   { return w.version }
func (w *Workflow[T]) Flow() *Flow[T] { return w.flow }

// FSM exposes the transition machine so callers can register hooks.
func (w *Workflow[T]) FSM() *ExecutionFSM { return w.rc.fsm }

// NewContext creates a NotStarted execution for data. The execution id is
// taken from data, or generated and written back when data has none.
func (w *Workflow[T]) NewContext(data T) *WorkflowContext[T] {
	id := data.ExecutionID()
	if id == uuid.Nil {
		id = uuid.New()
		data.SetExecutionID(id)
	}
	ec := NewExecutionContext[T](id, w.name, w.version)
	return NewWorkflowContext(ec, data)
}

func (w *Workflow[T]) bind(wc *WorkflowContext[T]) error {
	ec := wc.Execution
	if ec.WorkflowName() != w.name || ec.WorkflowVersion() != w.version {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s belongs to %s v%d, not %s v%d",
			ec.ExecutionID(), ec.WorkflowName(), ec.WorkflowVersion(), w.name, w.version)
	}
	if w.cfg.ExceptionHandler != nil {
		ec.SetExceptionHandler(w.cfg.ExceptionHandler)
	}
	if w.cfg.CompletionHandler != nil {
		ec.SetCompletionHandler(w.cfg.CompletionHandler)
	}
	return nil
}

// Run executes data from the start on the calling goroutine and returns once
// the execution stops. Failures are reported through the execution state and
// the exception handler; the error is only set if the run could not start.
func (w *Workflow[T]) Run(ctx context.Context, data T) (*WorkflowContext[T], error) {
	wc := w.NewContext(data)
	if err := w.bind(wc); err != nil {
		return wc, err
	}
	return wc, newRunner(w.flow, wc, w.rc).run(ctx)
}

// ResumeSync continues a paused, canceled or crashed execution on the
// calling goroutine.
func (w *Workflow[T]) ResumeSync(ctx context.Context, wc *WorkflowContext[T]) error {
	if err := w.bind(wc); err != nil {
		return err
	}
	return newRunner(w.flow, wc, w.rc).run(ctx)
}

// Start begins a new execution in the background.
func (w *Workflow[T]) Start(ctx context.Context, data T) (*RunHandle[T], error) {
	return w.launch(ctx, w.NewContext(data))
}

// Resume continues an execution in the background.
func (w *Workflow[T]) Resume(ctx context.Context, wc *WorkflowContext[T]) (*RunHandle[T], error) {
	return w.launch(ctx, wc)
}

// ResumeByID loads an execution through the repository and resumes it.
func (w *Workflow[T]) ResumeByID(ctx context.Context, id uuid.UUID) (*RunHandle[T], error) {
	if w.cfg.Repository == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume by id requires a repository")
	}
	wc, err := w.cfg.Repository.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.launch(ctx, wc)
}

// Cancel stops an execution. One a runner is driving is asked to stop at its
// next step boundary. Any other execution is moved to Canceled here and its
// execution context checkpointed; canceling a Canceled execution is a no-op.
func (w *Workflow[T]) Cancel(ctx context.Context, wc *WorkflowContext[T]) error {
	if err := w.bind(wc); err != nil {
		return err
	}
	ec := wc.Execution
	if !ec.driven.CompareAndSwap(false, true) {
		ec.RequestCancel()
		return nil
	}
	defer ec.driven.Store(false)
	if ec.State() == schema.StateCanceled {
		return nil
	}

	r := newRunner(w.flow, wc, w.rc)
	ctx = r.withIDs(ctx)
	if err := r.settle(ctx, schema.StateCanceled, schema.ScopeExecution); err != nil {
		return err
	}
	r.log(ctx).Info("execution canceled", slog.String("point", ec.ExecutionPoint()))
	return nil
}

// CancelByID loads an execution through the repository and cancels it.
func (w *Workflow[T]) CancelByID(ctx context.Context, id uuid.UUID) error {
	if w.cfg.Repository == nil {
		return schema.NewError(schema.ErrCodeValidation, "cancel by id requires a repository")
	}
	wc, err := w.cfg.Repository.Load(ctx, id)
	if err != nil {
		return err
	}
	return w.Cancel(ctx, wc)
}

func (w *Workflow[T]) launch(ctx context.Context, wc *WorkflowContext[T]) (*RunHandle[T], error) {
	if err := w.bind(wc); err != nil {
		return nil, err
	}
	r := newRunner(w.flow, wc, w.rc)
	ok, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	h := newRunHandle(wc)
	if !ok {
		h.finish(nil)
		return h, nil
	}

	if w.cfg.Pool != nil {
		(&stepper[T]{r: r, pool: w.cfg.Pool, handle: h}).start(ctx)
		return h, nil
	}
	go func() {
		for r.step(ctx) {
		}
		h.finish(nil)
	}()
	return h, nil
}

// RunHandle controls an execution running in the background.
type RunHandle[T UserContext] struct {
	wc   *WorkflowContext[T]
	done chan struct{}
	once sync.Once
	err  error
}

func newRunHandle[T UserContext](wc *WorkflowContext[T]) *RunHandle[T] {
	return &RunHandle[T]{wc: wc, done: make(chan struct{})}
}

func (h *RunHandle[T]) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Context returns the execution and host data being run.
func (h *RunHandle[T]) Context() *WorkflowContext[T] { return h.wc }

// ExecutionID returns the id of the execution.
func (h *RunHandle[T]) ExecutionID() uuid.UUID { return h.wc.ExecutionID() }

// State returns the current execution state.
func (h *RunHandle[T]) State() schema.ExecutionState { return h.wc.Execution.State() }

// Done is closed once the runner stops driving the execution.
func (h *RunHandle[T]) Done() <-chan struct{} { return h.done }

// RequestPause asks the execution to pause after its current step. The
// channel receives Paused once the pause is checkpointed, or the state the
// execution stopped in if it ended first.
func (h *RunHandle[T]) RequestPause() <-chan schema.ExecutionState {
	return h.wc.Execution.RequestPause()
}

// Cancel asks the execution to stop at the next step boundary. A stopped
// execution keeps the request until it runs again; Workflow.Cancel cancels
// it at once.
func (h *RunHandle[T]) Cancel() { h.wc.Execution.RequestCancel() }

// Wait blocks until the runner stops or ctx is done. The error is set when
// ctx ended first or the pool refused to continue the execution.
func (h *RunHandle[T]) Wait(ctx context.Context) (schema.ExecutionState, error) {
	select {
	case <-h.done:
		return h.State(), h.err
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}
