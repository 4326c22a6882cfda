package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/waypoint/internal/logging"
	"github.com/rendis/waypoint/pkg/schema"
)

// runner drives one execution. step is the unit of work shared by the
// synchronous loop and the cooperative stepper.
type runner[T UserContext] struct {
	flow *Flow[T]
	wc   *WorkflowContext[T]
	cfg  *runConfig[T]
}

func newRunner[T UserContext](flow *Flow[T], wc *WorkflowContext[T], cfg *runConfig[T]) *runner[T] {
	return &runner[T]{flow: flow, wc: wc, cfg: cfg}
}

func (r *runner[T]) withIDs(ctx context.Context) context.Context {
	ec := r.wc.Execution
	ctx = logging.WithWorkflow(ctx, ec.WorkflowName())
	ctx = logging.WithExecutionID(ctx, ec.ExecutionID().String())
	if r.cfg.instanceID != "" {
		ctx = logging.WithInstanceID(ctx, r.cfg.instanceID)
	}
	return ctx
}

func (r *runner[T]) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, r.cfg.logger)
}

// run is the synchronous loop.
func (r *runner[T]) run(ctx context.Context) error {
	ok, err := r.begin(ctx)
	if !ok {
		return err
	}
	for r.step(ctx) {
	}
	return nil
}

// begin rebuilds the call stack from the execution point and moves the
// execution to Running. It reports false when the execution must not be
// stepped: err is set if it could not start, nil if it already failed.
func (r *runner[T]) begin(ctx context.Context) (bool, error) {
	ctx = r.withIDs(ctx)
	ec := r.wc.Execution

	from := ec.State()
	if from != schema.StateNotStarted && !from.IsResumable() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s and cannot run", ec.ExecutionID(), from)
	}
	if !ec.driven.CompareAndSwap(false, true) {
		return false, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is already being run", ec.ExecutionID())
	}
	if err := r.flow.restore(ec); err != nil {
		ec.driven.Store(false)
		return false, err
	}
	if r.cfg.instanceID != "" {
		ec.SetOwnerInstance(r.cfg.instanceID)
	}
	if from == schema.StateCanceled {
		ec.clearCancel()
	}
	if from != schema.StateRunning {
		if err := r.transition(ctx, schema.StateRunning); err != nil {
			ec.driven.Store(false)
			return false, err
		}
	}
	r.cfg.metrics.runStarted(ec.WorkflowName())
	r.log(ctx).Info("execution running",
		slog.String("from", string(from)),
		slog.String("point", ec.ExecutionPoint()))

	scope := schema.ScopeExecution
	if from == schema.StateNotStarted {
		scope = schema.ScopeAll
	}
	if err := r.checkpoint(ctx, scope); err != nil {
		r.fail(ctx, &ExecutionError{StepID: ec.top().StepID, Path: ec.ExecutionPoint(), Cause: err})
		return false, nil
	}
	return true, nil
}

// step applies the current node, records the next position, checkpoints it
// and reports whether the execution should keep going.
func (r *runner[T]) step(ctx context.Context) bool {
	ctx = r.withIDs(ctx)
	ec := r.wc.Execution

	if r.cancelRequested(ctx) {
		r.cancel(ctx)
		return false
	}

	call := ec.top()
	if call == nil {
		r.complete(ctx)
		return false
	}
	node, ok := call.Flow.Node(call.StepID)
	if !ok {
		r.fail(ctx, &ExecutionError{
			StepID: call.StepID,
			Path:   ec.ExecutionPoint(),
			Cause:  schema.NewErrorf(schema.ErrCodeUnresolvedStep, "step %q not found", call.StepID),
			fatal:  true,
		})
		return false
	}

	ctx = logging.WithStepID(ctx, node.id)
	ctx, span := r.cfg.tracer.Start(ctx, "waypoint.step", trace.WithAttributes(
		attribute.String("waypoint.workflow", ec.WorkflowName()),
		attribute.String("waypoint.execution_id", ec.ExecutionID().String()),
		attribute.String("waypoint.step_id", node.id),
		attribute.String("waypoint.node_kind", node.kind.String()),
		attribute.String("waypoint.execution_point", ec.ExecutionPoint()),
	))
	defer span.End()

	r.log(ctx).Debug("step started", slog.String("kind", node.kind.String()))
	started := time.Now()
	next, err := node.Apply(ctx, r.wc)
	elapsed := time.Since(started)

	scope := node.PersistScope()
	outcome := outcomeOK
	var failure *ExecutionError
	switch {
	case err != nil:
		failure = asExecutionError(err, node.id, ec.ExecutionPoint())
		span.RecordError(failure)
		scope = schema.ScopeAll
		next, failure = r.unwind(ctx, failure)
		if failure == nil {
			outcome = outcomeRouted
			r.log(ctx).Info("error routed by enclosing flow",
				slog.String("error", err.Error()), slog.String("next", next))
		}
	case next == "":
		next, failure = r.unwind(ctx, nil)
	}

	if failure != nil {
		span.SetStatus(codes.Error, failure.Error())
		r.cfg.metrics.observeStep(ec.WorkflowName(), node.kind, outcomeError, elapsed)
		r.fail(ctx, failure)
		return false
	}
	r.cfg.metrics.observeStep(ec.WorkflowName(), node.kind, outcome, elapsed)
	if next == "" {
		r.complete(ctx)
		return false
	}

	ec.setCurrentStep(next)
	point := ec.updateExecutionPoint()
	span.SetAttributes(attribute.String("waypoint.next_point", point))
	r.log(ctx).Debug("step finished",
		slog.String("next", point), slog.Duration("elapsed", elapsed))

	if ec.IsPauseRequested() || node.pauseAfter {
		ec.beginSettle()
		if err := r.settle(ctx, schema.StatePaused, scope); err != nil {
			r.fail(ctx, &ExecutionError{StepID: node.id, Path: point, Cause: err})
			return false
		}
		ec.clearPauseRequest()
		r.stopped(ctx, schema.StatePaused)
		return false
	}

	if err := r.checkpoint(ctx, scope); err != nil {
		r.fail(ctx, &ExecutionError{StepID: node.id, Path: point, Cause: err})
		return false
	}
	if r.cancelRequested(ctx) {
		r.cancel(ctx)
		return false
	}
	return true
}

// unwind pops finished flows off the call stack. With a nil failure the
// innermost flow completed; otherwise failure is offered to each enclosing
// subflow step, one level at a time. It returns the next step at the
// resulting depth, "" if the root flow ended, or the failure no level routed.
func (r *runner[T]) unwind(ctx context.Context, failure *ExecutionError) (string, *ExecutionError) {
	ec := r.wc.Execution
	for {
		call := ec.pop()
		if call == nil || call.onComplete == nil {
			return "", failure
		}
		next, err := call.onComplete(ctx, r.wc, failure)
		if err != nil {
			failure = asExecutionError(err, call.StepID, ec.ExecutionPoint())
			continue
		}
		failure = nil
		if next != "" {
			return next, nil
		}
	}
}

func (r *runner[T]) cancelRequested(ctx context.Context) bool {
	return r.wc.Execution.IsCanceled() || ctx.Err() != nil
}

// transition applies a state change. A failed event append is logged, not
// returned: the event log is an audit trail, not the source of truth.
func (r *runner[T]) transition(ctx context.Context, to schema.ExecutionState) error {
	err := r.cfg.fsm.Transition(context.WithoutCancel(ctx), r.wc.Execution, to)
	if err != nil && schema.HasCode(err, schema.ErrCodeStore) {
		r.log(ctx).Error("record transition event", slog.String("to", string(to)), slog.String("error", err.Error()))
		return nil
	}
	return err
}

// settle moves the execution to a stopping state. The new state is
// checkpointed first, at scope raised to one that carries the state; when
// that write or a before hook fails the execution keeps its current state.
// Errors raised once the state has changed are logged.
func (r *runner[T]) settle(ctx context.Context, to schema.ExecutionState, scope schema.PersistScope) error {
	ec := r.wc.Execution
	switch scope {
	case schema.ScopeNone:
		scope = schema.ScopeExecution
	case schema.ScopeUser:
		scope = schema.ScopeAll
	}

	var written error
	err := r.cfg.fsm.TransitionPersisted(context.WithoutCancel(ctx), ec, to, func() error {
		ec.stageState(to)
		defer ec.stageState("")
		written = r.checkpoint(ctx, scope)
		return written
	})
	switch {
	case written != nil:
		return written
	case err == nil:
		return nil
	case ec.State() == to:
		r.log(ctx).Error("record transition", slog.String("to", string(to)), slog.String("error", err.Error()))
		return nil
	}
	return err
}

// checkpoint persists the parts of the execution selected by scope. Writes
// outlive the caller's context so a canceled run still records its state.
func (r *runner[T]) checkpoint(ctx context.Context, scope schema.PersistScope) error {
	repo := r.cfg.repository
	if repo == nil || scope == schema.ScopeNone {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	ec := r.wc.Execution

	var err error
	switch scope {
	case schema.ScopeExecution:
		err = repo.SaveExecutionContext(ctx, ec)
	case schema.ScopeUser:
		err = repo.SaveUserContext(ctx, ec.ExecutionID(), ec.ExecutionPoint(), r.wc.Data)
	default:
		err = repo.Save(ctx, r.wc)
	}
	r.cfg.metrics.checkpoint(ec.WorkflowName(), scope, err)
	if err == nil {
		return nil
	}
	if schema.HasCode(err, schema.ErrCodeStore) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "checkpoint %s: %s", scope, err.Error()).WithCause(err)
}

func (r *runner[T]) complete(ctx context.Context) {
	ec := r.wc.Execution
	ec.beginSettle()
	last := ec.ExecutionPoint()
	ec.clearStack()
	ec.updateExecutionPoint()
	if err := r.settle(ctx, schema.StateCompleted, schema.ScopeAll); err != nil {
		r.fail(ctx, &ExecutionError{StepID: innermostStep(last), Path: last, Cause: err})
		return
	}
	r.log(ctx).Info("execution completed")

	_, done := ec.handlers()
	if done != nil {
		r.callHandler(ctx, "completion", func() { done(r.wc.Data, schema.StateCompleted) })
	}
	r.stopped(ctx, schema.StateCompleted)
}

func (r *runner[T]) fail(ctx context.Context, failure *ExecutionError) {
	ec := r.wc.Execution
	ec.beginSettle()
	if failure.Path == "" {
		failure.Path = ec.ExecutionPoint()
	}
	ec.clearStack()
	ec.setExecutionPoint(failure.Path)
	if err := r.settle(ctx, schema.StateFailed, schema.ScopeAll); err != nil {
		r.log(ctx).Error("final checkpoint", slog.String("error", err.Error()))
		// Nothing is left to report a second failure to; the failure still
		// reaches the handlers below.
		if ec.State() != schema.StateFailed {
			if err := r.transition(ctx, schema.StateFailed); err != nil {
				r.log(ctx).Error("fail transition", slog.String("error", err.Error()))
			}
		}
	}
	r.log(ctx).Error("execution failed",
		slog.String("failed_step", failure.StepID),
		slog.String("path", failure.Path),
		slog.String("error", failure.Cause.Error()))

	onError, done := ec.handlers()
	if onError != nil {
		r.callHandler(ctx, "exception", func() { onError(r.wc.Data, failure.Cause, failure.Path) })
	}
	if done != nil {
		r.callHandler(ctx, "completion", func() { done(r.wc.Data, schema.StateFailed) })
	}
	r.stopped(ctx, schema.StateFailed)
}

func (r *runner[T]) cancel(ctx context.Context) {
	ec := r.wc.Execution
	ec.beginSettle()
	if err := r.settle(ctx, schema.StateCanceled, schema.ScopeExecution); err != nil {
		point := ec.ExecutionPoint()
		r.fail(ctx, &ExecutionError{StepID: innermostStep(point), Path: point, Cause: err})
		return
	}
	r.log(ctx).Info("execution canceled", slog.String("point", ec.ExecutionPoint()))
	r.stopped(ctx, schema.StateCanceled)
}

// abandon stops driving the execution without a transition. It stays
// Running at its last checkpoint, which is what a crash looks like.
func (r *runner[T]) abandon(ctx context.Context, reason error) {
	r.log(ctx).Warn("execution abandoned", slog.String("error", reason.Error()))
	r.stopped(ctx, schema.StateRunning)
}

func (r *runner[T]) stopped(ctx context.Context, state schema.ExecutionState) {
	r.cfg.metrics.runStopped(r.wc.Execution.WorkflowName(), state)
	r.wc.Execution.driven.Store(false)
	r.wc.Execution.releaseWaiters(state)
	if state == schema.StatePaused {
		r.log(ctx).Info("execution paused", slog.String("point", r.wc.Execution.ExecutionPoint()))
	}
}

// innermostStep returns the deepest step id of an execution point.
func innermostStep(point string) string {
	steps := ParseExecutionPoint(point)
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1]
}

func (r *runner[T]) callHandler(ctx context.Context, name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.log(ctx).Error("handler panicked", slog.String("handler", name), slog.Any("panic", v))
		}
	}()
	fn()
}
