package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/waypoint/internal/logging"
)

// Config holds the collaborators of a Workflow. Every field is optional.
type Config[T UserContext] struct {
	// Repository checkpoints progress; nil disables persistence.
	Repository Repository[T]
	// Pool runs executions started with Workflow.Start and Workflow.Resume one
	// step per unit. nil runs each execution on its own goroutine.
	Pool *WorkerPool
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
	// InstanceID is stamped on executions as their owner marker.
	InstanceID string
	// ExceptionHandler and CompletionHandler are bound to every execution the
	// workflow starts or resumes.
	ExceptionHandler  ExceptionHandler[T]
	CompletionHandler CompletionHandler[T]
	// EventLog receives one event per state transition.
	EventLog EventAppender
	Metrics  *Metrics
	// Tracer opens one span per step; defaults to a no-op tracer.
	Tracer trace.Tracer
}

// runConfig is the resolved form of Config shared by runners.
type runConfig[T UserContext] struct {
	repository Repository[T]
	logger     *slog.Logger
	instanceID string
	fsm        *ExecutionFSM
	metrics    *Metrics
	tracer     trace.Tracer
}

func newRunConfig[T UserContext](cfg Config[T]) *runConfig[T] {
	rc := &runConfig[T]{
		repository: cfg.Repository,
		logger:     cfg.Logger,
		instanceID: cfg.InstanceID,
		fsm:        NewExecutionFSM(cfg.EventLog),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
	if rc.logger == nil {
		rc.logger = logging.Discard()
	}
	if rc.tracer == nil {
		rc.tracer = noop.NewTracerProvider().Tracer("")
	}
	return rc
}
