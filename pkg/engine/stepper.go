package engine

import (
	"context"
	"errors"
)

// stepper runs an execution cooperatively: every step is one unit of work in
// the pool, and the unit enqueues the next step only if the execution is
// still Running. Executions sharing a pool interleave step by step.
type stepper[T UserContext] struct {
	r      *runner[T]
	pool   *WorkerPool
	handle *RunHandle[T]
}

func (s *stepper[T]) start(ctx context.Context) {
	s.pool.Schedule(ctx, s.unit, func(err error) { s.reject(ctx, err) })
}

func (s *stepper[T]) unit(ctx context.Context) error {
	if s.r.step(ctx) {
		s.pool.Schedule(ctx, s.unit, func(err error) { s.reject(ctx, err) })
		return nil
	}
	s.handle.finish(nil)
	return nil
}

// reject handles a step the pool refused to run. A closed pool leaves the
// execution Running for recovery; a canceled context is a cancel request.
func (s *stepper[T]) reject(ctx context.Context, err error) {
	ctx = s.r.withIDs(ctx)
	switch {
	case isPoolShutdown(err):
		s.r.abandon(ctx, err)
		s.handle.finish(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.r.cancel(ctx)
		s.handle.finish(nil)
	default:
		s.r.abandon(ctx, err)
		s.handle.finish(err)
	}
}
