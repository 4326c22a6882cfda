// Package scheduler recovers executions left in Running by a crashed or
// stopped process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/waypoint/internal/logging"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
	"github.com/rendis/waypoint/pkg/store"
)

// Lister finds persisted executions. *store.Repository satisfies it.
type Lister interface {
	List(ctx context.Context, filter store.ExecutionFilter) ([]engine.ExecutionSnapshot, error)
}

// Config configures a Sweeper.
type Config struct {
	// InstanceID limits recovery to executions owned by this instance or by
	// nobody.
	InstanceID string
	// StaleAfter is how long a Running execution must go without a
	// checkpoint before it is considered abandoned.
	StaleAfter time.Duration
	// Concurrency bounds the number of executions resumed at once.
	Concurrency int
	// Schedule is a standard 5-field cron expression used by Start.
	Schedule string
	Logger   *slog.Logger
}

// Result summarizes one sweep.
type Result struct {
	Found   int
	Resumed int
	Skipped int
	Failed  int
}

// Sweeper periodically resumes stale Running executions.
type Sweeper[T engine.UserContext] struct {
	lister    Lister
	cfg       Config
	parser    cron.Parser
	logger    *slog.Logger
	now       func() time.Time
	workflows map[string]*engine.Workflow[T]

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{} // executions being resumed (dedup)
}

// NewSweeper creates a Sweeper. Defaults: every minute, one minute stale
// threshold, four concurrent resumes.
func NewSweeper[T engine.UserContext](lister Lister, cfg Config) (*Sweeper[T], error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Sweeper[T]{
		lister:    lister,
		cfg:       cfg,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		now:       time.Now,
		workflows: make(map[string]*engine.Workflow[T]),
		inflight:  make(map[uuid.UUID]struct{}),
	}
	if _, err := s.parser.Parse(cfg.Schedule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse sweep schedule %q: %s", cfg.Schedule, err.Error()).WithCause(err)
	}
	return s, nil
}

// Register makes executions of w recoverable. Must be called before Start.
func (s *Sweeper[T]) Register(w *engine.Workflow[T]) {
	s.workflows[w.Name()] = w
}

// Start runs Sweep on the configured schedule until ctx ends or Stop is called.
func (s *Sweeper[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	s.logger.Info("sweeper started", slog.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper[T]) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// NextRun returns when the schedule fires next after from.
func (s *Sweeper[T]) NextRun(from time.Time) time.Time {
	schedule, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(from)
}

// Sweep lists stale Running executions of this instance and resumes them,
// waiting for each resumed run to stop again.
func (s *Sweeper[T]) Sweep(ctx context.Context) (Result, error) {
	snaps, err := s.lister.List(ctx, store.ExecutionFilter{
		States:        []schema.ExecutionState{schema.StateRunning},
		Owners:        []string{s.cfg.InstanceID, ""},
		UpdatedBefore: s.now().Add(-s.cfg.StaleAfter),
	})
	if err != nil {
		return Result{}, fmt.Errorf("list stale executions: %w", err)
	}

	var (
		mu  sync.Mutex
		res = Result{Found: len(snaps)}
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, snap := range snaps {
		w, ok := s.workflows[snap.WorkflowName]
		if !ok || w.Version() != snap.WorkflowVersion {
			s.logger.Warn("no workflow registered for stale execution",
				slog.String("execution_id", snap.ExecutionID.String()),
				slog.String("workflow", snap.WorkflowName),
				slog.Int("version", snap.WorkflowVersion),
			)
			count(&res.Skipped)
			continue
		}
		if !s.tryAcquire(snap.ExecutionID) {
			count(&res.Skipped)
			continue
		}

		g.Go(func() error {
			defer s.release(snap.ExecutionID)
			if err := s.resume(gctx, w, snap); err != nil {
				s.logger.Error("failed to resume execution",
					slog.String("execution_id", snap.ExecutionID.String()),
					slog.String("error", err.Error()),
				)
				count(&res.Failed)
				return nil
			}
			count(&res.Resumed)
			return nil
		})
	}
	_ = g.Wait()

	if res.Found > 0 {
		s.logger.Info("sweep finished",
			slog.Int("found", res.Found),
			slog.Int("resumed", res.Resumed),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (s *Sweeper[T]) resume(ctx context.Context, w *engine.Workflow[T], snap engine.ExecutionSnapshot) error {
	s.logger.Info("resuming stale execution",
		slog.String("execution_id", snap.ExecutionID.String()),
		slog.String("workflow", snap.WorkflowName),
		slog.String("execution_point", snap.ExecutionPoint),
	)
	h, err := w.ResumeByID(ctx, snap.ExecutionID)
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	return err
}

// tryAcquire returns true and marks the execution as in-flight if it is not already.
func (s *Sweeper[T]) tryAcquire(id uuid.UUID) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper[T]) release(id uuid.UUID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
