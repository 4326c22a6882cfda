package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/waypoint/internal/actions"
	"github.com/rendis/waypoint/internal/expressions"
	"github.com/rendis/waypoint/internal/logging"
	"github.com/rendis/waypoint/internal/validation"
	"github.com/rendis/waypoint/pkg/definition"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/registry"
	"github.com/rendis/waypoint/pkg/store"
)

// app wires the store, engine collaborators and loaded definitions of one
// process.
type app struct {
	cfg    Config
	logger *slog.Logger

	store   store.Store
	repo    *store.Repository[definition.Doc]
	events  *store.EventLog
	metrics *engine.Metrics
	prom    *prometheus.Registry
	tracing *sdktrace.TracerProvider
	pool    *engine.WorkerPool

	catalog   *actions.Catalog
	registry  *registry.Registry[definition.Doc]
	compiler  *definition.Compiler
	workflows map[string]*engine.Workflow[definition.Doc]
}

func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		repo:      store.NewRepository(st, store.JSONCodec(func() definition.Doc { return actions.NewDocument(nil) })),
		events:    store.NewEventLog(st),
		prom:      prometheus.NewRegistry(),
		pool:      engine.NewWorkerPool(cfg.PoolSize),
		registry:  registry.New[definition.Doc](),
		workflows: make(map[string]*engine.Workflow[definition.Doc]),
	}
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = engine.NewMetrics(a.prom)
	engine.RegisterPoolMetrics(a.prom, a.pool)
	a.tracing = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanLogger{logger: logger}))

	if err := a.initCompiler(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.loadDefinitions(cfg.Definitions); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) initCompiler() error {
	exprs, err := expressions.NewSet()
	if err != nil {
		return err
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	a.catalog, err = actions.Builtins(actions.BuiltinConfig{
		Logger:      a.logger,
		Expressions: exprs,
		Validator:   validator,
	})
	if err != nil {
		return err
	}
	if _, err := a.catalog.RegisterTransforms(a.registry, a.cfg.Transforms); err != nil {
		return fmt.Errorf("register transforms: %w", err)
	}
	a.compiler, err = definition.NewCompiler(definition.Options{
		Resolver:    a.registry,
		Catalog:     a.catalog,
		Expressions: exprs,
		Validator:   validator,
	})
	return err
}

func (a *app) close() {
	a.pool.Shutdown()
	if err := a.tracing.Shutdown(context.Background()); err != nil {
		a.logger.Warn("shutdown tracing", slog.String("error", err.Error()))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}

// workflowConfig is the run configuration shared by every loaded workflow.
func (a *app) workflowConfig() engine.Config[definition.Doc] {
	return engine.Config[definition.Doc]{
		Repository: a.repo,
		Pool:       a.pool,
		Logger:     a.logger,
		InstanceID: a.cfg.InstanceID,
		EventLog:   a.events,
		Metrics:    a.metrics,
		Tracer:     a.tracing.Tracer("github.com/rendis/waypoint"),
		ExceptionHandler: func(doc definition.Doc, cause error, path string) {
			a.logger.Error("execution failed",
				slog.String("execution_id", doc.ExecutionID().String()),
				slog.String("path", path),
				slog.String("error", cause.Error()),
			)
		},
	}
}

// loadDefinitions compiles every definition file in dir. A missing
// directory is not an error.
func (a *app) loadDefinitions(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read definitions: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		if _, err := a.load(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// load compiles the definition at path and makes it available by name. A
// later load of the same name replaces the earlier one.
func (a *app) load(path string) (*engine.Workflow[definition.Doc], error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	compiled, err := a.compiler.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wf := compiled.Workflow(a.workflowConfig())
	a.workflows[wf.Name()] = wf
	a.logger.Debug("definition loaded",
		slog.String("path", path),
		slog.String("workflow", wf.Name()),
		slog.Int("version", wf.Version()),
	)
	return wf, nil
}

func (a *app) workflow(name string, version int) (*engine.Workflow[definition.Doc], error) {
	wf, ok := a.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q is not loaded; pass its definition with -f", name)
	}
	if wf.Version() != version {
		return nil, fmt.Errorf("workflow %q is loaded at version %d, execution needs version %d", name, wf.Version(), version)
	}
	return wf, nil
}

func (a *app) workflowNames() []string {
	names := make([]string, 0, len(a.workflows))
	for name := range a.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h)).With(slog.String("instance_id", cfg.InstanceID)), nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case storeMemory:
		return store.NewMemoryStore(), nil

	case storeLibSQL:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(cfg.DBPath), err)
		}
		dsn := cfg.DBPath
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		s, err := store.NewLibSQLStore(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil

	case storeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		s := store.NewRedisStore(client, cfg.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// spanLogger writes finished spans to the debug log.
type spanLogger struct {
	logger *slog.Logger
}

func (s spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (s spanLogger) OnEnd(span sdktrace.ReadOnlySpan) {
	s.logger.Debug("span",
		slog.String("name", span.Name()),
		slog.String("trace_id", span.SpanContext().TraceID().String()),
		slog.Duration("duration", span.EndTime().Sub(span.StartTime())),
		slog.String("status", span.Status().Code.String()),
	)
}

func (s spanLogger) Shutdown(context.Context) error   { return nil }
func (s spanLogger) ForceFlush(context.Context) error { return nil }
