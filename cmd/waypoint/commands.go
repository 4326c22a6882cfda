package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/waypoint/internal/actions"
	"github.com/rendis/waypoint/internal/diagram"
	"github.com/rendis/waypoint/internal/scheduler"
	"github.com/rendis/waypoint/pkg/definition"
	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/registry"
	"github.com/rendis/waypoint/pkg/schema"
	"github.com/rendis/waypoint/pkg/store"
)

// command runs one subcommand against a wired app.
type command func(ctx context.Context, a *app, args []string, out io.Writer) error

var commands = map[string]command{
	"run":      cmdRun,
	"resume":   cmdResume,
	"cancel":   cmdCancel,
	"status":   cmdStatus,
	"list":     cmdList,
	"sweep":    cmdSweep,
	"serve":    cmdServe,
	"validate": cmdValidate,
	"actions":  cmdActions,
	"diagram":  cmdDiagram,
}

// errExecutionFailed is returned when a run or resume ends in Failed.
var errExecutionFailed = errors.New("execution failed")

// shutdownGrace bounds how long an interrupted command waits for its
// execution to reach a step boundary.
const shutdownGrace = 10 * time.Second

// executionView is the JSON form of an execution printed by commands.
type executionView struct {
	ExecutionID    uuid.UUID             `json:"execution_id"`
	Workflow       string                `json:"workflow"`
	Version        int                   `json:"version"`
	State          schema.ExecutionState `json:"state"`
	ExecutionPoint string                `json:"execution_point,omitempty"`
	Owner          string                `json:"owner,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Data           definition.Doc        `json:"data,omitempty"`
	Events         []*store.Event        `json:"events,omitempty"`
}

func viewOf(snap engine.ExecutionSnapshot, data definition.Doc) executionView {
	return executionView{
		ExecutionID:    snap.ExecutionID,
		Workflow:       snap.WorkflowName,
		Version:        snap.WorkflowVersion,
		State:          snap.State,
		ExecutionPoint: snap.ExecutionPoint,
		Owner:          snap.OwnerInstance,
		UpdatedAt:      snap.UpdatedAt,
		Data:           data,
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// await waits for h to stop. When ctx ends first the runner cancels the
// execution at its next step boundary; await gives it shutdownGrace to get
// there.
func await(ctx context.Context, h *engine.RunHandle[definition.Doc]) (schema.ExecutionState, error) {
	state, err := h.Wait(ctx)
	if err == nil || ctx.Err() == nil {
		return state, err
	}
	select {
	case <-h.Done():
	case <-time.After(shutdownGrace):
	}
	return h.State(), nil
}

func finish(out io.Writer, h *engine.RunHandle[definition.Doc], state schema.ExecutionState) error {
	wc := h.Context()
	if err := printJSON(out, viewOf(wc.Execution.Snapshot(), wc.Data)); err != nil {
		return err
	}
	if state == schema.StateFailed {
		return errExecutionFailed
	}
	return nil
}

func readData(inline, file string) (definition.Doc, error) {
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either -data or -data-file")
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return actions.ParseDocument(raw)
	case inline != "":
		return actions.ParseDocument([]byte(inline))
	}
	return actions.NewDocument(nil), nil
}

func cmdRun(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	data := fs.String("data", "", "initial document as a JSON object")
	dataFile := fs.String("data-file", "", "file holding the initial document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: waypoint run [-data json | -data-file path] <definition>")
	}

	wf, err := a.load(fs.Arg(0))
	if err != nil {
		return err
	}
	doc, err := readData(*data, *dataFile)
	if err != nil {
		return err
	}
	h, err := wf.Start(ctx, doc)
	if err != nil {
		return err
	}
	a.logger.Info("execution started",
		slog.String("execution_id", h.ExecutionID().String()),
		slog.String("workflow", wf.Name()),
	)
	state, err := await(ctx, h)
	if err != nil {
		return err
	}
	return finish(out, h, state)
}

func cmdResume(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	defFile := fs.String("f", "", "definition file of the execution's workflow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: waypoint resume [-f definition] <execution-id>")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}
	if *defFile != "" {
		if _, err := a.load(*defFile); err != nil {
			return err
		}
	}

	snap, err := a.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if !snap.State.IsResumable() {
		return fmt.Errorf("execution %s is %s and cannot be resumed", id, snap.State)
	}
	wf, err := a.workflow(snap.WorkflowName, snap.WorkflowVersion)
	if err != nil {
		return err
	}
	h, err := wf.ResumeByID(ctx, id)
	if err != nil {
		return err
	}
	state, err := await(ctx, h)
	if err != nil {
		return err
	}
	return finish(out, h, state)
}

func cmdCancel(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: waypoint cancel <execution-id>")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}

	snap, err := a.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	wf, err := a.workflow(snap.WorkflowName, snap.WorkflowVersion)
	if err != nil {
		return err
	}
	if err := wf.CancelByID(ctx, id); err != nil {
		return err
	}
	if snap, err = a.store.GetExecution(ctx, id); err != nil {
		return err
	}
	return printJSON(out, viewOf(*snap, nil))
}

func cmdStatus(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	withEvents := fs.Bool("events", false, "include the transition event log")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: waypoint status [-events] <execution-id>")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}

	snap, err := a.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	// Executions persisted with scope none or execution have no document.
	data, err := a.repo.LoadUserContext(ctx, id, "")
	if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return err
	}
	view := viewOf(*snap, data)
	if *withEvents {
		if view.Events, err = a.events.Events(ctx, id, 0); err != nil {
			return err
		}
	}
	return printJSON(out, view)
}

func cmdList(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	workflow := fs.String("workflow", "", "only executions of this workflow")
	states := fs.String("state", "", "comma separated states to include")
	owner := fs.String("owner", "", "only executions owned by this instance")
	limit := fs.Int("limit", 50, "maximum number of executions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := store.ExecutionFilter{WorkflowName: *workflow, Limit: *limit}
	if *states != "" {
		for _, s := range strings.Split(*states, ",") {
			filter.States = append(filter.States, schema.ExecutionState(strings.TrimSpace(s)))
		}
	}
	if *owner != "" {
		filter.Owners = []string{*owner}
	}
	snaps, err := a.repo.List(ctx, filter)
	if err != nil {
		return err
	}
	views := make([]executionView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, viewOf(snap, nil))
	}
	return printJSON(out, views)
}

func (a *app) newSweeper() (*scheduler.Sweeper[definition.Doc], error) {
	s, err := scheduler.NewSweeper[definition.Doc](a.repo, scheduler.Config{
		InstanceID:  a.cfg.InstanceID,
		StaleAfter:  a.cfg.StaleAfter,
		Concurrency: a.cfg.PoolSize,
		Schedule:    a.cfg.SweepSchedule,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, name := range a.workflowNames() {
		s.Register(a.workflows[name])
	}
	return s, nil
}

func cmdSweep(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := a.newSweeper()
	if err != nil {
		return err
	}
	res, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

// cmdServe runs the recovery sweeper on its schedule and serves /metrics
// until interrupted.
func cmdServe(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", a.cfg.MetricsAddr, "listen address for /metrics (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := a.newSweeper()
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	var srv *http.Server
	errc := make(chan error, 1)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}
	a.logger.Info("waypoint serving",
		slog.String("metrics_addr", *metricsAddr),
		slog.Any("workflows", a.workflowNames()),
		slog.Time("next_sweep", s.NextRun(time.Now())),
	)
	fmt.Fprintf(out, "waypoint serving %d workflow(s)\n", len(a.workflows))

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("shutdown metrics server", slog.String("error", serr.Error()))
		}
	}
	return err
}

func cmdValidate(_ context.Context, a *app, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: waypoint validate <definition>...")
	}
	type result struct {
		Path     string   `json:"path"`
		Workflow string   `json:"workflow"`
		Version  int      `json:"version"`
		Steps    []string `json:"steps"`
	}
	results := make([]result, 0, len(args))
	for _, path := range args {
		wf, err := a.load(path)
		if err != nil {
			return err
		}
		results = append(results, result{
			Path:     path,
			Workflow: wf.Name(),
			Version:  wf.Version(),
			Steps:    wf.Flow().StepIDs(),
		})
	}
	return printJSON(out, results)
}

func cmdActions(_ context.Context, a *app, _ []string, out io.Writer) error {
	list := make([]registry.Info, 0)
	for _, info := range a.catalog.List() {
		list = append(list, registry.Info{Name: info.Name, Kind: "builtin", Description: info.Description})
	}
	list = append(list, a.registry.List()...)
	return printJSON(out, list)
}

// cmdDiagram renders a definition, marking where an execution stands when
// one is given.
func cmdDiagram(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "mermaid", "output format: mermaid or ascii")
	execution := fs.String("execution", "", "execution id to overlay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: waypoint diagram [-format mermaid|ascii] [-execution id] <definition>")
	}
	wf, err := a.load(fs.Arg(0))
	if err != nil {
		return err
	}

	var overlay *diagram.Overlay
	if *execution != "" {
		id, err := uuid.Parse(*execution)
		if err != nil {
			return fmt.Errorf("invalid execution id: %w", err)
		}
		snap, err := a.store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if snap.WorkflowName != wf.Name() {
			return fmt.Errorf("execution %s belongs to workflow %q, not %q", id, snap.WorkflowName, wf.Name())
		}
		overlay = &diagram.Overlay{Point: snap.ExecutionPoint, State: snap.State}
	}

	model := diagram.Build(fmt.Sprintf("%s v%d", wf.Name(), wf.Version()), wf.Flow(), overlay)
	switch *format {
	case "mermaid":
		_, err = io.WriteString(out, diagram.RenderMermaid(model))
	case "ascii":
		_, err = io.WriteString(out, diagram.RenderASCII(model))
	default:
		err = fmt.Errorf("unknown format %q (want mermaid or ascii)", *format)
	}
	return err
}
