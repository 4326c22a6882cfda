package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waypoint/pkg/schema"
)

// order is the host data used across engine tests.
type order struct {
	mu      sync.Mutex
	id      uuid.UUID
	visited []string
	Total   int
}

func (o *order) ExecutionID() uuid.UUID      { return o.id }
func (o *order) SetExecutionID(id uuid.UUID) { o.id = id }

func (o *order) visit(step string) {
	o.mu.Lock()
	o.visited = append(o.visited, step)
	o.mu.Unlock()
}

func (o *order) Visited() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.visited...)
}

// visit returns an action that records its step id.
func visit(step string) Action[*order] {
	return func(_ context.Context, o *order) error {
		o.visit(step)
		return nil
	}
}

// failWith returns an action that records its step id and fails.
func failWith(step string, err error) Action[*order] {
	return func(_ context.Context, o *order) error {
		o.visit(step)
		return err
	}
}

// transientError is an error class; every implementation is a "subtype".
type transientError interface {
	error
	Transient() bool
}

type timeoutError struct{ op string }

func (e *timeoutError) Error() string   { return "timeout: " + e.op }
func (e *timeoutError) Transient() bool { return true }

type stateError struct{ msg string }

func (e *stateError) Error() string { return "illegal state: " + e.msg }

var errDeclined = errors.New("payment declined")

// linear builds a chain of action steps that record their ids.
func linear(t *testing.T, ids ...string) *Flow[*order] {
	t.Helper()
	nodes := make([]*Node[*order], len(ids))
	for i, id := range ids {
		next := ""
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		nodes[i] = NewActionNode(id, visit(id), next)
	}
	flow, err := NewFlow(ids[0], nodes...)
	require.NoError(t, err)
	return flow
}

// checkpoint is one recorded repository write.
type checkpoint struct {
	Scope schema.PersistScope
	State schema.ExecutionState
	Point string
}

// memRepo is an in-memory Repository that records every write.
type memRepo struct {
	mu       sync.Mutex
	writes   []checkpoint
	snaps    map[uuid.UUID]ExecutionSnapshot
	data     map[uuid.UUID]order
	failNext error
}

func newMemRepo() *memRepo {
	return &memRepo{
		snaps: make(map[uuid.UUID]ExecutionSnapshot),
		data:  make(map[uuid.UUID]order),
	}
}

func (r *memRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *memRepo) failOnNextWrite(err error) {
	r.mu.Lock()
	r.failNext = err
	r.mu.Unlock()
}

func (r *memRepo) Writes() []checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]checkpoint(nil), r.writes...)
}

func (r *memRepo) LoadUserContext(_ context.Context, id uuid.UUID, _ string) (*order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.data[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "user context %s not found", id)
	}
	return &order{id: o.id, visited: append([]string(nil), o.visited...), Total: o.Total}, nil
}

func (r *memRepo) SaveUserContext(_ context.Context, id uuid.UUID, path string, o *order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	r.data[id] = order{id: o.id, visited: o.Visited(), Total: o.Total}
	r.writes = append(r.writes, checkpoint{Scope: schema.ScopeUser, Point: path})
	return nil
}

func (r *memRepo) LoadExecutionContext(_ context.Context, id uuid.UUID) (*ExecutionContext[*order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return RestoreExecutionContext[*order](snap), nil
}

func (r *memRepo) SaveExecutionContext(_ context.Context, ec *ExecutionContext[*order]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	snap := ec.Snapshot()
	r.snaps[snap.ExecutionID] = snap
	r.writes = append(r.writes, checkpoint{Scope: schema.ScopeExecution, State: snap.State, Point: snap.ExecutionPoint})
	return nil
}

func (r *memRepo) Load(ctx context.Context, id uuid.UUID) (*WorkflowContext[*order], error) {
	ec, err := r.LoadExecutionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := r.LoadUserContext(ctx, id, ec.ExecutionPoint())
	if err != nil {
		return nil, err
	}
	return NewWorkflowContext(ec, data), nil
}

func (r *memRepo) Save(_ context.Context, wc *WorkflowContext[*order]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	snap := wc.Execution.Snapshot()
	r.snaps[snap.ExecutionID] = snap
	r.data[snap.ExecutionID] = order{id: wc.Data.id, visited: wc.Data.Visited(), Total: wc.Data.Total}
	r.writes = append(r.writes, checkpoint{Scope: schema.ScopeAll, State: snap.State, Point: snap.ExecutionPoint})
	return nil
}

// recordingAppender collects transition events.
type recordingAppender struct {
	mu     sync.Mutex
	events []TransitionEvent
	err    error
}

func (a *recordingAppender) AppendTransition(_ context.Context, e TransitionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAppender) Types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

// newRun creates a fresh, unbound workflow context for flow tests.
func newRun() *WorkflowContext[*order] {
	o := &order{id: uuid.New()}
	return NewWorkflowContext(NewExecutionContext[*order](o.id, "test", 1), o)
}

func waitState(t *testing.T, ch <-chan schema.ExecutionState) schema.ExecutionState {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for state")
		return ""
	}
}

func waitHandle(t *testing.T, h *RunHandle[*order]) schema.ExecutionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.Wait(ctx)
	require.NoError(t, err)
	return state
}

func stepIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return ids
}
