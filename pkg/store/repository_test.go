package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

type invoice struct {
	id       uuid.UUID
	Customer string   `json:"customer"`
	Lines    []string `json:"lines"`
}

func (i *invoice) ExecutionID() uuid.UUID      { return i.id }
func (i *invoice) SetExecutionID(id uuid.UUID) { i.id = id }

func addLine(line string) engine.Action[*invoice] {
	return func(_ context.Context, i *invoice) error {
		i.Lines = append(i.Lines, line)
		return nil
	}
}

func newInvoiceRepo(s Store) *Repository[*invoice] {
	return NewRepository(s, JSONCodec(func() *invoice { return &invoice{} }))
}

func invoiceFlow(t *testing.T) *engine.Flow[*invoice] {
	t.Helper()
	b := engine.NewBuilder[*invoice]()
	b.Step("draft", addLine("draft")).
		Step("approve", addLine("approve")).PauseAfter().
		Step("send", addLine("send"))
	flow, err := b.Build()
	require.NoError(t, err)
	return flow
}

func TestRepository_PauseAndResumeAcrossWorkflows(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		repo := newInvoiceRepo(s)
		log := NewEventLog(s)
		flow := invoiceFlow(t)

		first := engine.NewWorkflow("invoices", 1, flow, engine.Config[*invoice]{
			Repository: repo, EventLog: log, InstanceID: "node-a",
		})
		wc, err := first.Run(ctx, &invoice{Customer: "acme"})
		require.NoError(t, err)
		require.Equal(t, schema.StatePaused, wc.Execution.State())
		id := wc.ExecutionID()

		paused, err := repo.List(ctx, ExecutionFilter{States: []schema.ExecutionState{schema.StatePaused}})
		require.NoError(t, err)
		require.Len(t, paused, 1)
		assert.Equal(t, id, paused[0].ExecutionID)
		assert.Equal(t, "send", paused[0].ExecutionPoint)
		assert.Equal(t, "node-a", paused[0].OwnerInstance)

		second := engine.NewWorkflow("invoices", 1, flow, engine.Config[*invoice]{
			Repository: repo, EventLog: log, InstanceID: "node-b",
		})
		h, err := second.ResumeByID(ctx, id)
		require.NoError(t, err)
		state, err := h.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, schema.StateCompleted, state)

		loaded, err := repo.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StateCompleted, loaded.Execution.State())
		assert.Equal(t, "acme", loaded.Data.Customer)
		assert.Equal(t, []string{"draft", "approve", "send"}, loaded.Data.Lines)
		assert.Equal(t, id, loaded.Data.ExecutionID())

		final, err := log.Replay(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StateCompleted, final)

		events, err := log.Events(ctx, id, 0)
		require.NoError(t, err)
		types := make([]string, len(events))
		for i, e := range events {
			types[i] = e.Type
		}
		assert.Equal(t, []string{
			schema.EventExecutionStarted,
			schema.EventExecutionPaused,
			schema.EventExecutionResumed,
			schema.EventExecutionCompleted,
		}, types)
	})
}

func TestRepository_ScopedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	repo := newInvoiceRepo(s)
	id := uuid.New()

	require.NoError(t, repo.SaveUserContext(ctx, id, "A", &invoice{id: id, Customer: "acme"}))
	data, err := repo.LoadUserContext(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, "acme", data.Customer)
	assert.Equal(t, id, data.ExecutionID())

	// The user half alone is not a loadable execution.
	_, err = repo.Load(ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	ec := engine.NewExecutionContext[*invoice](id, "invoices", 1)
	require.NoError(t, repo.SaveExecutionContext(ctx, ec))
	loaded, err := repo.LoadExecutionContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StateNotStarted, loaded.State())
	assert.Equal(t, "invoices", loaded.WorkflowName())
	assert.False(t, loaded.UpdatedAt().IsZero())
}

func TestRepository_DecodeFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, s.PutUserContext(ctx, &UserRecord{ExecutionID: id, Path: "A", Data: []byte(`{"lines":"oops"}`)}))

	_, err := newInvoiceRepo(s).LoadUserContext(ctx, id, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestEventLog_ReplayRejectsBrokenLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	log := NewEventLog(s)

	empty, err := log.Replay(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, schema.StateNotStarted, empty)

	illegal := uuid.New()
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: illegal, From: schema.StateNotStarted, To: schema.StateRunning}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: illegal, From: schema.StateRunning, To: schema.StateCompleted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: illegal, From: schema.StateCompleted, To: schema.StateRunning}))
	_, err = log.Replay(ctx, illegal)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	disjoint := uuid.New()
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: disjoint, From: schema.StateNotStarted, To: schema.StateRunning}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: disjoint, From: schema.StatePaused, To: schema.StateRunning}))
	_, err = log.Replay(ctx, disjoint)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestEventLog_ReplayDetectsGaps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: id, From: schema.StateNotStarted, To: schema.StateRunning}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: id, From: schema.StateRunning, To: schema.StatePaused}))
	s.mu.Lock()
	s.events[id] = s.events[id][1:]
	s.mu.Unlock()

	_, err := NewEventLog(s).Replay(ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "sequence gap")
}
