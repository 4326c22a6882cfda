package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// EventLog records execution transitions in a Store. It satisfies
// engine.EventAppender.
type EventLog struct {
	store Store
}

var _ engine.EventAppender = (*EventLog)(nil)

// NewEventLog wraps a Store to provide the transition log.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendTransition appends one transition with the next per-execution sequence.
func (el *EventLog) AppendTransition(ctx context.Context, t engine.TransitionEvent) error {
	return el.store.AppendEvent(ctx, &Event{
		ExecutionID:    t.ExecutionID,
		WorkflowName:   t.WorkflowName,
		Type:           t.Type,
		From:           t.From,
		To:             t.To,
		ExecutionPoint: t.ExecutionPoint,
		Timestamp:      t.At,
	})
}

// Events returns events for an execution with sequence > since.
func (el *EventLog) Events(ctx context.Context, id uuid.UUID, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, id, since)
}

// Replay walks the log of an execution and returns the state it ends in.
// It fails on sequence gaps and on transitions the lifecycle does not allow.
// An execution without events has not started.
func (el *EventLog) Replay(ctx context.Context, id uuid.UUID) (schema.ExecutionState, error) {
	events, err := el.store.GetEvents(ctx, id, 0)
	if err != nil {
		return "", fmt.Errorf("get events for replay: %w", err)
	}

	state := schema.StateNotStarted
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return "", schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", id, expected, e.Sequence)
		}
		if e.From != state {
			return "", schema.NewErrorf(schema.ErrCodeStore,
				"event %d of execution %s starts from %s, log is at %s", e.Sequence, id, e.From, state)
		}
		if !engine.IsValidTransition(e.From, e.To) {
			return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"event %d of execution %s: %s -> %s", e.Sequence, id, e.From, e.To)
		}
		state = e.To
	}
	return state, nil
}
