package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// UserRecord is a serialized user context saved at an execution point.
type UserRecord struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Path        string          `json:"path"`
	Data        json.RawMessage `json:"data"`
	Revision    int64           `json:"revision"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Event is an immutable entry of the transition log.
type Event struct {
	ID             int64                 `json:"id"`
	ExecutionID    uuid.UUID             `json:"execution_id"`
	WorkflowName   string                `json:"workflow_name"`
	Type           string                `json:"event_type"`
	From           schema.ExecutionState `json:"from_state"`
	To             schema.ExecutionState `json:"to_state"`
	ExecutionPoint string                `json:"execution_point,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
	Sequence       int64                 `json:"sequence"`
}

// ExecutionFilter selects executions for ListExecutions. Zero fields match
// everything.
type ExecutionFilter struct {
	WorkflowName  string
	States        []schema.ExecutionState
	Owners        []string // "" matches executions without an owner
	UpdatedBefore time.Time
	Limit         int
}

// Match reports whether snap passes the filter, ignoring Limit.
func (f ExecutionFilter) Match(snap engine.ExecutionSnapshot) bool {
	if f.WorkflowName != "" && snap.WorkflowName != f.WorkflowName {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, snap.State) {
		return false
	}
	if len(f.Owners) > 0 && !slices.Contains(f.Owners, snap.OwnerInstance) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !snap.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
