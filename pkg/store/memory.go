package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/waypoint/pkg/engine"
)

// MemoryStore keeps everything in process memory. It is the default store
// of the CLI and the reference backend in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[uuid.UUID]engine.ExecutionSnapshot
	users      map[uuid.UUID]map[string]UserRecord
	latest     map[uuid.UUID]string
	events     map[uuid.UUID][]*Event
	revision   int64
	eventID    int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[uuid.UUID]engine.ExecutionSnapshot),
		users:      make(map[uuid.UUID]map[string]UserRecord),
		latest:     make(map[uuid.UUID]string),
		events:     make(map[uuid.UUID][]*Event),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*engine.ExecutionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return &snap, nil
}

func (s *MemoryStore) PutExecution(_ context.Context, snap engine.ExecutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[snap.ExecutionID] = snap
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]engine.ExecutionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.ExecutionSnapshot
	for _, snap := range s.executions {
		if filter.Match(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ExecutionID.String() < out[j].ExecutionID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecution(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return storeNotFound("execution", id)
	}
	delete(s.executions, id)
	delete(s.users, id)
	delete(s.latest, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) GetUserContext(_ context.Context, id uuid.UUID, path string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if path == "" {
		p, ok := s.latest[id]
		if !ok {
			return nil, storeNotFound("user context", id)
		}
		path = p
	}
	rec, ok := s.users[id][path]
	if !ok {
		return nil, storeNotFound("user context", id.String()+"@"+path)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec, nil
}

func (s *MemoryStore) PutUserContext(_ context.Context, rec *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putUserLocked(rec)
	return nil
}

func (s *MemoryStore) PutCheckpoint(_ context.Context, snap engine.ExecutionSnapshot, rec *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[snap.ExecutionID] = snap
	s.putUserLocked(rec)
	return nil
}

func (s *MemoryStore) putUserLocked(rec *UserRecord) {
	s.revision++
	rec.Revision = s.revision
	byPath, ok := s.users[rec.ExecutionID]
	if !ok {
		byPath = make(map[string]UserRecord)
		s.users[rec.ExecutionID] = byPath
	}
	stored := *rec
	stored.Data = append([]byte(nil), rec.Data...)
	byPath[rec.Path] = stored
	s.latest[rec.ExecutionID] = rec.Path
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventID++
	event.ID = s.eventID
	event.Sequence = int64(len(s.events[event.ExecutionID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	stored := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &stored)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, id uuid.UUID, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[id] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
