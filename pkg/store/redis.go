package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/waypoint/pkg/engine"
)

// RedisStore implements Store on Redis. Executions are JSON strings indexed
// by a sorted set scored by update time; user contexts are a hash per
// execution keyed by path; events are a list per execution.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. keyPrefix defaults to "waypoint:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "waypoint:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks if the store is reachable.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) execKey(id uuid.UUID) string   { return s.keyPrefix + "exec:" + id.String() }
func (s *RedisStore) execIndexKey() string          { return s.keyPrefix + "execs" }
func (s *RedisStore) userKey(id uuid.UUID) string   { return s.keyPrefix + "uc:" + id.String() }
func (s *RedisStore) latestKey(id uuid.UUID) string { return s.keyPrefix + "uc:" + id.String() + ":latest" }
func (s *RedisStore) revisionKey() string           { return s.keyPrefix + "ucrev" }
func (s *RedisStore) eventsKey(id uuid.UUID) string { return s.keyPrefix + "events:" + id.String() }
func (s *RedisStore) seqKey(id uuid.UUID) string    { return s.keyPrefix + "eventseq:" + id.String() }
func (s *RedisStore) eventIDKey() string            { return s.keyPrefix + "eventid" }

// --- Executions ---

func (s *RedisStore) GetExecution(ctx context.Context, id uuid.UUID) (*engine.ExecutionSnapshot, error) {
	data, err := s.client.Get(ctx, s.execKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	var snap engine.ExecutionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) PutExecution(ctx context.Context, snap engine.ExecutionSnapshot) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueExecution(ctx, pipe, snap)
	})
	return err
}

func (s *RedisStore) queueExecution(ctx context.Context, pipe redis.Pipeliner, snap engine.ExecutionSnapshot) error {
	snap.UpdatedAt = timeOrNow(snap.UpdatedAt)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	pipe.Set(ctx, s.execKey(snap.ExecutionID), data, 0)
	pipe.ZAdd(ctx, s.execIndexKey(), redis.Z{
		Score:  float64(snap.UpdatedAt.UnixNano()),
		Member: snap.ExecutionID.String(),
	})
	return nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.ExecutionSnapshot, error) {
	ids, err := s.client.ZRange(ctx, s.execIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]engine.ExecutionSnapshot, 0)
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		snap, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		if !filter.Match(*snap) {
			continue
		}
		out = append(out, *snap)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	n, err := s.client.Exists(ctx, s.execKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("execution", id)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.execKey(id), s.userKey(id), s.latestKey(id), s.eventsKey(id), s.seqKey(id))
		pipe.ZRem(ctx, s.execIndexKey(), id.String())
		return nil
	})
	return err
}

// --- User contexts ---

func (s *RedisStore) GetUserContext(ctx context.Context, id uuid.UUID, path string) (*UserRecord, error) {
	if path == "" {
		latest, err := s.client.Get(ctx, s.latestKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, storeNotFound("user context", id)
		}
		if err != nil {
			return nil, err
		}
		path = latest
	}
	data, err := s.client.HGet(ctx, s.userKey(id), path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("user context", id.String()+"@"+path)
	}
	if err != nil {
		return nil, err
	}
	var rec UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal user context: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) PutUserContext(ctx context.Context, rec *UserRecord) error {
	return s.PutCheckpoint(ctx, engine.ExecutionSnapshot{}, rec)
}

// PutCheckpoint writes both halves in one MULTI/EXEC. A zero snapshot
// writes the user context only.
func (s *RedisStore) PutCheckpoint(ctx context.Context, snap engine.ExecutionSnapshot, rec *UserRecord) error {
	rev, err := s.client.Incr(ctx, s.revisionKey()).Result()
	if err != nil {
		return fmt.Errorf("next revision: %w", err)
	}
	rec.Revision = rev
	rec.UpdatedAt = timeOrNow(rec.UpdatedAt)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal user context: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if snap.ExecutionID != uuid.Nil {
			if err := s.queueExecution(ctx, pipe, snap); err != nil {
				return err
			}
		}
		pipe.HSet(ctx, s.userKey(rec.ExecutionID), rec.Path, data)
		pipe.Set(ctx, s.latestKey(rec.ExecutionID), rec.Path, 0)
		return nil
	})
	return err
}

// --- Events ---

func (s *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	seq, err := s.client.Incr(ctx, s.seqKey(event.ExecutionID)).Result()
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	id, err := s.client.Incr(ctx, s.eventIDKey()).Result()
	if err != nil {
		return fmt.Errorf("get event id: %w", err)
	}
	event.Sequence, event.ID = seq, id
	event.Timestamp = timeOrNow(event.Timestamp)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.RPush(ctx, s.eventsKey(event.ExecutionID), data).Err()
}

// GetEvents returns events with sequence > since, ordered by sequence.
func (s *RedisStore) GetEvents(ctx context.Context, id uuid.UUID, since int64) ([]*Event, error) {
	items, err := s.client.LRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var events []*Event
	for i, item := range items {
		e := &Event{}
		if err := json.Unmarshal([]byte(item), e); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", i, err)
		}
		if e.Sequence > since {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}
