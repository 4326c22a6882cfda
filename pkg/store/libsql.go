package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/waypoint.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Executions ---

func (s *LibSQLStore) GetExecution(ctx context.Context, id uuid.UUID) (*engine.ExecutionSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, workflow_version, state, execution_point, owner_instance, updated_at
		 FROM executions WHERE id = ?`, id.String())
	snap, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *LibSQLStore) PutExecution(ctx context.Context, snap engine.ExecutionSnapshot) error {
	return putExecution(ctx, s.db, snap)
}

func putExecution(ctx context.Context, db execer, snap engine.ExecutionSnapshot) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_name, workflow_version, state, execution_point, owner_instance, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_name=excluded.workflow_name, workflow_version=excluded.workflow_version,
		   state=excluded.state, execution_point=excluded.execution_point,
		   owner_instance=excluded.owner_instance, updated_at=excluded.updated_at`,
		snap.ExecutionID.String(), snap.WorkflowName, snap.WorkflowVersion, string(snap.State),
		snap.ExecutionPoint, snap.OwnerInstance, timeOrNow(snap.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.ExecutionSnapshot, error) {
	query := `SELECT id, workflow_name, workflow_version, state, execution_point, owner_instance, updated_at FROM executions`
	var where []string
	var args []any

	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if len(filter.Owners) > 0 {
		where = append(where, "owner_instance IN ("+placeholders(len(filter.Owners))+")")
		for _, o := range filter.Owners {
			args = append(args, o)
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ExecutionSnapshot
	for rows.Next() {
		snap, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM user_contexts WHERE execution_id = ?`,
		`DELETE FROM events WHERE execution_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- User contexts ---

func (s *LibSQLStore) GetUserContext(ctx context.Context, id uuid.UUID, path string) (*UserRecord, error) {
	query := `SELECT path, data, revision, updated_at FROM user_contexts WHERE execution_id = ? AND path = ?`
	args := []any{id.String(), path}
	if path == "" {
		query = `SELECT path, data, revision, updated_at FROM user_contexts WHERE execution_id = ?
		         ORDER BY revision DESC LIMIT 1`
		args = args[:1]
	}

	rec := &UserRecord{ExecutionID: id}
	var data string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&rec.Path, &data, &rec.Revision, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("user context", id.String()+"@"+path)
	}
	if err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	return rec, nil
}

func (s *LibSQLStore) PutUserContext(ctx context.Context, rec *UserRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin user context: %w", err)
	}
	defer tx.Rollback()

	if err := putUserContext(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func putUserContext(ctx context.Context, db execer, rec *UserRecord) error {
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) + 1 FROM user_contexts WHERE execution_id = ?`, rec.ExecutionID.String(),
	).Scan(&rec.Revision)
	if err != nil {
		return fmt.Errorf("next revision: %w", err)
	}
	rec.UpdatedAt = timeOrNow(rec.UpdatedAt)
	_, err = db.ExecContext(ctx,
		`INSERT INTO user_contexts (execution_id, path, data, revision, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, path) DO UPDATE SET
		   data=excluded.data, revision=excluded.revision, updated_at=excluded.updated_at`,
		rec.ExecutionID.String(), rec.Path, string(rec.Data), rec.Revision, rec.UpdatedAt,
	)
	return err
}

// PutCheckpoint writes both halves in one transaction.
func (s *LibSQLStore) PutCheckpoint(ctx context.Context, snap engine.ExecutionSnapshot, rec *UserRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if err := putExecution(ctx, tx, snap); err != nil {
		return fmt.Errorf("write execution: %w", err)
	}
	if err := putUserContext(ctx, tx, rec); err != nil {
		return fmt.Errorf("write user context: %w", err)
	}
	return tx.Commit()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The connection pool holds a single connection, so the sequence
// read and the insert cannot interleave with another writer.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID.String(),
	).Scan(&event.Sequence)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_name, event_type, from_state, to_state, execution_point, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID.String(), event.WorkflowName, event.Type, string(event.From), string(event.To),
		event.ExecutionPoint, event.Timestamp, event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, id uuid.UUID, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_name, event_type, from_state, to_state, execution_point, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`, id.String(), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, from, to string
		if err := rows.Scan(&e.ID, &execID, &e.WorkflowName, &e.Type, &from, &to,
			&e.ExecutionPoint, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		if e.ExecutionID, err = uuid.Parse(execID); err != nil {
			return nil, fmt.Errorf("parse execution id: %w", err)
		}
		e.From, e.To = schema.ExecutionState(from), schema.ExecutionState(to)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*engine.ExecutionSnapshot, error) {
	snap := &engine.ExecutionSnapshot{}
	var id, state string
	var updated time.Time
	if err := row.Scan(&id, &snap.WorkflowName, &snap.WorkflowVersion, &state,
		&snap.ExecutionPoint, &snap.OwnerInstance, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse execution id: %w", err)
	}
	snap.ExecutionID = parsed
	snap.State = schema.ExecutionState(state)
	snap.UpdatedAt = updated.UTC()
	return snap, nil
}

func checkRowsAffected(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
