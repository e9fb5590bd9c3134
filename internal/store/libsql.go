package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/maestro/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/maestro.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, name, graph, status, budget, concurrency, result, error, created_at, started_at, completed_at, archived_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), string(graph), string(wf.Status), wf.Budget, wf.Concurrency,
		nullRaw(wf.Result), nullRaw(wf.Error),
		timeOrNow(wf.CreatedAt), nullTime(wf.StartedAt), nullTime(wf.CompletedAt), nullTime(wf.ArchivedAt),
		timeOrNow(wf.UpdatedAt),
	)
	if err != nil && isConstraintErr(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		name                               sql.NullString
		graphJSON, status                  string
		resultJSON, errorJSON              sql.NullString
		startedAt, completedAt, archivedAt sql.NullTime
	)
	if err := row.Scan(&wf.ID, &name, &graphJSON, &status, &wf.Budget, &wf.Concurrency,
		&resultJSON, &errorJSON, &wf.CreatedAt, &startedAt, &completedAt, &archivedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(graphJSON), &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	wf.Result = rawOrNil(resultJSON)
	wf.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	if archivedAt.Valid {
		wf.ArchivedAt = &archivedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ArchivedAt != nil {
		sets = append(sets, "archived_at = ?")
		args = append(args, *update.ArchivedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.CompletedBefore != nil {
		where = append(where, "completed_at IS NOT NULL AND completed_at < ?")
		args = append(args, *filter.CompletedBefore)
	}
	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes the workflow with its events and ledger entries.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "budget_ledger"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE workflow_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Events ---

const eventColumns = `id, workflow_id, task_id, kind, payload, worker_id, timestamp, sequence`

// AppendEvent inserts event with the next per-workflow sequence number. The
// sequence read and the insert share one transaction, and the single open
// connection serializes writers, so sequences stay gapless.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := timeOrNow(event.Timestamp)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, task_id, kind, payload, worker_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.TaskID), event.Kind, nullRaw(event.Payload), nullStr(event.WorkerID), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}

	event.Sequence = seq
	event.Timestamp = ts
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) ListEvents(ctx context.Context, workflowID string, filter EventFilter) ([]*Event, error) {
	where := []string{"workflow_id = ?", "sequence > ?"}
	args := []any{workflowID, filter.AfterSeq}

	if filter.UntilSeq > 0 {
		where = append(where, "sequence <= ?")
		args = append(args, filter.UntilSeq)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var taskID, workerID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &taskID, &e.Kind, &payload, &workerID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.WorkerID = workerID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Budget ledger ---

func (s *LibSQLStore) UpsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_ledger (workflow_id, task_id, reserved, consumed, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, task_id) DO UPDATE SET
		   reserved=excluded.reserved, consumed=excluded.consumed,
		   status=excluded.status, updated_at=excluded.updated_at`,
		entry.WorkflowID, entry.TaskID, entry.Reserved, entry.Consumed, string(entry.Status), timeOrNow(entry.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListLedgerEntries(ctx context.Context, workflowID string) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, task_id, reserved, consumed, status, updated_at
		 FROM budget_ledger WHERE workflow_id = ? ORDER BY task_id`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		var status string
		if err := rows.Scan(&e.WorkflowID, &e.TaskID, &e.Reserved, &e.Consumed, &status, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = LedgerStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Workers ---

const workerColumns = `id, name, capabilities, tags, attributes, command, input_schema, created_at, last_seen_at`

func (s *LibSQLStore) RegisterWorker(ctx context.Context, w *Worker) error {
	caps, err := json.Marshal(orEmpty(w.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	tags, err := marshalOrNull(w.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	attrs, err := marshalOrNull(w.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	command, err := marshalOrNull(w.Command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, capabilities=excluded.capabilities,
		   tags=excluded.tags, attributes=excluded.attributes, command=excluded.command,
		   input_schema=excluded.input_schema`,
		w.ID, w.Name, string(caps), tags, attrs, command, nullRaw(w.InputSchema),
		timeOrNow(w.CreatedAt), nullTime(w.LastSeenAt),
	)
	return err
}

func (s *LibSQLStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("worker", id)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *LibSQLStore) UpdateWorkerSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "worker", id)
}

func (s *LibSQLStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *LibSQLStore) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "worker", id)
}

func scanWorker(row rowScanner) (*Worker, error) {
	w := &Worker{}
	var capsJSON string
	var tags, attrs, command, inputSchema sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(&w.ID, &w.Name, &capsJSON, &tags, &attrs, &command, &inputSchema, &w.CreatedAt, &lastSeen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &w.Tags)
	}
	if attrs.Valid {
		_ = json.Unmarshal([]byte(attrs.String), &w.Attributes)
	}
	if command.Valid {
		_ = json.Unmarshal([]byte(command.String), &w.Command)
	}
	w.InputSchema = rawOrNil(inputSchema)
	if lastSeen.Valid {
		w.LastSeenAt = &lastSeen.Time
	}
	return w, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.MaestroError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func marshalOrNull[T any](v T) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s := string(b); s != "null" && s != "{}" && s != "[]" {
		return s, nil
	}
	return nil, nil
}
