package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testGraph() schema.GraphDefinition {
	return schema.GraphDefinition{
		Name:   "pipeline",
		Budget: 100,
		Tasks: []schema.TaskDefinition{
			{ID: "t1", Capability: schema.Capability{Name: "search"}},
			{ID: "t2", DependsOn: []string{"t1"}, Capability: schema.Capability{Name: "llm"}},
		},
	}
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:     uuid.New().String(),
		Name:   "pipeline",
		Graph:  testGraph(),
		Status: schema.WorkflowStatusPlanning,
		Budget: 100,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func isNotFound(err error) bool {
	var mErr *schema.MaestroError
	return errors.As(err, &mErr) && mErr.Code == schema.ErrCodeNotFound
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "pipeline", got.Name)
	assert.Equal(t, schema.WorkflowStatusPlanning, got.Status)
	assert.Equal(t, int64(100), got.Budget)
	require.Len(t, got.Graph.Tasks, 2)
	assert.Equal(t, []string{"t1"}, got.Graph.Tasks[1].DependsOn)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ArchivedAt)
}

func TestCreateWorkflow_Duplicate(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s)

	err := s.CreateWorkflow(context.Background(), &Workflow{ID: wf.ID, Graph: testGraph(), Status: schema.WorkflowStatusPlanning})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	assert.True(t, isNotFound(err))
}

func TestUpdateWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	now := time.Now().UTC().Truncate(time.Second)
	status := schema.WorkflowStatusCompleted
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{
		Status:      &status,
		Result:      json.RawMessage(`{"status":"completed"}`),
		StartedAt:   &now,
		CompletedAt: &now,
	}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.JSONEq(t, `{"status":"completed"}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, now, *got.CompletedAt, time.Second)

	// Empty update is a no-op.
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{}))

	err = s.UpdateWorkflow(ctx, "missing", WorkflowUpdate{Status: &status})
	assert.True(t, isNotFound(err))
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedWorkflow(t, s)
	b := seedWorkflow(t, s)
	_ = seedWorkflow(t, s)

	done := schema.WorkflowStatusCompleted
	past := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.UpdateWorkflow(ctx, a.ID, WorkflowUpdate{Status: &done, CompletedAt: &past}))
	archived := time.Now().UTC()
	require.NoError(t, s.UpdateWorkflow(ctx, b.ID, WorkflowUpdate{ArchivedAt: &archived}))

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "archived workflows are hidden by default")

	withArchived, err := s.ListWorkflows(ctx, WorkflowFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, withArchived, 3)

	completed, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &done})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, a.ID, completed[0].ID)

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	old, err := s.ListWorkflows(ctx, WorkflowFilter{CompletedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, a.ID, old[0].ID)

	limited, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteWorkflowCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf.ID, Kind: schema.EventWorkflowStarted}))
	require.NoError(t, s.UpsertLedgerEntry(ctx, &LedgerEntry{WorkflowID: wf.ID, TaskID: "t1", Reserved: 5, Status: LedgerReserved}))

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	events, err := s.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	entries, err := s.ListLedgerEntries(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.True(t, isNotFound(s.DeleteWorkflow(ctx, wf.ID)))
}

// --- Event Tests ---

func TestAppendEvent_Sequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedWorkflow(t, s)
	b := seedWorkflow(t, s)

	for i := 1; i <= 3; i++ {
		ea := &Event{WorkflowID: a.ID, TaskID: "t1", Kind: schema.EventHeartbeat}
		require.NoError(t, s.AppendEvent(ctx, ea))
		assert.Equal(t, int64(i), ea.Sequence)
		assert.False(t, ea.Timestamp.IsZero())
	}

	// Sequences are per workflow.
	eb := &Event{WorkflowID: b.ID, Kind: schema.EventWorkflowStarted}
	require.NoError(t, s.AppendEvent(ctx, eb))
	assert.Equal(t, int64(1), eb.Sequence)
}

func TestListEvents_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	kinds := []struct{ task, kind string }{
		{"", schema.EventWorkflowStarted},
		{"t1", schema.EventScheduled},
		{"t1", schema.EventAssigned},
		{"t1", schema.EventStarted},
		{"t1", schema.EventCompleted},
		{"t2", schema.EventScheduled},
	}
	for _, k := range kinds {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			WorkflowID: wf.ID, TaskID: k.task, Kind: k.kind, WorkerID: "w1",
			Payload: json.RawMessage(`{"attempt":1}`),
		}))
	}

	all, err := s.ListEvents(ctx, wf.ID, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "w1", all[0].WorkerID)
	assert.JSONEq(t, `{"attempt":1}`, string(all[0].Payload))

	scheduled, err := s.ListEvents(ctx, wf.ID, EventFilter{Kinds: []string{schema.EventScheduled}})
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)

	t1, err := s.ListEvents(ctx, wf.ID, EventFilter{TaskID: "t1", AfterSeq: 2, UntilSeq: 4})
	require.NoError(t, err)
	require.Len(t, t1, 2)
	assert.Equal(t, int64(3), t1[0].Sequence)
	assert.Equal(t, int64(4), t1[1].Sequence)

	page, err := s.ListEvents(ctx, wf.ID, EventFilter{Limit: 2, AfterSeq: 4})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Sequence)
}

// --- Ledger Tests ---

func TestLedgerEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	require.NoError(t, s.UpsertLedgerEntry(ctx, &LedgerEntry{WorkflowID: wf.ID, TaskID: "t2", Reserved: 10, Status: LedgerReserved}))
	require.NoError(t, s.UpsertLedgerEntry(ctx, &LedgerEntry{WorkflowID: wf.ID, TaskID: "t1", Reserved: 20, Status: LedgerReserved}))
	require.NoError(t, s.UpsertLedgerEntry(ctx, &LedgerEntry{WorkflowID: wf.ID, TaskID: "t1", Reserved: 20, Consumed: 15, Status: LedgerCommitted}))

	entries, err := s.ListLedgerEntries(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.Equal(t, int64(15), entries[0].Consumed)
	assert.Equal(t, LedgerCommitted, entries[0].Status)
	assert.Equal(t, LedgerReserved, entries[1].Status)
}

// --- Worker Tests ---

func TestRegisterAndGetWorker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &Worker{
		ID:           "w1",
		Name:         "searcher",
		Capabilities: []string{"search"},
		Tags:         []string{"web", "fast"},
		Attributes:   map[string]any{"region": "eu"},
		Command:      []string{"/usr/bin/search-agent", "--json"},
		InputSchema:  json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, s.RegisterWorker(ctx, w))

	got, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "searcher", got.Name)
	assert.Equal(t, []string{"search"}, got.Capabilities)
	assert.Equal(t, []string{"web", "fast"}, got.Tags)
	assert.Equal(t, "eu", got.Attributes["region"])
	assert.Equal(t, []string{"/usr/bin/search-agent", "--json"}, got.Command)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema))
	assert.Nil(t, got.LastSeenAt)

	// Re-registering updates in place.
	w.Capabilities = []string{"search", "crawl"}
	require.NoError(t, s.RegisterWorker(ctx, w))
	got, err = s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "crawl"}, got.Capabilities)

	require.NoError(t, s.UpdateWorkerSeen(ctx, "w1"))
	got, err = s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeenAt)
}

func TestListAndDeleteWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		require.NoError(t, s.RegisterWorker(ctx, &Worker{ID: id, Name: id, Capabilities: []string{"x"}}))
	}
	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].ID)
	assert.Nil(t, workers[0].Tags)

	require.NoError(t, s.DeleteWorker(ctx, "a"))
	assert.True(t, isNotFound(s.DeleteWorker(ctx, "a")))
	assert.True(t, isNotFound(s.UpdateWorkerSeen(ctx, "a")))

	_, err = s.GetWorker(ctx, "a")
	assert.True(t, isNotFound(err))
}

// --- Maintenance ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment only; with a semicolon\nCREATE TABLE a (x INT);\n\n  ;CREATE INDEX i ON a(x)")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	for i := 1; i < len(ms); i++ {
		assert.Greater(t, ms[i].Version, ms[i-1].Version)
	}
}

func TestLoadMigrations_BadNames(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"no version", fstest.MapFS{"migrations/initial.sql": {Data: []byte("SELECT 1")}}},
		{"zero version", fstest.MapFS{"migrations/000_initial.sql": {Data: []byte("SELECT 1")}}},
		{"duplicate", fstest.MapFS{
			"migrations/002_a.sql":  {Data: []byte("SELECT 1")},
			"migrations/0002_b.sql": {Data: []byte("SELECT 1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.files)
			require.Error(t, err)
		})
	}
}

func TestMigrate_RecordsEmbeddedVersions(t *testing.T) {
	s := newTestStore(t)
	applied, err := appliedMigrations(context.Background(), s.DB())
	require.NoError(t, err)

	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.Len(t, applied, len(ms))
	for _, m := range ms {
		assert.Equal(t, m.Name, applied[m.Version])
	}
}

func TestMigrate_RejectsUnknownVersion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DB().Exec(`INSERT INTO schema_version (version, name) VALUES (999, 'from_the_future')`)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "999")
}

func TestMigrate_RejectsRenamedMigration(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DB().Exec(`UPDATE schema_version SET name = 'renamed' WHERE version = 1`)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_schema")
}
