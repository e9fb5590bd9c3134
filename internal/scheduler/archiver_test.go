package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// mockArchiveStore satisfies store.Store for archiver tests.
type mockArchiveStore struct {
	store.Store
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	events    map[string][]*store.Event
	vacuumed  int
	updateErr error
}

func newMockArchiveStore() *mockArchiveStore {
	return &mockArchiveStore{
		workflows: make(map[string]*store.Workflow),
		events:    make(map[string][]*store.Event),
	}
}

func (m *mockArchiveStore) add(id string, status schema.WorkflowStatus, completed time.Time, closing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf := &store.Workflow{ID: id, Status: status}
	if !completed.IsZero() {
		wf.CompletedAt = &completed
	}
	m.workflows[id] = wf
	if closing {
		m.events[id] = append(m.events[id], &store.Event{WorkflowID: id, Kind: schema.EventWorkflowCompleted, Sequence: 1})
	}
}

func (m *mockArchiveStore) ListWorkflows(_ context.Context, f store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if !f.IncludeArchived && wf.ArchivedAt != nil {
			continue
		}
		if f.CompletedBefore != nil && (wf.CompletedAt == nil || !wf.CompletedAt.Before(*f.CompletedBefore)) {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockArchiveStore) ListEvents(_ context.Context, id string, f store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events[id] {
		if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockArchiveStore) UpdateWorkflow(_ context.Context, id string, u store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if u.ArchivedAt != nil {
		m.workflows[id].ArchivedAt = u.ArchivedAt
	}
	return nil
}

func (m *mockArchiveStore) Vacuum(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vacuumed++
	return nil
}

func (m *mockArchiveStore) archived(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workflows[id].ArchivedAt != nil
}

func newTestArchiver(t *testing.T, s store.Store, cfg Config) *Archiver {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewArchiver(s, cfg)
	require.NoError(t, err)
	return a
}

// --- Tests ---

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	a := newTestArchiver(t, newMockArchiveStore(), Config{})
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), a.NextRun(from))

	a = newTestArchiver(t, newMockArchiveStore(), Config{Schedule: "*/15 * * * *"})
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), a.NextRun(from))

	a = newTestArchiver(t, newMockArchiveStore(), Config{Schedule: "0 0 * * *"})
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), a.NextRun(from))
}

func TestNewArchiver_InvalidSchedule(t *testing.T) {
	_, err := NewArchiver(newMockArchiveStore(), Config{Schedule: "invalid cron"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestRunOnce_ArchivesOnlyEligible(t *testing.T) {
	ms := newMockArchiveStore()
	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	ms.add("old-done", schema.WorkflowStatusCompleted, old, true)
	ms.add("old-failed", schema.WorkflowStatusFailed, old, true)
	ms.add("recent", schema.WorkflowStatusCompleted, recent, true)
	ms.add("unflushed", schema.WorkflowStatusAborted, old, false)
	ms.add("running", schema.WorkflowStatusRunning, time.Time{}, false)

	a := newTestArchiver(t, ms, Config{Retention: 24 * time.Hour, Vacuum: true})
	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.True(t, ms.archived("old-done"))
	assert.True(t, ms.archived("old-failed"))
	assert.False(t, ms.archived("recent"))
	assert.False(t, ms.archived("unflushed"))
	assert.False(t, ms.archived("running"))
	assert.Equal(t, 1, ms.vacuumed)

	// Already archived workflows are not picked up again.
	n, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, ms.vacuumed)
}

func TestRunOnce_UpdateErrorIsLogged(t *testing.T) {
	ms := newMockArchiveStore()
	ms.add("wf", schema.WorkflowStatusCompleted, time.Now().UTC().Add(-48*time.Hour), true)
	ms.updateErr = errors.New("database is locked")

	a := newTestArchiver(t, ms, Config{Retention: time.Hour})
	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, ms.archived("wf"))
}

func TestRunOnce_SkipsInFlight(t *testing.T) {
	ms := newMockArchiveStore()
	ms.add("wf", schema.WorkflowStatusCompleted, time.Now().UTC().Add(-48*time.Hour), true)

	a := newTestArchiver(t, ms, Config{Retention: time.Hour})
	require.True(t, a.tryAcquire("wf"))

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	a.release("wf")
	n, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartStop(t *testing.T) {
	a := newTestArchiver(t, newMockArchiveStore(), Config{})

	require.NoError(t, a.Start(context.Background()))
	require.Error(t, a.Start(context.Background()))
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop()) // idempotent
}
