package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// --- mockStore ---

// mockStore is an in-memory store.Store.
type mockStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	events    map[string][]*store.Event
	ledger    map[string]map[string]*store.LedgerEntry
	workers   map[string]*store.Worker
	nextID    int64
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows: make(map[string]*store.Workflow),
		events:    make(map[string][]*store.Event),
		ledger:    make(map[string]map[string]*store.LedgerEntry),
		workers:   make(map[string]*store.Worker),
	}
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q exists", wf.ID)
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) UpdateWorkflow(_ context.Context, id string, u store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return notFound("workflow", id)
	}
	if u.Status != nil {
		wf.Status = *u.Status
	}
	if u.Result != nil {
		wf.Result = u.Result
	}
	if u.Error != nil {
		wf.Error = u.Error
	}
	if u.StartedAt != nil {
		wf.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		wf.CompletedAt = u.CompletedAt
	}
	if u.ArchivedAt != nil {
		wf.ArchivedAt = u.ArchivedAt
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) ListWorkflows(_ context.Context, f store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if f.Status != nil && wf.Status != *f.Status {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	delete(m.events, id)
	delete(m.ledger, id)
	return nil
}

func (m *mockStore) AppendEvent(_ context.Context, e *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.Sequence = int64(len(m.events[e.WorkflowID]) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	m.events[e.WorkflowID] = append(m.events[e.WorkflowID], &cp)
	return nil
}

func (m *mockStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error) {
	return m.ListEvents(ctx, workflowID, store.EventFilter{AfterSeq: since})
}

func (m *mockStore) ListEvents(_ context.Context, workflowID string, f store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events[workflowID] {
		if e.Sequence <= f.AfterSeq {
			continue
		}
		if f.UntilSeq > 0 && e.Sequence > f.UntilSeq {
			break
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) UpsertLedgerEntry(_ context.Context, entry *store.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger[entry.WorkflowID] == nil {
		m.ledger[entry.WorkflowID] = make(map[string]*store.LedgerEntry)
	}
	cp := *entry
	m.ledger[entry.WorkflowID][entry.TaskID] = &cp
	return nil
}

func (m *mockStore) ListLedgerEntries(_ context.Context, workflowID string) ([]*store.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.LedgerEntry
	for _, e := range m.ledger[workflowID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) RegisterWorker(_ context.Context, w *store.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *mockStore) GetWorker(_ context.Context, id string) (*store.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, notFound("worker", id)
	}
	cp := *w
	return &cp, nil
}

func (m *mockStore) UpdateWorkerSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return notFound("worker", id)
	}
	now := time.Now().UTC()
	w.LastSeenAt = &now
	return nil
}

func (m *mockStore) ListWorkers(_ context.Context) ([]*store.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Worker
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) DeleteWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	return nil
}

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Vacuum(context.Context) error  { return nil }
func (m *mockStore) Close() error                  { return nil }

// --- fakeHandle ---

// fakeHandle is settled by the test or by the executor script.
type fakeHandle struct {
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	res        *TaskResult
	err        error
	beat       atomic.Int64
	cancelled  atomic.Bool
	holdCancel bool // Cancel records the request but does not settle
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{done: make(chan struct{})}
	h.beat.Store(time.Now().UnixNano())
	return h
}

func (h *fakeHandle) settle(res *TaskResult, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.res, h.err = res, err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) succeed(out []byte, consumed int64) {
	h.settle(&TaskResult{Output: out, Consumed: consumed}, nil)
}

func (h *fakeHandle) fail(err error, consumed int64) {
	h.settle(&TaskResult{Consumed: consumed}, err)
}

func (h *fakeHandle) Wait(ctx context.Context) (*TaskResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *fakeHandle) Cancel() error {
	h.cancelled.Store(true)
	if !h.holdCancel {
		h.settle(nil, context.Canceled)
	}
	return nil
}

func (h *fakeHandle) Heartbeat() time.Time {
	return time.Unix(0, h.beat.Load())
}

// --- fakeSelector ---

// fakeSelector ranks workers per capability name in declaration order.
type fakeSelector struct {
	mu       sync.Mutex
	workers  map[string][]string
	requests []SelectionRequest
	err      error
}

func newFakeSelector(workers map[string][]string) *fakeSelector {
	return &fakeSelector{workers: workers}
}

func (s *fakeSelector) Select(_ context.Context, req SelectionRequest) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	var out []Candidate
	for i, w := range s.workers[req.Capability.Name] {
		if slices.Contains(req.Exclude, w) {
			continue
		}
		out = append(out, Candidate{WorkerID: w, Score: float64(100 - i)})
	}
	return out, nil
}

func (s *fakeSelector) Requests(taskID string) []SelectionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SelectionRequest
	for _, r := range s.requests {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}

// --- fakeExecutor ---

type execCall struct {
	TaskID       string
	WorkerID     string
	Attempt      int
	Budget       int64
	Fallback     bool
	Simplified   bool
	Compensation bool
	Upstream     map[string]json.RawMessage
}

// script decides how one Execute call behaves. It may settle h
// immediately, later from another goroutine, or never.
type script func(req *TaskRequest, cand Candidate, h *fakeHandle)

// fakeExecutor succeeds every task, consuming its full reservation, unless
// a script for the task id says otherwise.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	handles map[string][]*fakeHandle
	scripts map[string]script
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		handles: make(map[string][]*fakeHandle),
		scripts: make(map[string]script),
	}
}

func (x *fakeExecutor) on(taskID string, s script) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scripts[taskID] = s
}

func (x *fakeExecutor) Execute(_ context.Context, req *TaskRequest, cand Candidate) (Handle, error) {
	h := newFakeHandle()
	x.mu.Lock()
	x.calls = append(x.calls, execCall{
		TaskID:       req.TaskID,
		WorkerID:     cand.WorkerID,
		Attempt:      req.Attempt,
		Budget:       req.Budget,
		Fallback:     req.Fallback,
		Simplified:   req.Simplified,
		Compensation: req.Compensation,
		Upstream:     req.Upstream,
	})
	x.handles[req.TaskID] = append(x.handles[req.TaskID], h)
	s := x.scripts[req.TaskID]
	x.mu.Unlock()

	switch {
	case s != nil:
		s(req, cand, h)
	case req.Compensation:
		h.succeed(nil, 0)
	default:
		out := fmt.Sprintf(`{"task":%q,"worker":%q}`, req.TaskID, cand.WorkerID)
		h.succeed([]byte(out), req.Budget)
	}
	return h, nil
}

func (x *fakeExecutor) Calls(taskID string) []execCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []execCall
	for _, c := range x.calls {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

func (x *fakeExecutor) AllCalls() []execCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.calls)
}

func (x *fakeExecutor) Handles(taskID string) []*fakeHandle {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.handles[taskID])
}
