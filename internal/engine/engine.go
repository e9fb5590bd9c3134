package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/metrics"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// Engine is the workflow scheduler and executor.
type Engine interface {
	// Run validates def, executes it and blocks until the workflow reaches
	// a terminal state. Validation failures return a *schema.ValidationError
	// and no result. Every workflow that started returns a WorkflowResult.
	// Cancelling ctx cancels the workflow cooperatively.
	Run(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (*WorkflowResult, error)

	// Start is Run without blocking. The returned channel yields the result
	// once and is then closed. The run is detached from ctx.
	Start(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (string, <-chan *WorkflowResult, error)

	// Cancel asks a running workflow to stop. It returns once the request
	// is recorded; the workflow reaches Aborted after its handles settle.
	Cancel(ctx context.Context, workflowID, reason string) error

	// GetStatus returns the live view of a running workflow, or a view
	// rebuilt from the event log for one that is not running here.
	GetStatus(ctx context.Context, workflowID string) (*StatusView, error)

	// Replay folds the workflow's event log into its reconstructed state.
	Replay(ctx context.Context, workflowID string) (*store.ReplayState, error)

	// Shutdown waits for outstanding handle waiters. Running workflows
	// should be cancelled first.
	Shutdown()
}

// RunOptions are per-run settings.
type RunOptions struct {
	WorkflowID string // generated when empty
	Name       string
}

// EventLog is the subset of *store.EventLog the engine needs.
type EventLog interface {
	EventAppender
	Replay(ctx context.Context, workflowID string) (*store.ReplayState, error)
}

// Deps are the engine's collaborators. Store, Selector and Executor are
// required.
type Deps struct {
	Store    store.Store
	Events   EventLog // defaults to store.NewEventLog(Store)
	Selector AgentSelector
	Executor AgentExecutor
	Exprs    *expressions.ExprEngine
	Logger   *slog.Logger
}

// Defaults for Config fields left zero.
const (
	DefaultPoolSize            = 64
	DefaultTickInterval        = 50 * time.Millisecond
	DefaultHeartbeatInterval   = time.Second
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultCompensationTimeout = time.Minute
)

// Config holds engine tuning.
type Config struct {
	PoolSize            int           // max concurrent handle waiters across workflows
	DefaultConcurrency  int           // per-workflow limit when the graph sets none; 0 = unlimited
	TickInterval        time.Duration // scheduling loop wake-up period
	HeartbeatInterval   time.Duration // minimum gap between heartbeat events per task
	HeartbeatTimeout    time.Duration // silence after which a running task fails
	CompensationTimeout time.Duration // bound on one compensating action
	DispatchRate        float64       // dispatches per second across workflows; 0 = unlimited
	DispatchBurst       int
	Retry               RetrySettings
	CircuitBreaker      *CircuitBreakerConfig // nil = defaults
	Rand                func() float64        // jitter source; nil = math/rand
}

type engineImpl struct {
	store    store.Store
	events   EventLog
	selector AgentSelector
	executor AgentExecutor
	logger   *slog.Logger
	cfg      Config

	taskFSM  *TaskFSM
	wfFSM    *WorkflowFSM
	pool     *WaiterPool
	breakers *CircuitBreakerRegistry
	recovery *RecoveryEngine
	limiter  *rate.Limiter

	// mu guards running map.
	mu      sync.Mutex
	running map[string]*WorkflowContext
}

// NewEngine creates an Engine with the given dependencies.
func NewEngine(deps Deps, cfg Config) (Engine, error) {
	if deps.Store == nil || deps.Selector == nil || deps.Executor == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store, a selector and an executor")
	}
	if deps.Events == nil {
		deps.Events = store.NewEventLog(deps.Store)
	}
	if deps.Exprs == nil {
		deps.Exprs = expressions.NewExprEngine()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = DefaultCompensationTimeout
	}
	defRetry := DefaultRetrySettings()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defRetry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = defRetry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = defRetry.MaxDelay
	}
	if cfg.Retry.Jitter <= 0 {
		cfg.Retry.Jitter = defRetry.Jitter
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}

	return &engineImpl{
		store:    deps.Store,
		events:   deps.Events,
		selector: deps.Selector,
		executor: deps.Executor,
		logger:   deps.Logger,
		cfg:      cfg,
		taskFSM:  NewTaskFSM(deps.Events),
		wfFSM:    NewWorkflowFSM(deps.Events),
		pool:     NewWaiterPool(cfg.PoolSize),
		breakers: NewCircuitBreakerRegistry(cbConfig),
		recovery: NewRecoveryEngine(deps.Exprs, cfg.Rand, deps.Logger),
		limiter:  limiter,
		running:  make(map[string]*WorkflowContext),
	}, nil
}

// Run validates and executes a graph, blocking until it is terminal.
func (e *engineImpl) Run(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (*WorkflowResult, error) {
	wc, err := e.prepare(ctx, def, opts)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, wc)
}

// Start validates a graph and executes it in the background.
func (e *engineImpl) Start(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (string, <-chan *WorkflowResult, error) {
	wc, err := e.prepare(ctx, def, opts)
	if err != nil {
		return "", nil, err
	}
	out := make(chan *WorkflowResult, 1)
	go func() {
		defer close(out)
		res, err := e.execute(context.WithoutCancel(ctx), wc)
		if err != nil {
			e.logger.Error("workflow run aborted by engine error",
				slog.String("workflow_id", wc.ID), slog.String("error", err.Error()))
		}
		out <- res
	}()
	return wc.ID, out, nil
}

// prepare validates the graph, persists the workflow record and registers
// its context so Cancel and GetStatus can find it.
func (e *engineImpl) prepare(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (*WorkflowContext, error) {
	g, err := ParseGraph(def)
	if err != nil {
		return nil, err
	}

	id := opts.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = def.Name
	}
	concurrency := def.Concurrency
	if concurrency <= 0 {
		concurrency = e.cfg.DefaultConcurrency
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:          id,
		Name:        name,
		Graph:       *def,
		Status:      schema.WorkflowStatusPlanning,
		Budget:      def.Budget,
		Concurrency: concurrency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, schema.AsMaestroError(err, schema.ErrCodeStore)
	}

	logger := e.logger.With(slog.String("workflow_id", id))
	ledger := NewBudgetLedger(id, def.Budget, def.Adaptation, e.events, e.store, WithLedgerLogger(logger))
	wc := newWorkflowContext(id, g, ledger, concurrency, e.cfg.Retry, e.cfg.HeartbeatTimeout, e.cfg.HeartbeatInterval, logger)
	wc.publish()

	e.mu.Lock()
	e.running[id] = wc
	e.mu.Unlock()
	return wc, nil
}

// execute owns wc until it is terminal.
func (e *engineImpl) execute(ctx context.Context, wc *WorkflowContext) (*WorkflowResult, error) {
	metrics.WorkflowsActive.Inc()
	defer func() {
		metrics.WorkflowsActive.Dec()
		e.mu.Lock()
		delete(e.running, wc.ID)
		e.mu.Unlock()
		if n := e.breakers.Prune(time.Now()); n > 0 {
			e.logger.Debug("idle circuit breakers pruned", slog.Int("count", n))
		}
	}()

	err := e.loop(ctx, wc)
	close(wc.done)
	if err != nil {
		e.abandon(wc, err)
		return wc.result(), err
	}
	return wc.result(), nil
}

// Cancel requests cooperative cancellation of a running workflow.
func (e *engineImpl) Cancel(ctx context.Context, workflowID, reason string) error {
	e.mu.Lock()
	wc, ok := e.running[workflowID]
	e.mu.Unlock()
	if ok {
		if reason == "" {
			reason = "cancelled by caller"
		}
		wc.requestCancel(reason)
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return schema.AsMaestroError(err, schema.ErrCodeStore)
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is already %s", workflowID, wf.Status)
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"workflow %s is not running in this process", workflowID)
}

// GetStatus returns the current view of a workflow.
func (e *engineImpl) GetStatus(ctx context.Context, workflowID string) (*StatusView, error) {
	e.mu.Lock()
	wc, ok := e.running[workflowID]
	e.mu.Unlock()
	if ok {
		if v := wc.snapshot.Load(); v != nil {
			return v, nil
		}
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.AsMaestroError(err, schema.ErrCodeStore)
	}
	state, err := e.events.Replay(ctx, workflowID)
	if err != nil {
		return nil, schema.AsMaestroError(err, schema.ErrCodeStore)
	}
	return statusFromReplay(wf, state), nil
}

// Replay reconstructs a workflow's state from its event log.
func (e *engineImpl) Replay(ctx context.Context, workflowID string) (*store.ReplayState, error) {
	return e.events.Replay(ctx, workflowID)
}

// Shutdown waits for outstanding waiters and stops the pool.
func (e *engineImpl) Shutdown() {
	e.pool.Shutdown()
}

func statusFromReplay(wf *store.Workflow, state *store.ReplayState) *StatusView {
	v := &StatusView{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Tasks:      make(map[string]TaskView, len(wf.Graph.Tasks)),
		Budget: LedgerSnapshot{
			Budget:   wf.Budget,
			Reserved: state.Reserved,
			Consumed: state.Consumed,
			Denials:  state.Denials,
		},
	}
	if wf.Budget > 0 {
		v.Budget.Remaining = wf.Budget - state.Consumed - state.Reserved
	}
	for _, t := range wf.Graph.Tasks {
		view := TaskView{Status: schema.TaskStatusPending}
		if r, ok := state.Tasks[t.ID]; ok {
			view = TaskView{
				Status:       r.Status,
				Worker:       r.Worker,
				Attempts:     r.Attempts,
				UsedFallback: r.UsedFallback,
				Simplified:   r.Simplified,
				Consumed:     r.Consumed,
			}
		}
		v.Tasks[t.ID] = view
	}
	return v
}

// abandon stops a workflow after an engine error (typically the event log
// becoming unwritable). Handles are cancelled without waiting and the
// workflow record is marked failed on a best-effort basis.
func (e *engineImpl) abandon(wc *WorkflowContext, cause error) {
	for _, t := range wc.Tasks {
		if t.handle != nil && t.Status.InFlight() {
			_ = t.handle.Cancel()
		}
	}
	wc.Cause = schema.AsMaestroError(cause, schema.ErrCodeStore)
	wc.Status = schema.WorkflowStatusFailed
	wc.EndedAt = time.Now().UTC()
	wc.publish()

	ctx := context.Background()
	status := schema.WorkflowStatusFailed
	errJSON, _ := json.Marshal(wc.Cause)
	if err := e.store.UpdateWorkflow(ctx, wc.ID, store.WorkflowUpdate{
		Status:      &status,
		Error:       errJSON,
		CompletedAt: &wc.EndedAt,
	}); err != nil {
		wc.Logger.Error("mark abandoned workflow failed", slog.String("error", err.Error()))
	}
	metrics.WorkflowsFinished.WithLabelValues(string(status)).Inc()
}
