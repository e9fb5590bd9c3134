package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/maestro/internal/metrics"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// Defaults for Config fields left zero.
const (
	DefaultSchedule  = "0 * * * *" // hourly
	DefaultRetention = 7 * 24 * time.Hour
)

// terminalKinds are the workflow events that close a log.
var terminalKinds = []string{
	schema.EventWorkflowCompleted,
	schema.EventWorkflowFailed,
	schema.EventWorkflowAborted,
}

// Config configures an Archiver.
type Config struct {
	Schedule  string        // 5-field cron expression
	Retention time.Duration // terminal workflows older than this are archived
	Vacuum    bool          // compact the database after a run that archived something
	Logger    *slog.Logger
}

// Archiver marks terminal workflows as archived once they fall outside the
// retention window. Archived workflows keep their events and stay readable;
// they are only hidden from default listings.
type Archiver struct {
	store     store.Store
	schedule  cron.Schedule
	retention time.Duration
	vacuum    bool
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs being archived (dedup)
}

// NewArchiver creates an Archiver. The schedule is parsed eagerly so a bad
// expression fails at startup.
func NewArchiver(s store.Store, cfg Config) (*Archiver, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse archive schedule %q: %s", cfg.Schedule, err.Error()).WithCause(err)
	}

	return &Archiver{
		store:     s,
		schedule:  schedule,
		retention: cfg.Retention,
		vacuum:    cfg.Vacuum,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}, nil
}

// NextRun returns the first scheduled run strictly after from.
func (a *Archiver) NextRun(from time.Time) time.Time {
	return a.schedule.Next(from)
}

// Start launches the background loop. It returns an error if the archiver
// is already running.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return fmt.Errorf("archiver already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.loop(loopCtx)
	a.logger.Info("archiver started", slog.Duration("retention", a.retention))
	return nil
}

func (a *Archiver) loop(ctx context.Context) {
	defer close(a.done)

	for {
		wait := a.NextRun(a.now()).Sub(a.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce archives every eligible workflow and returns how many were
// archived. A workflow is eligible when it is terminal, completed before
// the retention cutoff and its log carries the terminal workflow event.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.retention)
	workflows, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{CompletedBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list archivable workflows: %w", err)
	}

	archived := 0
	for _, wf := range workflows {
		if !wf.Status.Terminal() || wf.ArchivedAt != nil {
			continue
		}
		if !a.tryAcquire(wf.ID) {
			continue
		}
		ok, err := a.archive(ctx, wf)
		a.release(wf.ID)
		if err != nil {
			a.logger.Error("failed to archive workflow",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			archived++
		}
	}

	if archived > 0 {
		metrics.WorkflowsArchived.Add(float64(archived))
		a.logger.Info("archived workflows", slog.Int("count", archived))
		if a.vacuum {
			if err := a.store.Vacuum(ctx); err != nil {
				a.logger.Warn("vacuum after archive failed", slog.String("error", err.Error()))
			}
		}
	}
	return archived, nil
}

func (a *Archiver) archive(ctx context.Context, wf *store.Workflow) (bool, error) {
	closing, err := a.store.ListEvents(ctx, wf.ID, store.EventFilter{Kinds: terminalKinds, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("check terminal event: %w", err)
	}
	if len(closing) == 0 {
		a.logger.Warn("terminal workflow has no closing event, skipping",
			slog.String("workflow_id", wf.ID), slog.String("status", string(wf.Status)))
		return false, nil
	}

	now := a.now()
	if err := a.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{ArchivedAt: &now}); err != nil {
		return false, fmt.Errorf("mark archived: %w", err)
	}
	return true, nil
}

// tryAcquire returns true and marks the workflow as in-flight if no other
// run is archiving it.
func (a *Archiver) tryAcquire(id string) bool {
	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()
	if _, ok := a.inflight[id]; ok {
		return false
	}
	a.inflight[id] = struct{}{}
	return true
}

func (a *Archiver) release(id string) {
	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()
	delete(a.inflight, id)
}

// Stop shuts the loop down and waits for it to exit.
func (a *Archiver) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return nil
	}

	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil

	a.logger.Info("archiver stopped")
	return nil
}
