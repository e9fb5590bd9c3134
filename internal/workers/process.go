package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/isolation"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

const (
	// DefaultMaxOutputSize caps the stdout captured from a worker process.
	DefaultMaxOutputSize = 4 << 20
	stderrTail           = 2048
)

var _ engine.AgentExecutor = (*ProcessExecutor)(nil)

// ProcessConfig configures a ProcessExecutor.
type ProcessConfig struct {
	Isolator      isolation.Isolator // process-group isolator when nil
	Limits        isolation.Limits
	MaxOutputSize int64
	Env           []string // appended to the inherited environment
	Logger        *slog.Logger
}

// ProcessExecutor runs a worker's registered command once per attempt.
//
// The process reads the TaskRequest as JSON on stdin and writes its result
// to stdout, either as {"output": ..., "consumed": n} or as any other
// payload, which is taken as the output verbatim. Every line written to
// stderr counts as a heartbeat.
type ProcessExecutor struct {
	store  store.Store
	iso    isolation.Isolator
	limits isolation.Limits
	maxOut int64
	env    []string
	logger *slog.Logger
}

// NewProcessExecutor creates a ProcessExecutor resolving workers through s.
func NewProcessExecutor(s store.Store, cfg ProcessConfig) *ProcessExecutor {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewProcessIsolator(true)
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = DefaultMaxOutputSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &ProcessExecutor{
		store:  s,
		iso:    cfg.Isolator,
		limits: cfg.Limits,
		maxOut: cfg.MaxOutputSize,
		env:    cfg.Env,
		logger: cfg.Logger,
	}
}

// Execute starts the worker process and returns without waiting for it.
// The process outlives ctx; use the handle to cancel it.
func (x *ProcessExecutor) Execute(ctx context.Context, req *engine.TaskRequest, cand engine.Candidate) (engine.Handle, error) {
	w, err := x.store.GetWorker(ctx, cand.WorkerID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"resolve worker %q: %s", cand.WorkerID, err.Error()).WithTask(req.TaskID).WithCause(err)
	}
	if len(w.Command) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"worker %q has no command", w.ID).WithTask(req.TaskID)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode task request").
			WithTask(req.TaskID).WithCause(err)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &processHandle{
		workerID: w.ID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	cmd := exec.Command(w.Command[0], w.Command[1:]...)
	cmd.Env = append(os.Environ(), x.env...)
	cmd.Env = append(cmd.Env,
		"MAESTRO_WORKFLOW_ID="+req.WorkflowID,
		"MAESTRO_TASK_ID="+req.TaskID,
		"MAESTRO_WORKER_ID="+w.ID,
		"MAESTRO_ATTEMPT="+strconv.Itoa(req.Attempt),
	)
	cmd.Stdin = bytes.NewReader(payload)
	h.out = limitedWriter{w: &h.stdout, limit: x.maxOut}
	cmd.Stdout = &h.out
	cmd.Stderr = &heartbeatWriter{h: h}

	wrapped, cleanup, err := x.iso.Wrap(procCtx, cmd, x.limits)
	if err != nil {
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"isolate worker %q: %s", w.ID, err.Error()).WithTask(req.TaskID).WithCause(err)
	}
	if err := wrapped.Start(); err != nil {
		cleanup()
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"start worker %q: %s", w.ID, err.Error()).WithTask(req.TaskID).WithCause(err)
	}

	start := time.Now()
	h.beat.Store(start.UnixNano())
	x.logger.Debug("worker process started",
		slog.String("task_id", req.TaskID),
		slog.String("worker_id", w.ID),
		slog.Int("pid", wrapped.Process.Pid),
	)

	go func() {
		runErr := wrapped.Wait()
		cleanup()
		cancel()
		h.settle(x.outcome(h, req.TaskID, runErr, time.Since(start)))
		if runErr == nil {
			if err := x.store.UpdateWorkerSeen(context.Background(), w.ID); err != nil {
				x.logger.Debug("update worker last seen failed",
					slog.String("worker_id", w.ID), slog.String("error", err.Error()))
			}
		}
	}()
	return h, nil
}

// outcome maps a finished process to the handle's result and error. A
// failed process still reports whatever consumption it printed.
func (x *ProcessExecutor) outcome(h *processHandle, taskID string, runErr error, elapsed time.Duration) (*engine.TaskResult, error) {
	if h.out.truncated && !h.cancelled.Load() {
		return x.truncated(h, taskID, runErr)
	}
	res := parseResult(h.stdout.Bytes())
	if runErr == nil {
		return res, nil
	}

	switch {
	case h.cancelled.Load():
		return res, schema.NewErrorf(schema.ErrCodeCancelled,
			"worker %q cancelled", h.workerID).WithTask(taskID)
	case x.limits.Timeout > 0 && elapsed >= x.limits.Timeout:
		return res, schema.NewErrorf(schema.ErrCodeTimeout,
			"worker %q exceeded %s", h.workerID, x.limits.Timeout).WithTask(taskID)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		tail := h.tail()
		return res, schema.NewErrorf(schema.ErrCodeExecution,
			"worker %q exited with code %d: %s", h.workerID, exitErr.ExitCode(), tail).
			WithTask(taskID).
			WithDetails(map[string]any{"exit_code": exitErr.ExitCode(), "stderr": tail}).
			WithCause(runErr)
	}
	return res, schema.NewErrorf(schema.ErrCodeExecution,
		"worker %q: %s", h.workerID, runErr.Error()).WithTask(taskID).WithCause(runErr)
}

// truncated fails an attempt whose stdout went past the cap. The envelope
// cannot be trusted, but a consumed count printed before the cut is kept.
func (x *ProcessExecutor) truncated(h *processHandle, taskID string, runErr error) (*engine.TaskResult, error) {
	consumed, found := scanConsumed(h.stdout.Bytes())
	x.logger.Warn("worker output truncated",
		slog.String("task_id", taskID),
		slog.String("worker_id", h.workerID),
		slog.Int64("limit", x.maxOut),
		slog.Bool("consumed_found", found),
		slog.Int64("consumed", consumed),
	)
	err := schema.NewErrorf(schema.ErrCodeExecution,
		"worker %q wrote more than %d bytes to stdout", h.workerID, x.maxOut).
		WithTask(taskID).
		WithDetails(map[string]any{"reason": "output_truncated", "limit": x.maxOut})
	if runErr != nil {
		err = err.WithCause(runErr)
	}
	return &engine.TaskResult{Consumed: consumed}, err
}

// scanConsumed reads a top-level "consumed" number from the start of an
// envelope that may be cut short.
func scanConsumed(stdout []byte) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(stdout)))
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return 0, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return 0, false
		}
		if key, _ := tok.(string); key != "consumed" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return 0, false
			}
			continue
		}
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return 0, false
		}
		v, err := n.Int64()
		return v, err == nil
	}
	return 0, false
}

// parseResult reads the result envelope from stdout. Output that is not an
// envelope is kept as-is when it is JSON and as a JSON string otherwise.
func parseResult(stdout []byte) *engine.TaskResult {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return &engine.TaskResult{}
	}

	var env struct {
		Output   json.RawMessage `json:"output"`
		Consumed *int64          `json:"consumed"`
	}
	if err := json.Unmarshal(trimmed, &env); err == nil && (env.Output != nil || env.Consumed != nil) {
		res := &engine.TaskResult{Output: env.Output}
		if env.Consumed != nil {
			res.Consumed = *env.Consumed
		}
		return res
	}
	if json.Valid(trimmed) {
		return &engine.TaskResult{Output: json.RawMessage(bytes.Clone(trimmed))}
	}
	quoted, _ := json.Marshal(string(trimmed))
	return &engine.TaskResult{Output: quoted}
}

// --- processHandle ---

type processHandle struct {
	workerID  string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	beat      atomic.Int64

	stdout bytes.Buffer
	out    limitedWriter

	mu     sync.Mutex
	stderr []byte // last stderrTail bytes

	done chan struct{}
	res  *engine.TaskResult
	err  error
}

func (h *processHandle) settle(res *engine.TaskResult, err error) {
	h.res, h.err = res, err
	close(h.done)
}

// Wait blocks until the process exits or ctx ends.
func (h *processHandle) Wait(ctx context.Context) (*engine.TaskResult, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel kills the process. Wait returns once it has exited.
func (h *processHandle) Cancel() error {
	h.cancelled.Store(true)
	h.cancel()
	return nil
}

// Heartbeat returns the time of the last stderr line, or the start time.
func (h *processHandle) Heartbeat() time.Time {
	n := h.beat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (h *processHandle) tail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(bytes.TrimSpace(h.stderr))
}

// heartbeatWriter records a heartbeat for every stderr line and keeps the
// tail for error messages.
type heartbeatWriter struct {
	h *processHandle
}

func (w *heartbeatWriter) Write(p []byte) (int, error) {
	if bytes.IndexByte(p, '\n') >= 0 {
		w.h.beat.Store(time.Now().UnixNano())
	}
	w.h.mu.Lock()
	w.h.stderr = append(w.h.stderr, p...)
	if over := len(w.h.stderr) - stderrTail; over > 0 {
		w.h.stderr = append(w.h.stderr[:0], w.h.stderr[over:]...)
	}
	w.h.mu.Unlock()
	return len(p), nil
}

// limitedWriter discards bytes beyond limit while reporting the full
// length written, so the process never blocks on a full pipe. truncated
// is read only after the process has exited.
type limitedWriter struct {
	w         io.Writer
	limit     int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		lw.truncated = lw.truncated || total > 0
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
