package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*ProcessIsolator)(nil)

// ProcessIsolator enforces a timeout and kills the process when its context
// ends. With groups enabled the process leads its own process group and
// the whole group is killed, so shell children do not outlive it.
type ProcessIsolator struct {
	groups bool
}

// NewProcessIsolator creates a ProcessIsolator.
func NewProcessIsolator(groups bool) *ProcessIsolator {
	return &ProcessIsolator{groups: groups && groupsSupported}
}

// Name reports "group" or "process".
func (p *ProcessIsolator) Name() string {
	if p.groups {
		return "group"
	}
	return "process"
}

// Wrap clones cmd onto a context-aware exec.Cmd.
func (p *ProcessIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for commands built by CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	if p.groups {
		setGroup(wrapped)
		wrapped.Cancel = func() error { return killGroup(wrapped) }
	} else {
		wrapped.Cancel = func() error {
			if wrapped.Process != nil {
				return wrapped.Process.Kill()
			}
			return nil
		}
	}
	wrapped.WaitDelay = limits.KillGrace
	if wrapped.WaitDelay <= 0 {
		wrapped.WaitDelay = DefaultKillGrace
	}

	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}
	return wrapped, cleanup, nil
}
