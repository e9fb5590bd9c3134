// Package isolation runs worker processes under enforced limits.
package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// DefaultKillGrace is how long Wait keeps draining pipes after a kill.
const DefaultKillGrace = 5 * time.Second

// Limits constrains a single worker process.
type Limits struct {
	Timeout   time.Duration `json:"timeout,omitempty"`    // zero means no limit
	KillGrace time.Duration `json:"kill_grace,omitempty"` // zero means DefaultKillGrace
}

// Isolator wraps a command so that it honors ctx cancellation and Limits.
// The caller must run the returned *exec.Cmd, not the original, and must
// call the cleanup function after the process exits.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Name() string
}

// NewIsolator returns the isolator registered under name. An empty name
// selects "group" where process groups are supported.
func NewIsolator(name string) (Isolator, error) {
	switch name {
	case "":
		if groupsSupported {
			return NewProcessIsolator(true), nil
		}
		return NewProcessIsolator(false), nil
	case "process":
		return NewProcessIsolator(false), nil
	case "group":
		if !groupsSupported {
			return nil, fmt.Errorf("isolation %q is not supported on this platform", name)
		}
		return NewProcessIsolator(true), nil
	default:
		return nil, fmt.Errorf("unknown isolation %q: must be process or group", name)
	}
}
