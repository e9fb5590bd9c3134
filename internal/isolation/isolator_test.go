package isolation

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestWrap_PreservesFields(t *testing.T) {
	iso := NewProcessIsolator(false)
	original := exec.Command("echo", "hello")
	original.Dir = "/tmp"
	original.Env = []string{"FOO=bar"}
	var buf bytes.Buffer
	original.Stdout = &buf

	wrapped, cleanup, err := iso.Wrap(context.Background(), original, Limits{})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, original.Path, wrapped.Path)
	assert.Equal(t, original.Args, wrapped.Args)
	assert.Equal(t, "/tmp", wrapped.Dir)
	assert.Equal(t, []string{"FOO=bar"}, wrapped.Env)
	assert.Equal(t, &buf, wrapped.Stdout)
	assert.Equal(t, DefaultKillGrace, wrapped.WaitDelay)
}

func TestWrap_CancelledCtxReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewProcessIsolator(false).Wrap(ctx, exec.Command("echo", "hello"), Limits{})
	require.Error(t, err)
}

func TestWrap_CapturesOutput(t *testing.T) {
	skipWindows(t)
	for _, groups := range []bool{false, true} {
		cmd := exec.Command("echo", "hello world")
		var stdout bytes.Buffer
		cmd.Stdout = &stdout

		wrapped, cleanup, err := NewProcessIsolator(groups).Wrap(context.Background(), cmd, Limits{})
		require.NoError(t, err)
		require.NoError(t, wrapped.Run())
		cleanup()
		assert.Equal(t, "hello world\n", stdout.String())
	}
}

func TestWrap_TimeoutKillsProcess(t *testing.T) {
	skipWindows(t)
	wrapped, cleanup, err := NewProcessIsolator(false).Wrap(context.Background(),
		exec.Command("sleep", "60"), Limits{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	require.Error(t, wrapped.Run())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWrap_GroupKillReachesChildren(t *testing.T) {
	skipWindows(t)
	// The child sleep inherits stdout; without a group kill Wait would hang
	// until the grace period ends.
	cmd := exec.Command("/bin/sh", "-c", "sleep 60; echo done")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	ctx, cancel := context.WithCancel(context.Background())
	wrapped, cleanup, err := NewProcessIsolator(true).Wrap(ctx, cmd, Limits{KillGrace: 10 * time.Second})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, wrapped.Start())
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	require.Error(t, wrapped.Wait())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, stdout.String())
}

func TestCleanup_Idempotent(t *testing.T) {
	_, cleanup, err := NewProcessIsolator(false).Wrap(context.Background(),
		exec.Command("echo", "hello"), Limits{Timeout: time.Second})
	require.NoError(t, err)
	cleanup()
	cleanup()
}

func TestNewIsolator(t *testing.T) {
	iso, err := NewIsolator("process")
	require.NoError(t, err)
	assert.Equal(t, "process", iso.Name())

	iso, err = NewIsolator("")
	require.NoError(t, err)
	if groupsSupported {
		assert.Equal(t, "group", iso.Name())
	} else {
		assert.Equal(t, "process", iso.Name())
	}

	_, err = NewIsolator("cgroups")
	require.Error(t, err)
}
