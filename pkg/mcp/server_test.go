package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/pkg/schema"
)

func TestNewMaestroServer(t *testing.T) {
	s, err := NewMaestroServer(MaestroServerDeps{Store: newMockStore()})
	require.NoError(t, err)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.events)
	assert.NotNil(t, s.validator)
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t, &mockEngine{}, newMockStore())

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{
		"maestro.run",
		"maestro.status",
		"maestro.cancel",
		"maestro.events",
		"maestro.validate",
		"maestro.workers",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName string
		required []string
	}{
		{"maestro.status", []string{"workflow_id"}},
		{"maestro.cancel", []string{"workflow_id"}},
		{"maestro.events", []string{"workflow_id"}},
		{"maestro.run", nil},
		{"maestro.validate", nil},
		{"maestro.workers", nil},
	}

	s := newTestServer(t, &mockEngine{}, newMockStore())
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}

type recordingNotifier struct {
	calls []map[string]any
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	r.calls = append(r.calls, payload)
	return nil
}

func TestDeliver_NotifiesAndForgets(t *testing.T) {
	eng := &mockEngine{}
	s := newTestServer(t, eng, newMockStore())
	rec := &recordingNotifier{}
	s.notifier = rec

	result, err := s.handleRun(context.Background(), buildRequest("maestro.run", map[string]any{
		"graph":       diamond,
		"workflow_id": "wf-9",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	s.sessions.Register("wf-9", "session-1")

	eng.done <- &engine.WorkflowResult{WorkflowID: "wf-9", Status: schema.WorkflowStatusCompleted}
	s.Wait()

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "wf-9", rec.calls[0]["workflow_id"])
	_, ok := s.sessions.SessionFor("wf-9")
	assert.False(t, ok)
}

func TestMCPNotifier_UnknownWorkflowIsNoop(t *testing.T) {
	s := newTestServer(t, &mockEngine{}, newMockStore())
	n := NewMCPNotifier(s.MCPServer(), NewSessionRegistry())
	assert.NoError(t, n.Notify(context.Background(), "wf-unknown", map[string]any{"status": "completed"}))
}
