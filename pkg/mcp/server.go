// Package mcp exposes the workflow engine as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/validation"
)

// ServerName and ServerVersion identify the MCP server to clients.
const (
	ServerName    = "maestro"
	ServerVersion = "1.0.0"
)

// MaestroServerDeps holds the dependencies for creating a MaestroServer.
type MaestroServerDeps struct {
	Engine    engine.Engine
	Store     store.Store
	Events    *store.EventLog           // defaults to store.NewEventLog(Store)
	Validator *validation.GraphValidator // created when nil
	Logger    *slog.Logger
}

// MaestroServer wraps an MCP server with workflow tool handlers.
type MaestroServer struct {
	engine    engine.Engine
	store     store.Store
	events    *store.EventLog
	validator *validation.GraphValidator
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  WorkflowNotifier
	mcpServer *server.MCPServer

	// pending tracks result waiters started by maestro.run.
	pending sync.WaitGroup
}

// NewMaestroServer creates a MaestroServer with all six tools registered.
func NewMaestroServer(deps MaestroServerDeps) (*MaestroServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	events := deps.Events
	if events == nil && deps.Store != nil {
		events = store.NewEventLog(deps.Store)
	}
	gv := deps.Validator
	if gv == nil {
		var err error
		if gv, err = validation.NewGraphValidator(); err != nil {
			return nil, err
		}
	}

	s := &MaestroServer{
		engine:    deps.Engine,
		store:     deps.Store,
		events:    events,
		validator: gv,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Maestro runs task graphs across registered workers under a shared budget. "+
			"Use maestro.validate to check a graph, maestro.run to start it, maestro.status and maestro.events "+
			"to follow it, maestro.cancel to stop it, and maestro.workers to list or register workers."),
	)
	mcpSrv.AddTools(s.tools()...)

	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *MaestroServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Wait blocks until every workflow started through maestro.run has
// delivered its result.
func (s *MaestroServer) Wait() {
	s.pending.Wait()
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MaestroServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MaestroServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: workersTool(), Handler: s.handleWorkers},
	}
}

// --- Tool definitions ---

func graphOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithObject("graph", mcp.Description("Task graph as a JSON object (tasks, budget, concurrency, adaptation)")),
		mcp.WithString("graph_yaml", mcp.Description("Task graph as a YAML document; used instead of graph when set")),
	}
}

func runTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Validate a task graph and start it; returns the workflow id without waiting"),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID to use (default: generated)")),
		mcp.WithString("name", mcp.Description("Workflow name (default: the graph name)")),
	}, graphOptions()...)
	return mcp.NewTool("maestro.run", opts...)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("maestro.status",
		mcp.WithDescription("Get workflow status, tasks and budget"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("maestro.cancel",
		mcp.WithDescription("Cancel a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
		mcp.WithString("reason", mcp.Description("Why the workflow is cancelled")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("maestro.events",
		mcp.WithDescription("Query a workflow's event log in sequence order"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithArray("kinds", mcp.Items(map[string]any{"type": "string"}), mcp.Description("Event kinds to include")),
		mcp.WithString("task_id", mcp.Description("Only events for this task")),
		mcp.WithNumber("after_seq", mcp.Description("Only events after this sequence number")),
		mcp.WithString("where", mcp.Description("jq filter over {kind, task_id, worker_id, sequence, timestamp, payload}")),
		mcp.WithNumber("limit", mcp.Description("Maximum events to return (default: 100)")),
	)
}

func validateTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Validate a task graph without running it"),
	}, graphOptions()...)
	return mcp.NewTool("maestro.validate", opts...)
}

func workersTool() mcp.Tool {
	return mcp.NewTool("maestro.workers",
		mcp.WithDescription("List registered workers or register one"),
		mcp.WithString("action",
			mcp.Enum("list", "register"),
			mcp.Description("Operation to perform (default: list)"),
		),
		mcp.WithObject("worker", mcp.Description("Worker to register: id, name, capabilities, tags, attributes, command, input_schema")),
	)
}
