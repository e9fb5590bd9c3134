package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/validation"
	"github.com/rendis/maestro/internal/workers"
	"github.com/rendis/maestro/pkg/schema"
)

// DefaultEventLimit caps maestro.events when no limit is given.
const DefaultEventLimit = 100

// handleRun validates a graph and starts it in the serving process.
func (s *MaestroServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, format, err := graphArgument(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	def, result, err := s.validator.LoadGraph(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	if !result.Valid() {
		return mcp.NewToolResultError("invalid graph: " + issuesText(result.Errors)), nil
	}

	opts := engine.RunOptions{
		WorkflowID: req.GetString("workflow_id", ""),
		Name:       req.GetString("name", def.Name),
	}
	id, done, err := s.engine.Start(ctx, def, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", err)), nil
	}

	s.captureSession(ctx, id)
	s.pending.Add(1)
	go s.deliver(id, done)

	return marshalResult(map[string]any{
		"workflow_id": id,
		"status":      schema.WorkflowStatusRunning,
		"warnings":    result.Warnings,
	})
}

// deliver waits for a started workflow and notifies the session that ran it.
func (s *MaestroServer) deliver(workflowID string, done <-chan *engine.WorkflowResult) {
	defer s.pending.Done()
	defer s.sessions.Forget(workflowID)

	res, ok := <-done
	if !ok || res == nil {
		return
	}

	payload := map[string]any{
		"workflow_id":     res.WorkflowID,
		"status":          res.Status,
		"budget_consumed": res.BudgetConsumed,
		"budget_total":    res.BudgetTotal,
	}
	if res.Cause != nil {
		payload["cause"] = res.Cause
	}
	if err := s.notifier.Notify(context.Background(), workflowID, payload); err != nil {
		s.logger.Warn("workflow notification failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
	}
}

// handleStatus returns the live or replayed state of a workflow.
func (s *MaestroServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	status, err := s.engine.GetStatus(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(status)
}

// handleCancel asks a running workflow to stop.
func (s *MaestroServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via MCP")

	if err := s.engine.Cancel(ctx, workflowID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"status":      schema.WorkflowStatusCancelling,
	})
}

// handleEvents pages through a workflow's event log.
func (s *MaestroServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	args := req.GetArguments()
	q := store.EventQuery{
		Kinds:    extractStrings(args, "kinds"),
		TaskID:   req.GetString("task_id", ""),
		AfterSeq: int64(extractInt(args, "after_seq", 0)),
		Where:    req.GetString("where", ""),
		Limit:    extractInt(args, "limit", DefaultEventLimit),
	}

	events := make([]*store.Event, 0)
	for e, err := range s.events.Query(ctx, workflowID, q) {
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		events = append(events, e)
	}
	return marshalResult(map[string]any{"events": events})
}

// handleValidate checks a graph and reports every issue found.
func (s *MaestroServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, format, err := graphArgument(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	_, result, err := s.validator.LoadGraph(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleWorkers lists or registers workers.
func (s *MaestroServer) handleWorkers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch action := req.GetString("action", "list"); action {
	case "list":
		list, err := s.store.ListWorkers(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list workers failed: %v", err)), nil
		}
		if list == nil {
			list = []*store.Worker{}
		}
		return marshalResult(map[string]any{"workers": list})

	case "register":
		raw := mcp.ParseStringMap(req, "worker", nil)
		if raw == nil {
			return mcp.NewToolResultError("worker is required for register"), nil
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid worker: %v", err)), nil
		}
		var w store.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid worker: %v", err)), nil
		}
		registered, err := workers.Register(ctx, s.store, &w)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("register worker failed: %v", err)), nil
		}
		return marshalResult(registered)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q: must be list or register", action)), nil
	}
}

// --- Internal helpers ---

// graphArgument returns the graph document from either the graph object or
// the graph_yaml string.
func graphArgument(req mcp.CallToolRequest) ([]byte, validation.Format, error) {
	if doc := req.GetString("graph_yaml", ""); doc != "" {
		return []byte(doc), validation.FormatYAML, nil
	}
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return nil, "", fmt.Errorf("graph or graph_yaml is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid graph: %w", err)
	}
	return data, validation.FormatJSON, nil
}

// issuesText renders validation issues as "path: message" pairs.
func issuesText(issues []schema.ValidationIssue) string {
	parts := make([]string, len(issues))
	for i, is := range issues {
		parts[i] = is.Path + ": " + is.Message
	}
	return strings.Join(parts, "; ")
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractStrings reads a string array argument, ignoring non-string items.
func extractStrings(args map[string]any, key string) []string {
	items, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok && str != "" {
			out = append(out, str)
		}
	}
	return out
}

// captureSession remembers which session started the workflow.
func (s *MaestroServer) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workflowID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
