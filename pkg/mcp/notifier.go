package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// NotificationMethod is the MCP method used for workflow notifications.
const NotificationMethod = "notifications/message"

// WorkflowNotifier tells the client that started a workflow how it ended.
type WorkflowNotifier interface {
	Notify(ctx context.Context, workflowID string, payload map[string]any) error
}

// MCPNotifier implements WorkflowNotifier over MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the originating session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the session that started the workflow.
// Best-effort: returns nil if that session is gone.
func (n *MCPNotifier) Notify(_ context.Context, workflowID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(workflowID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
