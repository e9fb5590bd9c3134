package mcp

import "sync"

// SessionRegistry maps workflow IDs to the MCP session that started them.
// Populated by maestro.run; entries are dropped once the workflow's result
// has been delivered or the session disconnects.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workflowID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a workflow ID with a session ID.
func (r *SessionRegistry) Register(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workflowID] = sessionID
}

// SessionFor returns the session that started the workflow, if still known.
func (r *SessionRegistry) SessionFor(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[workflowID]
	return sid, ok
}

// Forget drops the mapping for one workflow.
func (r *SessionRegistry) Forget(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workflowID)
}

// Remove deletes every workflow mapping for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, wid)
		}
	}
}

// Len reports the number of tracked workflows.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
