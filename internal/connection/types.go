// ABOUTME: Core data types shared by all connection backends.
// ABOUTME: Status/Type enums plus Session and HistoryMessage records.

package connection

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Type identifies a connection backend.
type Type string

const (
	// TypeOpenClaw is the remote gateway backend.
	TypeOpenClaw Type = "openclaw"
	// TypeClaudeCode is the local Claude Code CLI backend.
	TypeClaudeCode Type = "claude_code"
	// TypeCodex is the local Codex CLI backend.
	TypeCodex Type = "codex"
)

// ParseType resolves a backend type string case-insensitively, treating
// hyphens and underscores as equivalent. Unrecognized values return
// ErrUnknownType.
func ParseType(s string) (Type, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "-", "_") {
	case "openclaw":
		return TypeOpenClaw, nil
	case "claude_code":
		return TypeClaudeCode, nil
	case "codex":
		return TypeCodex, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Session is one conversation/task thread tracked by a backend. Sessions are
// read-only to callers; they are rebuilt on every listing.
type Session struct {
	// Key is the composite session identifier (backend:agent-id:local-id).
	// Unique within one connection.
	Key          string
	SessionID    string
	Source       string
	ConnectionID string
	AgentID      string
	Channel      string
	Label        string
	Model        string
	Status       string
	CreatedAt    int64 // epoch millis, 0 when unknown
	LastActivity int64 // epoch millis, 0 when unknown
	Metadata     map[string]any
}

// Flatten serializes the session to a flat record. Metadata keys are laid
// down first so declared fields always win over same-named metadata.
func (s Session) Flatten() map[string]any {
	out := make(map[string]any, len(s.Metadata)+11)
	for k, v := range s.Metadata {
		out[k] = v
	}
	out["key"] = s.Key
	out["sessionId"] = s.SessionID
	out["source"] = s.Source
	out["connectionId"] = s.ConnectionID
	out["agentId"] = s.AgentID
	out["channel"] = s.Channel
	out["label"] = s.Label
	out["model"] = s.Model
	out["status"] = s.Status
	out["createdAt"] = s.CreatedAt
	out["lastActivity"] = s.LastActivity
	return out
}

// HistoryMessage is one message from a session transcript. Immutable once
// produced.
type HistoryMessage struct {
	Role      string // user, assistant, system, tool
	Content   string
	Timestamp int64 // epoch millis, 0 when unknown
	Metadata  map[string]any
}

// Info is a point-in-time summary of a registered connection.
type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}
