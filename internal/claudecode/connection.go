// ABOUTME: The Claude Code CLI connection: session discovery via the file
// ABOUTME: watcher, transcript-backed history, and sends via spawned turns.

package claudecode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/proc"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/transcript"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/watch"
)

const (
	// keyPrefix namespaces discovered session keys.
	keyPrefix = "claude:"
	// sessionRecency filters listings to sessions with activity inside
	// this window.
	sessionRecency  = 30 * time.Minute
	defaultSendWait = 90 * time.Second
)

// Connection watches a local Claude Code data directory. Config keys:
//
//	data_dir  Claude data directory (default ~/.claude)
//	cli_path  claude executable (default resolved from PATH)
type Connection struct {
	*connection.Base
	dataDir string
	cliPath string

	watcher *watch.Watcher
	procs   *proc.Manager
	parser  *transcript.Parser
}

// New constructs a Claude Code connection from a config map. It satisfies
// the manager's factory signature.
func New(id, name string, config map[string]any, logger *slog.Logger) (connection.Connection, error) {
	c := &Connection{
		Base:   connection.NewBase(id, name, connection.TypeClaudeCode, logger),
		parser: transcript.NewParser(),
	}
	c.BindSelf(c)

	c.dataDir = stringOpt(config, "data_dir")
	if c.dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		c.dataDir = filepath.Join(home, ".claude")
	}

	c.cliPath = stringOpt(config, "cli_path")
	if c.cliPath == "" {
		if found, err := exec.LookPath("claude"); err == nil {
			c.cliPath = found
		}
	}
	c.procs = proc.NewManager(c.cliPath, c.Logger())
	return c, nil
}

// Connect verifies the data directory and starts the session watcher.
func (c *Connection) Connect(ctx context.Context) error {
	if c.Status() == connection.StatusConnected {
		return nil
	}
	c.SetStatus(connection.StatusConnecting)

	if c.cliPath == "" {
		c.Logger().Warn("claude CLI not found, watch-only mode")
	}
	if info, err := os.Stat(c.dataDir); err != nil || !info.IsDir() {
		err = fmt.Errorf("data dir not found: %s", c.dataDir)
		c.SetError(err.Error())
		return err
	}

	c.watcher = watch.NewWatcher(c.dataDir, watch.Callbacks{
		OnActivityChange:  c.onActivityChange,
		OnSessionsChanged: c.onSessionsChanged,
	}, c.Logger())
	c.watcher.Start()
	c.ClearError()
	c.SetStatus(connection.StatusConnected)
	c.Logger().Info("watching claude sessions", "data_dir", c.dataDir)
	return nil
}

// Disconnect stops the watcher and kills any in-flight send turns.
func (c *Connection) Disconnect(ctx context.Context) error {
	if c.watcher != nil {
		c.watcher.Stop()
		c.watcher = nil
	}
	c.procs.Shutdown()
	c.SetStatus(connection.StatusDisconnected)
	return nil
}

// Sessions lists discovered sessions with activity inside the recency
// window, most recent first.
func (c *Connection) Sessions(ctx context.Context) ([]connection.Session, error) {
	if c.Status() != connection.StatusConnected || c.watcher == nil {
		return nil, nil
	}

	snapshots := c.watcher.RecentSessions(sessionRecency)
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].LastEvent.After(snapshots[j].LastEvent)
	})

	sessions := make([]connection.Session, 0, len(snapshots))
	for _, snap := range snapshots {
		sessions = append(sessions, c.sessionFromSnapshot(snap))
	}
	return sessions, nil
}

func (c *Connection) sessionFromSnapshot(snap watch.Snapshot) connection.Session {
	lastMs := snap.LastEvent.UnixMilli()
	kind := "session"
	if snap.IsSubagent {
		kind = "subagent"
	}
	return connection.Session{
		Key:          keyPrefix + snap.SessionID,
		SessionID:    snap.SessionID,
		Source:       string(connection.TypeClaudeCode),
		ConnectionID: c.ID(),
		AgentID:      "main",
		Channel:      "cli",
		Label:        sessionLabel(snap),
		Status:       string(snap.Activity),
		LastActivity: lastMs,
		Metadata: map[string]any{
			"updatedAt":   lastMs,
			"kind":        kind,
			"projectPath": snap.ProjectPath,
		},
	}
}

func sessionLabel(snap watch.Snapshot) string {
	short := snap.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	if snap.ProjectName != "" {
		return fmt.Sprintf("%s (%s)", snap.ProjectName, short[:min(6, len(short))])
	}
	return "session " + short
}

// History parses the session's transcript into messages. Transcripts
// retired by a kill remain readable through their renamed file.
func (c *Connection) History(ctx context.Context, sessionKey string, limit int) ([]connection.HistoryMessage, error) {
	snap, ok := c.lookup(sessionKey)
	if !ok {
		return nil, nil
	}
	path, err := resolveTranscript(snap.Path)
	if err != nil {
		return nil, nil
	}

	events, _, err := transcript.NewParser().ParseFile(path, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing transcript: %w", err)
	}
	messages := HistoryFromEvents(events)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// resolveTranscript returns the live transcript path, or the newest
// retired variant when the live file is gone.
func resolveTranscript(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	matches, _ := filepath.Glob(path + ".deleted.*")
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// HistoryFromEvents maps parsed transcript events to history messages. It
// is shared by the CLI-backed connections.
func HistoryFromEvents(events []transcript.Event) []connection.HistoryMessage {
	messages := make([]connection.HistoryMessage, 0, len(events))
	for _, ev := range events {
		ts, _ := transcript.Timestamp(ev)
		switch e := ev.(type) {
		case transcript.AssistantText:
			msg := connection.HistoryMessage{Role: "assistant", Content: e.Text, Timestamp: ts}
			if e.Model != "" {
				msg.Metadata = map[string]any{"model": e.Model}
			}
			messages = append(messages, msg)
		case transcript.UserMessage:
			messages = append(messages, connection.HistoryMessage{
				Role: "user", Content: e.Content, Timestamp: ts,
			})
		case transcript.Thinking:
			messages = append(messages, connection.HistoryMessage{
				Role: "assistant", Timestamp: ts,
				Metadata: map[string]any{"type": "thinking", "thinking": e.Thinking},
			})
		case transcript.ToolUse:
			messages = append(messages, connection.HistoryMessage{
				Role: "assistant", Content: "[Tool: " + e.ToolName + "]", Timestamp: ts,
				Metadata: map[string]any{
					"type": "tool_use", "tool_name": e.ToolName,
					"tool_use_id": e.ToolUseID, "input_data": e.Input,
				},
			})
		case transcript.ToolResult:
			messages = append(messages, connection.HistoryMessage{
				Role: "tool", Content: e.Content, Timestamp: ts,
				Metadata: map[string]any{"type": "tool_result", "tool_use_id": e.ToolUseID},
			})
		case transcript.SubAgentProgress:
			if nested, ok := e.Nested.(transcript.AssistantText); ok {
				messages = append(messages, connection.HistoryMessage{
					Role: "assistant", Content: nested.Text, Timestamp: ts,
					Metadata: map[string]any{
						"type": "subagent", "parent_tool_use_id": e.ParentToolUseID,
					},
				})
			}
		}
	}
	return messages
}

// SendMessage resumes the session with a one-shot CLI turn and returns the
// collected assistant text.
func (c *Connection) SendMessage(ctx context.Context, sessionKey, message string, timeout time.Duration) (string, error) {
	if c.cliPath == "" {
		return "", fmt.Errorf("claude CLI not available, cannot send")
	}
	if timeout <= 0 {
		timeout = defaultSendWait
	}
	snap, ok := c.lookup(sessionKey)
	if !ok {
		return "", fmt.Errorf("unknown session key %q", sessionKey)
	}
	if snap.ProjectPath == "" {
		return "", fmt.Errorf("no project path known for session %s", snap.SessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return runTurn(ctx, c.procs, proc.SpawnOptions{
		Message:     message,
		SessionID:   snap.SessionID,
		ProjectPath: snap.ProjectPath,
	})
}

// KillSession terminates a running send turn for the session. False means
// no matching process was running.
func (c *Connection) KillSession(ctx context.Context, sessionKey string) (bool, error) {
	sessionID := strings.TrimPrefix(sessionKey, keyPrefix)
	for _, info := range c.procs.List() {
		if info.Status == proc.StatusRunning && info.EffectiveSessionID() == sessionID {
			return c.procs.Kill(info.ID), nil
		}
	}
	return false, nil
}

// HealthCheck reports whether the watched data directory still exists.
func (c *Connection) HealthCheck(ctx context.Context) bool {
	if c.Status() != connection.StatusConnected {
		return false
	}
	info, err := os.Stat(c.dataDir)
	return err == nil && info.IsDir()
}

// StatusDetail reports connection state plus per-session activity.
func (c *Connection) StatusDetail(ctx context.Context) map[string]any {
	detail := c.Base.StatusDetail(ctx)
	detail["data_dir"] = c.dataDir
	detail["cli_path"] = c.cliPath

	activity := map[string]any{}
	if c.watcher != nil {
		for sid, snap := range c.watcher.Sessions() {
			activity[sid] = string(snap.Activity)
		}
	}
	detail["sessions"] = activity
	return detail
}

func (c *Connection) lookup(sessionKey string) (watch.Snapshot, bool) {
	if c.watcher == nil {
		return watch.Snapshot{}, false
	}
	sessionID := strings.TrimPrefix(sessionKey, keyPrefix)
	snap, ok := c.watcher.Sessions()[sessionID]
	return snap, ok
}

func (c *Connection) onActivityChange(sessionID string, _ watch.Activity) {
	snap, ok := c.lookup(keyPrefix + sessionID)
	if !ok {
		return
	}
	// The snapshot already carries the new activity.
	c.NotifySessionUpdate(c.sessionFromSnapshot(snap))
}

func (c *Connection) onSessionsChanged() {
	c.Logger().Debug("session set changed", "data_dir", c.dataDir)
}

func stringOpt(config map[string]any, key string) string {
	v, _ := config[key].(string)
	return v
}
