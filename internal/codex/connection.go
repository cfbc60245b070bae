// ABOUTME: The Codex CLI connection: binary probe on connect, read-only
// ABOUTME: session discovery and history from the codex sessions dir.

// Package codex implements the connection backend for a locally installed
// Codex CLI. The CLI offers no control channel, so the backend is
// read-only: sessions and history come from watching the transcript files
// under <data dir>/sessions, and sends are not supported.
package codex

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

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/claudecode"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/transcript"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/watch"
)

const (
	keyPrefix      = "codex:"
	sessionRecency = 30 * time.Minute
	// probeTimeout bounds the --version check on connect.
	probeTimeout = 5 * time.Second
)

// Connection watches a local Codex data directory. Config keys:
//
//	data_dir  Codex data directory (default ~/.codex)
//	cli_path  codex executable (default "codex")
type Connection struct {
	*connection.Base
	dataDir string
	cliPath string

	watcher *watch.Watcher
}

// New constructs a Codex connection from a config map. It satisfies the
// manager's factory signature.
func New(id, name string, config map[string]any, logger *slog.Logger) (connection.Connection, error) {
	c := &Connection{
		Base: connection.NewBase(id, name, connection.TypeCodex, logger),
	}
	c.BindSelf(c)

	if v, _ := config["data_dir"].(string); v != "" {
		c.dataDir = v
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		c.dataDir = filepath.Join(home, ".codex")
	}
	c.cliPath = "codex"
	if v, _ := config["cli_path"].(string); v != "" {
		c.cliPath = v
	}
	return c, nil
}

// Connect probes the CLI binary and starts watching the sessions dir.
func (c *Connection) Connect(ctx context.Context) error {
	if c.Status() == connection.StatusConnected {
		return nil
	}
	c.SetStatus(connection.StatusConnecting)

	version, err := c.probeCLI(ctx)
	if err != nil {
		c.SetError(err.Error())
		return err
	}
	c.Logger().Info("codex CLI found", "version", version)

	c.watcher = watch.NewDirWatcher(filepath.Join(c.dataDir, "sessions"), watch.Callbacks{
		OnActivityChange: c.onActivityChange,
	}, c.Logger())
	c.watcher.Start()
	c.ClearError()
	c.SetStatus(connection.StatusConnected)
	return nil
}

func (c *Connection) probeCLI(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.cliPath, "--version").Output()
	if ctx.Err() != nil {
		return "", fmt.Errorf("codex CLI check timed out")
	}
	if err != nil {
		return "", fmt.Errorf("codex CLI not usable at %s: %w", c.cliPath, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Disconnect stops the watcher.
func (c *Connection) Disconnect(ctx context.Context) error {
	if c.watcher != nil {
		c.watcher.Stop()
		c.watcher = nil
	}
	c.SetStatus(connection.StatusDisconnected)
	return nil
}

// Sessions lists discovered sessions with activity inside the recency
// window.
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
	label := "codex " + snap.SessionID
	if snap.ProjectName != "" {
		label = snap.ProjectName
	}
	return connection.Session{
		Key:          keyPrefix + snap.SessionID,
		SessionID:    snap.SessionID,
		Source:       string(connection.TypeCodex),
		ConnectionID: c.ID(),
		AgentID:      "main",
		Channel:      "cli",
		Label:        label,
		Status:       string(snap.Activity),
		LastActivity: lastMs,
		Metadata: map[string]any{
			"updatedAt":   lastMs,
			"projectPath": snap.ProjectPath,
		},
	}
}

// History parses the session's transcript into messages.
func (c *Connection) History(ctx context.Context, sessionKey string, limit int) ([]connection.HistoryMessage, error) {
	if c.watcher == nil {
		return nil, nil
	}
	sessionID := strings.TrimPrefix(sessionKey, keyPrefix)
	snap, ok := c.watcher.Sessions()[sessionID]
	if !ok {
		return nil, nil
	}
	events, _, err := transcript.NewParser().ParseFile(snap.Path, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing transcript: %w", err)
	}
	messages := claudecode.HistoryFromEvents(events)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// KillSession is unsupported; there is no process to signal.
func (c *Connection) KillSession(ctx context.Context, sessionKey string) (bool, error) {
	return false, nil
}

// HealthCheck reports whether the data directory still exists.
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

func (c *Connection) onActivityChange(sessionID string, _ watch.Activity) {
	if c.watcher == nil {
		return
	}
	snap, ok := c.watcher.Sessions()[sessionID]
	if !ok {
		return
	}
	c.NotifySessionUpdate(c.sessionFromSnapshot(snap))
}
