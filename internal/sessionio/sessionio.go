// ABOUTME: File-backed access to gateway agent session transcripts: history
// ABOUTME: reads and soft-delete kills, with path-traversal guards.

// Package sessionio reads and retires the JSONL session files a gateway's
// agents keep under <root>/agents/<agent>/sessions. Session and agent ids
// are validated before they touch the filesystem, and a kill is a rename
// rather than a delete so transcripts stay recoverable.
package sessionio

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
)

// safeID matches ids that cannot escape the sessions directory.
var safeID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrUnsafeID reports an agent or session id that failed validation.
var ErrUnsafeID = errors.New("sessionio: unsafe id")

// deletedStampLayout shapes the suffix appended to killed session files.
const deletedStampLayout = "2006-01-02T15-04-05.000000"

// Dir is a gateway state directory, typically ~/.openclaw.
type Dir struct {
	root string
}

// NewDir creates a Dir rooted at the given path. An empty root resolves to
// .openclaw in the user's home directory.
func NewDir(root string) Dir {
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".openclaw")
		}
	}
	return Dir{root: root}
}

// Root returns the state directory path.
func (d Dir) Root() string {
	return d.root
}

// SessionFile resolves the transcript path for one agent session after
// validating both ids and confirming the result stays inside the agent's
// sessions directory.
func (d Dir) SessionFile(agentID, sessionID string) (string, error) {
	if !safeID.MatchString(agentID) {
		return "", fmt.Errorf("%w: agent %q", ErrUnsafeID, agentID)
	}
	if !safeID.MatchString(sessionID) {
		return "", fmt.Errorf("%w: session %q", ErrUnsafeID, sessionID)
	}
	base := filepath.Join(d.root, "agents", agentID, "sessions")
	path := filepath.Join(base, sessionID+".jsonl")
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(resolved, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: resolved outside sessions dir", ErrUnsafeID)
	}
	return resolved, nil
}

// ReadHistory parses a session transcript into history messages, keeping
// the most recent limit entries. A missing file is an empty history, not
// an error.
func (d Dir) ReadHistory(agentID, sessionID string, limit int) ([]connection.HistoryMessage, error) {
	raw, err := d.ReadRaw(agentID, sessionID, 0)
	if err != nil {
		return nil, err
	}
	var messages []connection.HistoryMessage
	for _, entry := range raw {
		if msg, ok := parseHistoryMessage(entry); ok {
			messages = append(messages, msg)
		}
	}
	return tail(messages, limit), nil
}

// ReadRaw returns the decoded JSONL entries of a session transcript.
// Undecodable lines are skipped.
func (d Dir) ReadRaw(agentID, sessionID string, limit int) ([]map[string]any, error) {
	path, err := d.SessionFile(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tail(entries, limit), nil
}

// Kill retires a session by renaming its transcript with a deleted suffix.
// Returns false when the transcript does not exist.
func (d Dir) Kill(agentID, sessionID string) (bool, error) {
	path, err := d.SessionFile(agentID, sessionID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	stamp := time.Now().UTC().Format(deletedStampLayout)
	if err := os.Rename(path, path+".deleted."+stamp); err != nil {
		return false, err
	}
	return true, nil
}

// parseHistoryMessage maps one transcript entry to a history message.
// Entries without a role are skipped. List content is flattened by joining
// its text blocks.
func parseHistoryMessage(raw map[string]any) (connection.HistoryMessage, bool) {
	role, _ := raw["role"].(string)
	if role == "" {
		return connection.HistoryMessage{}, false
	}

	var content string
	switch c := raw["content"].(type) {
	case string:
		content = c
	case []any:
		var parts []string
		for _, block := range c {
			switch b := block.(type) {
			case string:
				parts = append(parts, b)
			case map[string]any:
				if b["type"] == "text" {
					if text, ok := b["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		content = strings.Join(parts, "\n")
	}

	var timestamp int64
	switch ts := raw["timestamp"].(type) {
	case float64:
		timestamp = int64(ts)
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			timestamp = parsed.UnixMilli()
		}
	}
	metadata := make(map[string]any)
	for k, v := range raw {
		switch k {
		case "role", "content", "timestamp":
		default:
			metadata[k] = v
		}
	}
	return connection.HistoryMessage{
		Role:      role,
		Content:   content,
		Timestamp: timestamp,
		Metadata:  metadata,
	}, true
}

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}
