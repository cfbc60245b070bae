// ABOUTME: Tests for the Claude Code connection using a temp data dir and
// ABOUTME: a shell script standing in for the CLI binary.

package claudecode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/proc"
)

func writeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func writeLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":[{"type":"text","text":%q}]}}`,
		time.Now().UTC().Format(time.RFC3339), text)
}

// newTestConnection builds a connected backend over a temp data dir with
// one discovered session.
func newTestConnection(t *testing.T, cliScript string) (*Connection, string) {
	t.Helper()
	dataDir := t.TempDir()
	projectDir := filepath.Join(dataDir, "projects", "-home-dev-widgets")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	transcriptPath := filepath.Join(projectDir, "sess-abc-123.jsonl")
	writeLine(t, transcriptPath, assistantLine("earlier reply"))

	config := map[string]any{"data_dir": dataDir}
	if cliScript != "" {
		config["cli_path"] = writeCLI(t, cliScript)
	} else {
		config["cli_path"] = filepath.Join(t.TempDir(), "missing")
	}
	conn, err := New("cc1", "local-claude", config, slog.Default())
	require.NoError(t, err)
	c := conn.(*Connection)
	t.Cleanup(func() { c.Disconnect(context.Background()) })

	require.NoError(t, c.Connect(context.Background()))
	c.watcher.Scan()
	return c, transcriptPath
}

func TestConnect_MissingDataDir(t *testing.T) {
	conn, err := New("cc1", "local-claude", map[string]any{
		"data_dir": filepath.Join(t.TempDir(), "nope"),
		"cli_path": "/bin/true",
	}, slog.Default())
	require.NoError(t, err)

	err = conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, connection.StatusError, conn.Status())
}

func TestSessions_RecentDiscovered(t *testing.T) {
	c, _ := newTestConnection(t, "")

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	s := sessions[0]
	assert.Equal(t, "claude:sess-abc-123", s.Key)
	assert.Equal(t, "sess-abc-123", s.SessionID)
	assert.Equal(t, "claude_code", s.Source)
	assert.Equal(t, "cc1", s.ConnectionID)
	assert.Equal(t, "cli", s.Channel)
	assert.Equal(t, "session", s.Metadata["kind"])
	assert.NotZero(t, s.LastActivity)
}

func TestSessions_ExcludesStaleActivity(t *testing.T) {
	c, _ := newTestConnection(t, "")

	projectDir := filepath.Join(c.dataDir, "projects", "-home-dev-widgets")
	old := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	writeLine(t, filepath.Join(projectDir, "old-session.jsonl"),
		fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":[{"type":"text","text":"old"}]}}`, old))
	c.watcher.Scan()

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	keys := make([]string, len(sessions))
	for i, s := range sessions {
		keys[i] = s.Key
	}
	assert.Contains(t, keys, "claude:sess-abc-123")
	assert.NotContains(t, keys, "claude:old-session", "sessions idle beyond the window are hidden")
}

func TestHistory_ParsesTranscript(t *testing.T) {
	c, transcriptPath := newTestConnection(t, "")
	writeLine(t, transcriptPath, `{"type":"user","message":{"role":"user","content":"run the tests"}}`)
	writeLine(t, transcriptPath,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"go test"}}]}}`)

	history, err := c.History(context.Background(), "claude:sess-abc-123", 50)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "assistant", history[0].Role)
	assert.Equal(t, "earlier reply", history[0].Content)
	assert.Equal(t, "user", history[1].Role)
	assert.Equal(t, "run the tests", history[1].Content)
	assert.Equal(t, "[Tool: Bash]", history[2].Content)
	assert.Equal(t, "tool_use", history[2].Metadata["type"])

	limited, err := c.History(context.Background(), "claude:sess-abc-123", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "[Tool: Bash]", limited[0].Content)
}

func TestHistory_ReadsRetiredTranscript(t *testing.T) {
	c, transcriptPath := newTestConnection(t, "")
	require.NoError(t, os.Rename(transcriptPath, transcriptPath+".deleted.2026-08-30T10-00-00.000000"))

	history, err := c.History(context.Background(), "claude:sess-abc-123", 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "earlier reply", history[0].Content)
}

func TestHistory_UnknownSession(t *testing.T) {
	c, _ := newTestConnection(t, "")
	history, err := c.History(context.Background(), "claude:nope", 50)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendMessage_CollectsReply(t *testing.T) {
	script := `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "}]}}'
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}'
echo '{"type":"result","session_id":"sess-abc-123"}'`
	c, transcriptPath := newTestConnection(t, script)

	// The session needs a known project path; it arrives via cwd context.
	projectPath := t.TempDir()
	writeLine(t, transcriptPath,
		fmt.Sprintf(`{"type":"user","cwd":%q,"message":{"role":"user","content":"hi"}}`, projectPath))
	c.watcher.Poll()
	require.Eventually(t, func() bool {
		snap, ok := c.lookup("claude:sess-abc-123")
		return ok && snap.ProjectPath == projectPath
	}, 2*time.Second, 20*time.Millisecond)

	reply, err := c.SendMessage(context.Background(), "claude:sess-abc-123", "hi", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)
}

func TestRunTurn_FastExitKeepsAllOutput(t *testing.T) {
	// The CLI writes everything and exits before the first poll tick; the
	// reply must still contain every chunk.
	script := `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first "}]}}'
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":"second"}}'`
	pm := proc.NewManager(writeCLI(t, script), nil)

	reply, err := runTurn(context.Background(), pm, proc.SpawnOptions{Message: "go"})
	require.NoError(t, err)
	assert.Equal(t, "first second", reply)
}

func TestSendMessage_NoCLI(t *testing.T) {
	c, _ := newTestConnection(t, "")
	c.cliPath = ""
	_, err := c.SendMessage(context.Background(), "claude:sess-abc-123", "hi", time.Second)
	assert.ErrorContains(t, err, "not available")
}

func TestSendMessage_NoProjectPath(t *testing.T) {
	c, _ := newTestConnection(t, "true")
	_, err := c.SendMessage(context.Background(), "claude:sess-abc-123", "hi", time.Second)
	assert.ErrorContains(t, err, "project path")
}

func TestKillSession_RunningTurn(t *testing.T) {
	c, _ := newTestConnection(t, "sleep 60")

	id, err := c.procs.Spawn(context.Background(), proc.SpawnOptions{
		Message:   "long running",
		SessionID: "sess-abc-123",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, ok := c.procs.Get(id)
		return ok && info.Status == proc.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	killed, err := c.KillSession(context.Background(), "claude:sess-abc-123")
	require.NoError(t, err)
	assert.True(t, killed)

	// Nothing left running for the session.
	killed, err = c.KillSession(context.Background(), "claude:sess-abc-123")
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestHealthCheckAndStatusDetail(t *testing.T) {
	c, _ := newTestConnection(t, "")
	assert.True(t, c.HealthCheck(context.Background()))

	detail := c.StatusDetail(context.Background())
	assert.Equal(t, "cc1", detail["id"])
	assert.Equal(t, c.dataDir, detail["data_dir"])
	sessions := detail["sessions"].(map[string]any)
	assert.Contains(t, sessions, "sess-abc-123")

	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestActivityRelay(t *testing.T) {
	c, transcriptPath := newTestConnection(t, "")

	var mu sync.Mutex
	var got []connection.Session
	c.OnSessionUpdate(func(s connection.Session) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	writeLine(t, transcriptPath,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu-9","name":"Bash","input":{}}]}}`)
	c.watcher.Poll()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "claude:sess-abc-123", got[0].Key)
	assert.Equal(t, "tool_use", got[0].Status)
}

func TestParseOutputLine(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseOutputLine(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"},{"type":"tool_use","name":"Bash"}]}}`))
	assert.Equal(t, []string{"plain"}, parseOutputLine(
		`{"type":"assistant","message":{"content":"plain"}}`))
	assert.Equal(t, []string{"chunk"}, parseOutputLine(
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"chunk"}}`))
	assert.Equal(t, []string{"[Error: boom]"}, parseOutputLine(
		`{"type":"error","error":{"message":"boom"}}`))
	assert.Equal(t, []string{"[Error: exploded]"}, parseOutputLine(
		`{"type":"result","is_error":true,"error":"exploded"}`))
	assert.Nil(t, parseOutputLine(`{"type":"result","session_id":"s-1"}`))
	assert.Nil(t, parseOutputLine(`not json`))
}
