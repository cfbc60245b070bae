// ABOUTME: Tests for session discovery, tail offsets, timeout sweeps, and
// ABOUTME: stale cleanup in the directory watcher.

package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/transcript"
)

type recorder struct {
	mu         sync.Mutex
	events     map[string][]transcript.Event
	activities []string
	changed    int
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]transcript.Event)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnEvents: func(id string, evs []transcript.Event) {
			r.mu.Lock()
			r.events[id] = append(r.events[id], evs...)
			r.mu.Unlock()
		},
		OnActivityChange: func(id string, a Activity) {
			r.mu.Lock()
			r.activities = append(r.activities, id+":"+string(a))
			r.mu.Unlock()
		},
		OnSessionsChanged: func() {
			r.mu.Lock()
			r.changed++
			r.mu.Unlock()
		},
	}
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

func setupWatcher(t *testing.T) (*Watcher, *recorder, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "projects"), 0o755))
	rec := newRecorder()
	return NewWatcher(dir, rec.callbacks(), nil), rec, filepath.Join(dir, "projects")
}

func TestScan_DiscoversFlatSessions(t *testing.T) {
	w, rec, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "-home-dev-widgets")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	writeLine(t, filepath.Join(projectDir, "abc-123.jsonl"), assistantLine("hello"))

	w.Scan()

	sessions := w.Sessions()
	require.Contains(t, sessions, "abc-123")
	assert.False(t, sessions["abc-123"].IsSubagent)
	assert.Equal(t, 1, rec.changed)

	// A second scan finds nothing new.
	w.Scan()
	assert.Equal(t, 1, rec.changed)
}

func TestScan_DiscoversNestedAndSubagentSessions(t *testing.T) {
	w, _, projects := setupWatcher(t)
	uuid := "0a746dba-f57b-4979-98a9-6e684da31b74"
	sessionDir := filepath.Join(projects, "-home-dev-widgets", uuid)
	subDir := filepath.Join(sessionDir, "subagents")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	writeLine(t, filepath.Join(sessionDir, uuid+".jsonl"), assistantLine("main"))
	writeLine(t, filepath.Join(sessionDir, "extra.jsonl"), assistantLine("extra"))
	writeLine(t, filepath.Join(subDir, "agent-1.jsonl"), assistantLine("sub"))

	w.Scan()

	sessions := w.Sessions()
	require.Contains(t, sessions, uuid)
	require.Contains(t, sessions, "0a746dba-extra")
	require.Contains(t, sessions, "0a746dba-agent-1")
	assert.True(t, sessions["0a746dba-agent-1"].IsSubagent)
	assert.False(t, sessions[uuid].IsSubagent)
}

func TestWatchSession_StartsAtEndOfFile(t *testing.T) {
	w, rec, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, "s1.jsonl")
	writeLine(t, path, assistantLine("history, not replayed"))

	w.Scan()
	w.Poll()
	assert.Empty(t, rec.events["s1"])

	writeLine(t, path, assistantLine("live line"))
	w.Poll()

	require.Len(t, rec.events["s1"], 1)
	text := rec.events["s1"][0].(transcript.AssistantText)
	assert.Equal(t, "live line", text.Text)
	assert.Contains(t, rec.activities, "s1:responding")
}

func TestPoll_TruncationResetsOffset(t *testing.T) {
	w, rec, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, "s1.jsonl")
	writeLine(t, path, assistantLine("old content that will vanish"))

	w.Scan()

	// Truncate and rewrite with a shorter file.
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	writeLine(t, path, assistantLine("fresh"))
	w.Poll()

	require.Len(t, rec.events["s1"], 1)
	assert.Equal(t, "fresh", rec.events["s1"][0].(transcript.AssistantText).Text)
}

func TestPoll_NoGrowthReadsNothing(t *testing.T) {
	w, rec, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	writeLine(t, filepath.Join(projectDir, "s1.jsonl"), assistantLine("seed"))

	w.Scan()
	w.Poll()
	w.Poll()
	assert.Empty(t, rec.events["s1"])
}

func TestSweepPermissionTimeouts(t *testing.T) {
	w, rec, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, "s1.jsonl")
	writeLine(t, path, assistantLine("seed"))
	w.Scan()

	toolLine := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"rm -rf build"}}]}}`
	writeLine(t, path, toolLine)
	w.Poll()
	require.Contains(t, rec.activities, "s1:tool_use")

	// Before the timeout nothing fires; after it the session is waiting.
	w.sweepPermissionTimeouts(time.Now())
	assert.NotContains(t, rec.activities, "s1:waiting_permission")

	w.sweepPermissionTimeouts(time.Now().Add(permissionWaitTimeout + time.Second))
	assert.Contains(t, rec.activities, "s1:waiting_permission")
}

func TestSweepTextIdle(t *testing.T) {
	w, rec, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, "s1.jsonl")
	writeLine(t, path, assistantLine("seed"))
	w.Scan()

	writeLine(t, path, assistantLine("final answer"))
	w.Poll()
	require.Contains(t, rec.activities, "s1:responding")

	w.sweepTextIdle(time.Now())
	assert.NotContains(t, rec.activities, "s1:waiting_input")

	w.sweepTextIdle(time.Now().Add(textIdleTimeout + time.Second))
	assert.Contains(t, rec.activities, "s1:waiting_input")

	// The timer disarms after firing.
	before := len(rec.activities)
	w.sweepTextIdle(time.Now().Add(time.Hour))
	assert.Len(t, rec.activities, before)
}

func TestScan_RemovesStaleDeletedSessions(t *testing.T) {
	w, _, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	path := filepath.Join(projectDir, "old.jsonl")
	stamp := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	writeLine(t, path, fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":[{"type":"text","text":"bye"}]}}`, stamp))

	w.Scan()
	require.Contains(t, w.Sessions(), "old")

	// Still present while the file exists, gone once it is deleted.
	w.Scan()
	require.Contains(t, w.Sessions(), "old")
	require.NoError(t, os.Remove(path))
	w.Scan()
	assert.NotContains(t, w.Sessions(), "old")
}

func TestRecentSessions_FiltersByWindow(t *testing.T) {
	w, _, projects := setupWatcher(t)
	projectDir := filepath.Join(projects, "p")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	oldStamp := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	writeLine(t, filepath.Join(projectDir, "old.jsonl"),
		fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":[{"type":"text","text":"x"}]}}`, oldStamp))
	writeLine(t, filepath.Join(projectDir, "fresh.jsonl"), assistantLine("y"))

	w.Scan()

	recent := w.RecentSessions(30 * time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].SessionID)
}

func TestPeekLastTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")

	assert.True(t, PeekLastTimestamp(path).IsZero(), "missing file")

	writeLine(t, path, `{"type":"assistant","message":{}}`)
	assert.True(t, PeekLastTimestamp(path).IsZero(), "no timestamps")

	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	writeLine(t, path, fmt.Sprintf(`{"type":"assistant","timestamp":%q}`, want.Format(time.RFC3339)))
	writeLine(t, path, "not json at all")
	got := PeekLastTimestamp(path)
	assert.True(t, got.Equal(want), "skips trailing garbage, finds last timestamp")
}

func TestPeekLastTimestamp_HugeLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")

	want := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
	writeLine(t, path, fmt.Sprintf(`{"type":"assistant","timestamp":%q}`, want.Format(time.RFC3339)))
	// A giant timestamp-free tool result pushes the timestamped line
	// outside the first read window.
	big := make([]byte, 20*1024)
	for i := range big {
		big[i] = 'x'
	}
	writeLine(t, path, fmt.Sprintf(`{"type":"user","toolUseResult":%q}`, big))

	got := PeekLastTimestamp(path)
	assert.True(t, got.Equal(want))
}

func TestStartStop(t *testing.T) {
	w, _, _ := setupWatcher(t)
	w.Start()
	w.Stop()
	w.Stop() // idempotent
}
