// ABOUTME: Tests for session transcript access: id validation, history
// ABOUTME: parsing, and kill-by-rename.

package sessionio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDir(t *testing.T) (Dir, string) {
	t.Helper()
	root := t.TempDir()
	sessions := filepath.Join(root, "agents", "main", "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0o755))
	return NewDir(root), sessions
}

func TestSessionFile_RejectsUnsafeIDs(t *testing.T) {
	d, _ := setupDir(t)

	for _, bad := range []string{"", "../../etc/passwd", "a b", "a/b", "a.b", "sess;rm"} {
		_, err := d.SessionFile("main", bad)
		assert.ErrorIs(t, err, ErrUnsafeID, "session id %q", bad)
		_, err = d.SessionFile(bad, "sess1")
		assert.ErrorIs(t, err, ErrUnsafeID, "agent id %q", bad)
	}

	path, err := d.SessionFile("main", "sess_1-A")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join("agents", "main", "sessions", "sess_1-A.jsonl")))
}

func TestReadHistory(t *testing.T) {
	d, sessions := setupDir(t)
	lines := []string{
		`{"role":"user","content":"hello","timestamp":"2026-08-30T10:00:00Z"}`,
		`{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"text","text":"there"}],"model":"claude"}`,
		`{"no_role":"skipped"}`,
		`not json`,
		`{"role":"assistant","content":["plain string block"]}`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "sess1.jsonl"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644))

	history, err := d.ReadHistory("main", "sess1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.NotZero(t, history[0].Timestamp)

	assert.Equal(t, "hi\nthere", history[1].Content)
	assert.Equal(t, "claude", history[1].Metadata["model"])

	assert.Equal(t, "plain string block", history[2].Content)
}

func TestReadHistory_LimitKeepsMostRecent(t *testing.T) {
	d, sessions := setupDir(t)
	var sb strings.Builder
	for _, text := range []string{"one", "two", "three", "four"} {
		sb.WriteString(`{"role":"user","content":"` + text + `"}` + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "sess1.jsonl"), []byte(sb.String()), 0o644))

	history, err := d.ReadHistory("main", "sess1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "three", history[0].Content)
	assert.Equal(t, "four", history[1].Content)
}

func TestReadHistory_MissingFile(t *testing.T) {
	d, _ := setupDir(t)
	history, err := d.ReadHistory("main", "absent", 50)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestKill_RenamesTranscript(t *testing.T) {
	d, sessions := setupDir(t)
	path := filepath.Join(sessions, "sess1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"role":"user","content":"x"}`+"\n"), 0o644))

	killed, err := d.Kill("main", "sess1")
	require.NoError(t, err)
	assert.True(t, killed)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(sessions)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "sess1.jsonl.deleted."))
}

func TestKill_MissingSession(t *testing.T) {
	d, _ := setupDir(t)
	killed, err := d.Kill("main", "absent")
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestReadRaw(t *testing.T) {
	d, sessions := setupDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "sess1.jsonl"),
		[]byte(`{"role":"user","content":"a","custom":1}`+"\n"), 0o644))

	raw, err := d.ReadRaw("main", "sess1", 10)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, float64(1), raw[0]["custom"])
}
