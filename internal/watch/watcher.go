// ABOUTME: Directory scanner and file tailer that discovers JSONL session
// ABOUTME: transcripts and reports parsed events and activity transitions.

package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/transcript"
)

const (
	sessionScanInterval   = time.Second
	filePollInterval      = time.Second
	permissionSweep       = 2 * time.Second
	textIdleSweep         = time.Second
	permissionWaitTimeout = 7 * time.Second
	textIdleTimeout       = 5 * time.Second
	// staleAfter is how long a session with a deleted transcript file is
	// kept before it is dropped from the watch set.
	staleAfter = 24 * time.Hour
)

// Callbacks are invoked synchronously from the watcher's goroutine.
type Callbacks struct {
	// OnEvents receives every batch of newly parsed transcript events.
	OnEvents func(sessionID string, events []transcript.Event)
	// OnActivityChange fires only when a session's activity actually
	// transitions, never for repeated identical states.
	OnActivityChange func(sessionID string, activity Activity)
	// OnSessionsChanged fires when a scan discovers at least one new
	// session file.
	OnSessionsChanged func()
}

// Watcher tails session transcript files under <dir>/projects.
type Watcher struct {
	projectsDir string
	callbacks   Callbacks
	logger      *slog.Logger

	mu         sync.Mutex
	watched    map[string]*watchedSession
	knownFiles map[string]struct{}

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over claudeDir (the directory that contains
// the projects/ tree). Callbacks may be partially nil.
func NewWatcher(claudeDir string, callbacks Callbacks, logger *slog.Logger) *Watcher {
	return NewDirWatcher(filepath.Join(claudeDir, "projects"), callbacks, logger)
}

// NewDirWatcher creates a watcher whose session tree is rooted directly at
// sessionsDir. Used by backends that keep transcripts outside a projects/
// subdirectory.
func NewDirWatcher(sessionsDir string, callbacks Callbacks, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		projectsDir: sessionsDir,
		callbacks:   callbacks,
		logger:      logger.With("component", "session-watcher"),
		watched:     make(map[string]*watchedSession),
		knownFiles:  make(map[string]struct{}),
	}
}

// Start launches the scan, poll, and timeout loops. The fsnotify layer is
// best-effort: failure to establish it degrades to polling only.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.startFSWatcher()
	go w.run(ctx)
	w.logger.Info("session watcher started", "projects_dir", w.projectsDir)
}

// Stop halts all loops and the fsnotify watcher.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	if w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}
	w.logger.Info("session watcher stopped")
}

func (w *Watcher) startFSWatcher() {
	if _, err := os.Stat(w.projectsDir); err != nil {
		return
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		return
	}
	if err := fsw.Add(w.projectsDir); err != nil {
		w.logger.Warn("watching projects dir failed, polling only", "error", err)
		fsw.Close()
		return
	}
	// fsnotify is not recursive: project and session directories are added
	// as scans discover them.
	w.fsw = fsw
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	scanT := time.NewTicker(sessionScanInterval)
	pollT := time.NewTicker(filePollInterval)
	permT := time.NewTicker(permissionSweep)
	idleT := time.NewTicker(textIdleSweep)
	defer scanT.Stop()
	defer pollT.Stop()
	defer permT.Stop()
	defer idleT.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanT.C:
			w.Scan()
		case <-pollT.C:
			w.Poll()
		case <-permT.C:
			w.sweepPermissionTimeouts(time.Now())
		case <-idleT.C:
			w.sweepTextIdle(time.Now())
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Has(fsnotify.Write) && strings.HasSuffix(ev.Name, ".jsonl") {
				w.checkFile(ev.Name)
			}
		case _, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
			}
			// fs watch errors are non-fatal; polling still covers us
		}
	}
}

// Scan discovers new session files, starts tailing them, and drops stale
// sessions whose files have been deleted for more than a day.
func (w *Watcher) Scan() {
	foundNew := false
	for _, projectDir := range w.discoverProjectDirs() {
		w.addFSPath(projectDir)
		for _, found := range w.discoverSessions(projectDir) {
			w.mu.Lock()
			_, known := w.knownFiles[found.path]
			if !known {
				w.knownFiles[found.path] = struct{}{}
			}
			w.mu.Unlock()
			if !known {
				w.WatchSession(found.sessionID, found.path, found.isSubagent)
				foundNew = true
			}
		}
	}
	if foundNew && w.callbacks.OnSessionsChanged != nil {
		w.callbacks.OnSessionsChanged()
	}

	now := time.Now()
	w.mu.Lock()
	var stale []string
	for id, ws := range w.watched {
		if ws.lastEventWall.IsZero() || now.Sub(ws.lastEventWall) <= staleAfter {
			continue
		}
		if _, err := os.Stat(ws.path); os.IsNotExist(err) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(w.watched, id)
	}
	w.mu.Unlock()
	for _, id := range stale {
		w.logger.Info("removed stale session", "session_id", id)
	}
}

// Poll reads any growth on every watched file.
func (w *Watcher) Poll() {
	w.mu.Lock()
	sessions := make([]*watchedSession, 0, len(w.watched))
	for _, ws := range w.watched {
		sessions = append(sessions, ws)
	}
	w.mu.Unlock()
	for _, ws := range sessions {
		w.readNewLines(ws)
	}
}

// WatchSession starts tailing a transcript file. The tail begins at the
// file's current size, and its recency clock is seeded from the trailing
// timestamp so old files expire correctly. Watching the same session twice
// is a no-op.
func (w *Watcher) WatchSession(sessionID, path string, isSubagent bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.watched[sessionID]; exists {
		return
	}
	ws := newWatchedSession(sessionID, path, isSubagent, PeekLastTimestamp(path))
	if info, err := os.Stat(path); err == nil {
		ws.offset = info.Size()
	}
	w.watched[sessionID] = ws
}

// UnwatchSession stops tailing a session.
func (w *Watcher) UnwatchSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, sessionID)
}

// Sessions returns a snapshot of every watched session.
func (w *Watcher) Sessions() map[string]Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Snapshot, len(w.watched))
	for id, ws := range w.watched {
		out[id] = ws.snapshot()
	}
	return out
}

// RecentSessions returns snapshots whose last event falls within the given
// window, for active-session listings.
func (w *Watcher) RecentSessions(window time.Duration) []Snapshot {
	cutoff := time.Now().Add(-window)
	var out []Snapshot
	for _, snap := range w.Sessions() {
		if snap.LastEvent.After(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

type foundSession struct {
	sessionID  string
	path       string
	isSubagent bool
}

func (w *Watcher) discoverProjectDirs() []string {
	entries, err := os.ReadDir(w.projectsDir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(w.projectsDir, e.Name()))
		}
	}
	return dirs
}

// discoverSessions finds transcript files in both layouts: flat
// <project>/<session-id>.jsonl files and nested <project>/<uuid>/
// directories with optional subagents/ children.
func (w *Watcher) discoverSessions(projectDir string) []foundSession {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return nil
	}
	var found []foundSession
	for _, e := range entries {
		name := e.Name()
		switch {
		case !e.IsDir() && strings.HasSuffix(name, ".jsonl"):
			found = append(found, foundSession{
				sessionID: strings.TrimSuffix(name, ".jsonl"),
				path:      filepath.Join(projectDir, name),
			})
		case e.IsDir():
			found = append(found, w.discoverSessionDir(filepath.Join(projectDir, name), name)...)
		}
	}
	return found
}

func (w *Watcher) discoverSessionDir(sessionDir, sessionUUID string) []foundSession {
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return nil
	}
	w.addFSPath(sessionDir)
	var found []foundSession
	for _, e := range entries {
		name := e.Name()
		switch {
		case !e.IsDir() && strings.HasSuffix(name, ".jsonl"):
			stem := strings.TrimSuffix(name, ".jsonl")
			id := sessionUUID
			if stem != sessionUUID {
				id = shortUUID(sessionUUID) + "-" + stem
			}
			found = append(found, foundSession{sessionID: id, path: filepath.Join(sessionDir, name)})
		case e.IsDir() && name == "subagents":
			subDir := filepath.Join(sessionDir, name)
			w.addFSPath(subDir)
			subEntries, err := os.ReadDir(subDir)
			if err != nil {
				continue
			}
			for _, se := range subEntries {
				if se.IsDir() || !strings.HasSuffix(se.Name(), ".jsonl") {
					continue
				}
				stem := strings.TrimSuffix(se.Name(), ".jsonl")
				found = append(found, foundSession{
					sessionID:  shortUUID(sessionUUID) + "-" + stem,
					path:       filepath.Join(subDir, se.Name()),
					isSubagent: true,
				})
			}
		}
	}
	return found
}

func shortUUID(u string) string {
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

func (w *Watcher) addFSPath(path string) {
	if w.fsw != nil {
		_ = w.fsw.Add(path)
	}
}

// checkFile handles an fsnotify write for one path.
func (w *Watcher) checkFile(path string) {
	w.mu.Lock()
	var target *watchedSession
	for _, ws := range w.watched {
		if ws.path == path {
			target = ws
			break
		}
	}
	w.mu.Unlock()
	if target != nil {
		w.readNewLines(target)
	}
}

func (w *Watcher) readNewLines(ws *watchedSession) {
	info, err := os.Stat(ws.path)
	if err != nil {
		return
	}
	size := info.Size()

	w.mu.Lock()
	if size < ws.offset {
		w.logger.Warn("transcript truncated, resetting tail",
			"session_id", ws.sessionID, "size", size, "offset", ws.offset)
		ws.offset = 0
	}
	if size <= ws.offset {
		w.mu.Unlock()
		return
	}
	events, newOffset, err := ws.parser.ParseFile(ws.path, ws.offset)
	if err != nil {
		w.mu.Unlock()
		w.logger.Warn("reading transcript failed", "session_id", ws.sessionID, "error", err)
		return
	}
	ws.offset = newOffset
	var activity Activity
	var changed bool
	if len(events) > 0 {
		activity, changed = ws.apply(events, time.Now())
	}
	w.mu.Unlock()

	if len(events) == 0 {
		return
	}
	if changed && w.callbacks.OnActivityChange != nil {
		w.callbacks.OnActivityChange(ws.sessionID, activity)
	}
	if w.callbacks.OnEvents != nil {
		w.callbacks.OnEvents(ws.sessionID, events)
	}
}

// sweepPermissionTimeouts flips tool_use sessions with pending tools into
// waiting_permission once no event has arrived for the permission window.
// Approvals prompt the user, so the transcript goes quiet.
func (w *Watcher) sweepPermissionTimeouts(now time.Time) {
	w.mu.Lock()
	var fired []string
	for _, ws := range w.watched {
		if len(ws.pendingTools) > 0 &&
			ws.activity == ActivityToolUse &&
			now.Sub(ws.lastEvent) > permissionWaitTimeout {
			ws.activity = ActivityWaitingPermission
			fired = append(fired, ws.sessionID)
		}
	}
	w.mu.Unlock()
	if w.callbacks.OnActivityChange != nil {
		for _, id := range fired {
			w.callbacks.OnActivityChange(id, ActivityWaitingPermission)
		}
	}
}

// sweepTextIdle flips responding sessions with no pending tools into
// waiting_input after the text stream has been quiet long enough.
func (w *Watcher) sweepTextIdle(now time.Time) {
	w.mu.Lock()
	var fired []string
	for _, ws := range w.watched {
		if ws.activity == ActivityResponding &&
			len(ws.pendingTools) == 0 &&
			!ws.lastTextOnly.IsZero() &&
			now.Sub(ws.lastTextOnly) > textIdleTimeout {
			ws.activity = ActivityWaitingInput
			ws.lastTextOnly = time.Time{}
			fired = append(fired, ws.sessionID)
		}
	}
	w.mu.Unlock()
	if w.callbacks.OnActivityChange != nil {
		for _, id := range fired {
			w.callbacks.OnActivityChange(id, ActivityWaitingInput)
		}
	}
}

// PeekLastTimestamp reads the tail of a JSONL file and returns the most
// recent event timestamp, or the zero time if none is readable. Lines can
// be very large, so progressively bigger windows are tried before falling
// back to the whole file.
func PeekLastTimestamp(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return time.Time{}
	}
	size := info.Size()

	for _, window := range []int64{16 * 1024, 64 * 1024, size} {
		if window > size {
			window = size
		}
		data, err := readTail(path, size, window)
		if err != nil {
			return time.Time{}
		}
		lines := bytes.Split(data, []byte{'\n'})
		for i := len(lines) - 1; i >= 0; i-- {
			line := bytes.TrimSpace(lines[i])
			if len(line) == 0 {
				continue
			}
			var record struct {
				Timestamp string `json:"timestamp"`
			}
			if err := json.Unmarshal(line, &record); err != nil || record.Timestamp == "" {
				continue
			}
			if ts, err := time.Parse(time.RFC3339, record.Timestamp); err == nil {
				return ts
			}
		}
		if window >= size {
			break
		}
	}
	return time.Time{}
}

func readTail(path string, size, window int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, window)
	if _, err := f.ReadAt(buf, size-window); err != nil {
		return nil, err
	}
	return buf, nil
}
