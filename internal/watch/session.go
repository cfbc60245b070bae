// ABOUTME: Per-session tail state and the activity machine that maps
// ABOUTME: transcript events to a live agent activity.

package watch

import (
	"time"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/transcript"
)

// Activity is the derived liveness state of one agent session.
type Activity string

const (
	ActivityIdle              Activity = "idle"
	ActivityResponding        Activity = "responding"
	ActivityToolUse           Activity = "tool_use"
	ActivityWaitingPermission Activity = "waiting_permission"
	ActivityWaitingInput      Activity = "waiting_input"
)

// watchedSession tracks one transcript file being tailed. All access goes
// through the owning Watcher's lock.
type watchedSession struct {
	sessionID  string
	path       string
	isSubagent bool

	offset   int64
	parser   *transcript.Parser
	activity Activity

	// lastEvent drives internal timeouts; lastEventWall drives recency
	// filtering, seeded from the file's trailing timestamp at watch time.
	lastEvent     time.Time
	lastEventWall time.Time
	lastTextOnly  time.Time

	pendingTools map[string]struct{}
	// hasPendingTools stays set across tool results and only clears on
	// turn completion, so interleaved text does not arm the idle timeout
	// mid-turn.
	hasPendingTools bool
	activeSubagents map[string]string

	projectName string
	projectPath string
}

func newWatchedSession(sessionID, path string, isSubagent bool, lastWall time.Time) *watchedSession {
	return &watchedSession{
		sessionID:       sessionID,
		path:            path,
		isSubagent:      isSubagent,
		parser:          transcript.NewParser(),
		activity:        ActivityIdle,
		lastEvent:       lastWall,
		lastEventWall:   lastWall,
		pendingTools:    make(map[string]struct{}),
		activeSubagents: make(map[string]string),
	}
}

// apply folds a batch of parsed events into the activity machine and
// reports whether the activity changed.
func (ws *watchedSession) apply(events []transcript.Event, now time.Time) (Activity, bool) {
	old := ws.activity
	ws.lastEvent = now
	ws.lastEventWall = now
	ws.lastTextOnly = time.Time{}

	for _, ev := range events {
		switch e := ev.(type) {
		case transcript.ToolUse:
			ws.pendingTools[e.ToolUseID] = struct{}{}
			ws.hasPendingTools = true
			ws.activity = ActivityToolUse
			if e.IsTaskTool {
				desc, _ := e.Input["description"].(string)
				ws.activeSubagents[e.ToolUseID] = desc
			}
		case transcript.ToolResult:
			delete(ws.pendingTools, e.ToolUseID)
			delete(ws.activeSubagents, e.ToolUseID)
		case transcript.TurnComplete:
			clear(ws.pendingTools)
			ws.hasPendingTools = false
			ws.activity = ActivityWaitingInput
		case transcript.AssistantText:
			ws.activity = ActivityResponding
			if !ws.hasPendingTools {
				ws.lastTextOnly = now
			}
		case transcript.ProjectContext:
			if e.ProjectName != "" {
				ws.projectName = e.ProjectName
			}
			if e.Cwd != "" {
				ws.projectPath = e.Cwd
			}
		}
	}
	return ws.activity, ws.activity != old
}

// Snapshot is a read-only copy of one watched session's state.
type Snapshot struct {
	SessionID       string
	Path            string
	IsSubagent      bool
	Activity        Activity
	ProjectName     string
	ProjectPath     string
	LastEvent       time.Time
	PendingTools    int
	ActiveSubagents map[string]string
}

func (ws *watchedSession) snapshot() Snapshot {
	subs := make(map[string]string, len(ws.activeSubagents))
	for id, desc := range ws.activeSubagents {
		subs[id] = desc
	}
	return Snapshot{
		SessionID:       ws.sessionID,
		Path:            ws.path,
		IsSubagent:      ws.isSubagent,
		Activity:        ws.activity,
		ProjectName:     ws.projectName,
		ProjectPath:     ws.projectPath,
		LastEvent:       ws.lastEventWall,
		PendingTools:    len(ws.pendingTools),
		ActiveSubagents: subs,
	}
}
