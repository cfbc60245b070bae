// ABOUTME: Typed events produced by parsing agent transcript JSONL lines.
// ABOUTME: Each variant carries only the fields relevant to that event kind.

package transcript

import (
	"strings"
	"time"
)

// toolResultMaxLen caps tool result content carried on events. Full results
// can exceed 10KB; consumers only need a preview.
const toolResultMaxLen = 200

// Event is one parsed transcript event. Concrete types are the only
// implementations; consumers dispatch with a type switch.
type Event interface {
	// Kind returns a stable name for the event variant.
	Kind() string
	// Record returns the raw decoded JSON line the event came from.
	Record() map[string]any
}

// record is embedded by every event to retain the source line.
type record struct {
	Raw map[string]any
}

func (r record) Record() map[string]any { return r.Raw }

// AssistantText is a text block emitted by the assistant.
type AssistantText struct {
	record
	Text  string
	Model string
}

func (AssistantText) Kind() string { return "assistant_text" }

// Thinking is an extended-thinking block emitted by the assistant.
type Thinking struct {
	record
	Thinking string
}

func (Thinking) Kind() string { return "thinking" }

// ToolUse is a tool invocation block. IsTaskTool marks sub-agent spawns.
type ToolUse struct {
	record
	ToolName   string
	ToolUseID  string
	Input      map[string]any
	IsTaskTool bool
}

func (ToolUse) Kind() string { return "tool_use" }

// ToolResult is the outcome of a tool invocation. Content is truncated
// to toolResultMaxLen.
type ToolResult struct {
	record
	ToolUseID string
	Content   string
}

func (ToolResult) Kind() string { return "tool_result" }

// TurnComplete marks the end of an assistant turn.
type TurnComplete struct {
	record
	Duration time.Duration
}

func (TurnComplete) Kind() string { return "turn_complete" }

// SubAgentProgress wraps a single nested event produced by a sub-agent.
// Nesting depth is exactly one; deeper structures are not recursed into.
type SubAgentProgress struct {
	record
	ParentToolUseID string
	Nested          Event // nil when the nested message produced no event
}

func (SubAgentProgress) Kind() string { return "subagent_progress" }

// UserMessage is a plain user text message.
type UserMessage struct {
	record
	Content string
}

func (UserMessage) Kind() string { return "user_message" }

// ProjectContext reports the session's working directory. Emitted at most
// once per distinct cwd value.
type ProjectContext struct {
	record
	Cwd         string
	ProjectName string
}

func (ProjectContext) Kind() string { return "project_context" }

// Summary is a conversation summary line.
type Summary struct {
	record
	Summary string
}

func (Summary) Kind() string { return "summary" }

// BashProgress reports incremental output from a running shell command.
type BashProgress struct {
	record
	Command string
	Output  string
}

func (BashProgress) Kind() string { return "bash_progress" }

// HookProgress reports a hook execution in progress.
type HookProgress struct {
	record
	HookName string
}

func (HookProgress) Kind() string { return "hook_progress" }

// ProjectNameFromCwd extracts the project name from a working directory
// path: "/Users/nicky/apps/crewhub" -> "crewhub".
func ProjectNameFromCwd(cwd string) string {
	trimmed := strings.TrimRight(cwd, "/")
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// Timestamp extracts the event's timestamp (epoch milliseconds) from its raw
// record. Transcript lines store "timestamp" as either an ISO-8601 string or
// a numeric epoch in seconds or milliseconds.
func Timestamp(ev Event) (int64, bool) {
	raw := ev.Record()
	if raw == nil {
		return 0, false
	}
	switch ts := raw["timestamp"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	case float64:
		// Values below 1e12 look like seconds.
		if ts < 1e12 {
			return int64(ts * 1000), true
		}
		return int64(ts), true
	}
	return 0, false
}
