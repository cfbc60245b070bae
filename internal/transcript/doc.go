// Package transcript parses append-only agent transcript files (JSON Lines)
// into typed events.
//
// # Overview
//
// Each transcript line is one JSON object describing an assistant message,
// user message, system record, progress record, or summary. ParseLine maps a
// line to zero or more events; unknown or malformed lines produce no events
// and no error, so a single corrupt line never stops a transcript read.
//
// # Incremental reads
//
// ParseFile reads from a byte offset and only consumes complete lines: the
// returned offset always lands on a newline boundary, so a partial line
// written concurrently by the agent is retried on the next poll and events
// are never duplicated across calls.
//
// # Event kinds
//
//   - AssistantText, Thinking: assistant output blocks
//   - ToolUse, ToolResult: tool invocation lifecycle
//   - TurnComplete: end of an assistant turn (system turn_duration)
//   - SubAgentProgress: one level of nested sub-agent activity
//   - UserMessage, Summary, ProjectContext
//   - BashProgress, HookProgress: shell/hook execution progress
package transcript
