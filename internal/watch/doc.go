// ABOUTME: Package doc for watch, the transcript-directory session watcher.

// Package watch observes agent transcript directories for JSONL session
// files and derives live activity state from their append-only contents.
//
// # Overview
//
// A Watcher periodically scans a projects directory for session files,
// tails each one from its current end, and feeds new lines through the
// transcript parser. Parsed events drive a small per-session activity
// machine (idle, responding, tool_use, waiting_permission, waiting_input)
// whose transitions are reported through callbacks.
//
// # Layered change detection
//
// Two mechanisms detect file growth: an fsnotify watcher for prompt
// event-driven reads, and a stat-based polling loop as the reliable
// fallback. Both funnel into the same offset-tracked read, so duplicated
// wakeups never replay lines.
//
// # Discovery
//
// Session files appear in two layouts: flat <project>/<session-id>.jsonl
// files, and nested <project>/<session-uuid>/ directories that hold the
// main transcript plus a subagents/ directory of child transcripts.
// Both are discovered on every scan; new files start tailing at their
// current size so historical lines are never replayed as live activity.
package watch
