// ABOUTME: Package doc for proc, the agent CLI subprocess runtime.

// Package proc spawns and supervises agent CLI subprocesses that emit
// stream-json output.
//
// # Overview
//
// A Manager launches one-shot task processes (prompt in, stream out, exit)
// and persistent interactive processes whose stdin stays open for
// stream-json user frames. Each process is tracked by a generated id
// through the pending, running, completed, error, and killed states;
// terminal processes linger for a grace period so late status queries
// still resolve, then drop out of tracking.
//
// # Environment hygiene
//
// Subprocesses never inherit the full parent environment. Only a fixed
// whitelist of locale, path, and provider credential variables plus the
// agent's own CLAUDE_-prefixed variables pass through.
package proc
