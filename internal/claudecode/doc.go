// ABOUTME: Package doc for the local Claude Code CLI backend.
// ABOUTME: Explains discovery-driven sessions and spawned send turns.

// Package claudecode implements the connection backend for a locally
// installed Claude Code CLI.
//
// Unlike the gateway backend there is no server to talk to. Sessions are
// discovered by watching the transcript files the CLI writes under
// <data dir>/projects, and their activity state is derived from the
// transcript tail. Sending a message spawns a one-shot CLI turn that
// resumes the target session; the reply is collected from the process's
// stream-json stdout.
//
// # Watch-only mode
//
// The CLI binary is only needed for sending. When it cannot be found the
// connection still comes up and serves discovery, history, and activity;
// sends fail with an explanatory error.
package claudecode
