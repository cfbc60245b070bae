// Package connection defines the agent connection contract and the manager
// that owns many connections concurrently.
//
// # Overview
//
// A Connection is one configured backend endpoint: a remote OpenClaw gateway
// reached over a persistent duplex socket, or a local CLI agent runtime
// observed through its transcript files. All backends implement the same
// Connection interface, so callers can list sessions, fetch history, send
// messages, and kill sessions without knowing which backend answers.
//
// # Lifecycle
//
// Connections move through a small status machine:
//
//	disconnected -> connecting -> {connected | error}
//	connected <-> reconnecting
//	any -> error (fatal failure)
//	error/connected -> disconnected (explicit disconnect)
//
// Status writes that do not change the value are no-ops. Writes that do
// change the value synchronously invoke every registered status callback in
// registration order; a panicking callback is recovered and logged and does
// not prevent the remaining callbacks from running.
//
// # Manager
//
// The Manager is a registry of named connections built through per-type
// factories. It fans "list all sessions" out across connected backends,
// routes send/kill by session-key ownership, runs the periodic health loop,
// and relays every child connection's callbacks to manager-level
// subscribers. One broken backend never blocks the others: aggregate reads
// swallow per-connection errors, and the health sweep isolates panics.
package connection
