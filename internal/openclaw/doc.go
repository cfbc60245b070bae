// ABOUTME: Package doc for openclaw, the gateway websocket connection.

// Package openclaw implements the gateway connection: a single duplex
// websocket carrying JSON frames for request/response calls and pushed
// events.
//
// # Wire protocol
//
// Three frame shapes travel on the socket. Requests carry type "req", a
// caller-generated id, a method, and params. Responses carry type "res",
// the originating id, an ok flag, and either a payload or an error with a
// code and message. Events carry type "event", an event name, and a
// payload; they are unsolicited and fan out to subscribers.
//
// # Handshake
//
// The gateway opens with a connect.challenge event holding a nonce. The
// client answers with a connect request that proves a per-connection
// Ed25519 device identity: the device block signs the nonce together with
// the client role, scopes, and auth token. First-time devices authenticate
// with the shared gateway token and receive a device token in the connect
// response, which is persisted and preferred on later connects. When the
// gateway rejects a stored device token the token is cleared so the next
// attempt re-registers.
//
// # Resilience
//
// A dropped socket fails all in-flight calls, flips the connection to
// reconnecting, and retries with exponential backoff until the gateway
// answers again. Session events re-delivered around a reconnect are
// absorbed by a dedupe cache.
package openclaw
