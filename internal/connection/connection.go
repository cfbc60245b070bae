// ABOUTME: The Connection interface every backend implements, plus the Base
// ABOUTME: embeddable that owns status transitions and callback delivery.

package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors shared across backends.
var (
	// ErrNotSupported is returned by operations a backend never implements,
	// such as sending messages to a watch-only runtime.
	ErrNotSupported = errors.New("operation not supported")
	// ErrUnknownType indicates an unrecognized backend type string.
	ErrUnknownType = errors.New("unknown connection type")
	// ErrDuplicateID indicates a connection id is already registered.
	ErrDuplicateID = errors.New("connection already exists")
	// ErrNotFound indicates the named connection is not registered.
	ErrNotFound = errors.New("connection not found")
)

// SessionCallback receives a session when a backend reports it changed.
type SessionCallback func(Session)

// StatusCallback receives the connection and its new status on every actual
// status change.
type StatusCallback func(Connection, Status)

// Connection is the capability set every backend implements.
//
// Connect and Disconnect are idempotent. Sessions and History return empty
// slices rather than nil errors for missing data; hard failures are returned
// as errors. SendMessage and KillSession return ErrNotSupported on backends
// that never implement them.
type Connection interface {
	ID() string
	Name() string
	Type() Type

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Sessions(ctx context.Context) ([]Session, error)
	History(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error)

	// Status returns the current lifecycle state.
	Status() Status
	// ErrorMessage returns the last error set via SetError, if any.
	ErrorMessage() string
	// StatusDetail returns backend-specific status fields for diagnostics.
	StatusDetail(ctx context.Context) map[string]any

	// SendMessage sends text to a session and returns the response text.
	SendMessage(ctx context.Context, sessionKey, message string, timeout time.Duration) (string, error)
	// KillSession terminates a session. False means the session was not
	// found or could not be killed; it is not an error.
	KillSession(ctx context.Context, sessionKey string) (bool, error)

	// HealthCheck is a liveness probe distinct from the connect handshake.
	HealthCheck(ctx context.Context) bool

	// OnSessionUpdate registers a session-update callback and returns an
	// unsubscribe func. Safe to call from within a callback.
	OnSessionUpdate(cb SessionCallback) (unsubscribe func())
	// OnStatusChange registers a status callback and returns an unsubscribe
	// func. Callbacks fire synchronously, in registration order.
	OnStatusChange(cb StatusCallback) (unsubscribe func())
}

// statusEntry pairs a callback with its registration id so callbacks fire in
// registration order and can be removed without func comparability.
type statusEntry struct {
	id int
	cb StatusCallback
}

type sessionEntry struct {
	id int
	cb SessionCallback
}

// Base carries the identity, status machine, and callback lists shared by
// every backend. Concrete connections embed *Base and call BindSelf so
// status callbacks receive the outer type.
type Base struct {
	id    string
	name  string
	ctype Type

	mu         sync.Mutex
	status     Status
	errMsg     string
	nextCBID   int
	statusCBs  []statusEntry
	sessionCBs []sessionEntry
	self       Connection

	logger *slog.Logger
}

// NewBase creates the shared connection state. The logger is scoped with the
// connection id.
func NewBase(id, name string, ctype Type, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		id:     id,
		name:   name,
		ctype:  ctype,
		status: StatusDisconnected,
		logger: logger.With("connection_id", id, "type", string(ctype)),
	}
}

// BindSelf records the concrete connection so callbacks receive it instead
// of the embedded Base. Must be called once, at construction.
func (b *Base) BindSelf(self Connection) { b.self = self }

func (b *Base) ID() string   { return b.id }
func (b *Base) Name() string { return b.name }
func (b *Base) Type() Type   { return b.ctype }

// Logger returns the connection-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Status returns the current lifecycle state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// ErrorMessage returns the last error message set via SetError.
func (b *Base) ErrorMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errMsg
}

// IsConnected reports whether the connection is currently connected.
func (b *Base) IsConnected() bool { return b.Status() == StatusConnected }

// SetStatus transitions the status. A write that does not change the value
// is a no-op and fires no callbacks. A write that does change it invokes
// every status callback synchronously, in registration order.
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	old := b.status
	if old == s {
		b.mu.Unlock()
		return
	}
	b.status = s
	// Copy before iterating so a callback that unsubscribes itself (or
	// subscribes another) mid-notification is safe.
	entries := make([]statusEntry, len(b.statusCBs))
	copy(entries, b.statusCBs)
	self := b.self
	b.mu.Unlock()

	b.logger.Info("connection status changed", "from", string(old), "to", string(s))
	for _, e := range entries {
		b.invokeStatus(e, self, s)
	}
}

func (b *Base) invokeStatus(e statusEntry, self Connection, s Status) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status callback panicked", "callback_id", e.id, "panic", r)
		}
	}()
	e.cb(self, s)
}

// SetError records an error message and forces status to error. This is the
// only path that sets ErrorMessage.
func (b *Base) SetError(msg string) {
	b.mu.Lock()
	b.errMsg = msg
	b.mu.Unlock()
	b.logger.Error("connection error", "error", msg)
	b.SetStatus(StatusError)
}

// ClearError resets the stored error message.
func (b *Base) ClearError() {
	b.mu.Lock()
	b.errMsg = ""
	b.mu.Unlock()
}

// OnStatusChange registers a status callback.
func (b *Base) OnStatusChange(cb StatusCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCBID++
	id := b.nextCBID
	b.statusCBs = append(b.statusCBs, statusEntry{id: id, cb: cb})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.statusCBs {
			if e.id == id {
				b.statusCBs = append(b.statusCBs[:i], b.statusCBs[i+1:]...)
				return
			}
		}
	}
}

// OnSessionUpdate registers a session-update callback.
func (b *Base) OnSessionUpdate(cb SessionCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCBID++
	id := b.nextCBID
	b.sessionCBs = append(b.sessionCBs, sessionEntry{id: id, cb: cb})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.sessionCBs {
			if e.id == id {
				b.sessionCBs = append(b.sessionCBs[:i], b.sessionCBs[i+1:]...)
				return
			}
		}
	}
}

// NotifySessionUpdate delivers a session to every session callback, in
// registration order, isolating panics per callback.
func (b *Base) NotifySessionUpdate(s Session) {
	b.mu.Lock()
	entries := make([]sessionEntry, len(b.sessionCBs))
	copy(entries, b.sessionCBs)
	b.mu.Unlock()

	for _, e := range entries {
		b.invokeSession(e, s)
	}
}

func (b *Base) invokeSession(e sessionEntry, s Session) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session callback panicked", "callback_id", e.id, "panic", r)
		}
	}()
	e.cb(s)
}

// SendMessage is the default implementation for backends that do not
// support sending messages.
func (b *Base) SendMessage(ctx context.Context, sessionKey, message string, timeout time.Duration) (string, error) {
	return "", ErrNotSupported
}

// KillSession is the default implementation for backends that do not
// support killing sessions.
func (b *Base) KillSession(ctx context.Context, sessionKey string) (bool, error) {
	return false, ErrNotSupported
}

// HealthCheck defaults to "healthy iff currently connected".
func (b *Base) HealthCheck(ctx context.Context) bool { return b.IsConnected() }

// StatusDetail reports the shared status fields. Backends with richer
// diagnostics override this.
func (b *Base) StatusDetail(ctx context.Context) map[string]any {
	return map[string]any{
		"id":     b.id,
		"name":   b.name,
		"type":   string(b.ctype),
		"status": string(b.Status()),
		"error":  b.ErrorMessage(),
	}
}
