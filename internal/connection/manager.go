// ABOUTME: Registry of named connections with health monitoring, session
// ABOUTME: aggregation, key-based routing, and callback relay.

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// sessionListTimeout bounds one backend's session listing during
	// aggregation so a slow backend cannot stall the fan-out.
	sessionListTimeout = 10 * time.Second
	// healthCheckTimeout bounds one backend's health probe.
	healthCheckTimeout = 10 * time.Second
	// healthFailureThreshold is the number of consecutive failed probes on
	// a connected backend before the manager forces a reconnect.
	healthFailureThreshold = 3
)

// Factory builds a concrete connection for one backend type.
type Factory func(id, name string, config map[string]any, logger *slog.Logger) (Connection, error)

// Record is a persisted connection configuration.
type Record struct {
	ID          string
	Name        string
	Type        Type
	Config      map[string]any
	AutoConnect bool
}

// Store persists connection configurations. The manager loads records on
// start and saves/deletes as connections are added and removed.
type Store interface {
	LoadConnections(ctx context.Context) ([]Record, error)
	SaveConnection(ctx context.Context, rec Record) error
	DeleteConnection(ctx context.Context, id string) error
}

// ManagerSessionCallback receives a session and an event type ("update")
// relayed from any child connection.
type ManagerSessionCallback func(Session, string)

// ManagerStatusCallback receives a connection id and its new status.
type ManagerStatusCallback func(string, Status)

// managed pairs a connection with the relay unsubscribers registered on it.
type managed struct {
	conn  Connection
	unsub []func()
}

// Manager owns a name->Connection registry. All mutation happens under the
// manager's lock; aggregate operations act on an immutable snapshot so no
// lock is held across backend I/O.
type Manager struct {
	mu        sync.RWMutex
	conns     map[string]*managed
	factories map[Type]Factory
	store     Store

	cbMu       sync.Mutex
	nextCBID   int
	sessionCBs []managerSessionEntry
	statusCBs  []managerStatusEntry

	healthMu     sync.Mutex
	healthCancel context.CancelFunc
	healthDone   chan struct{}
	failures     map[string]int

	logger *slog.Logger
}

type managerSessionEntry struct {
	id int
	cb ManagerSessionCallback
}

type managerStatusEntry struct {
	id int
	cb ManagerStatusCallback
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:     make(map[string]*managed),
		factories: make(map[Type]Factory),
		failures:  make(map[string]int),
		logger:    logger.With("component", "connection-manager"),
	}
}

// RegisterBackend installs the factory used to construct connections of the
// given type. Registering twice replaces the factory.
func (m *Manager) RegisterBackend(t Type, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[t] = f
}

// UseStore attaches a configuration store. Connections added or removed
// after this call are persisted.
func (m *Manager) UseStore(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = s
}

// LoadFromStore registers every persisted connection. Records whose type has
// no registered factory are skipped with a log line rather than failing the
// whole load.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return nil
	}

	records, err := store.LoadConnections(ctx)
	if err != nil {
		return fmt.Errorf("loading connections: %w", err)
	}
	for _, rec := range records {
		if _, err := m.add(ctx, rec, false); err != nil {
			m.logger.Warn("skipping persisted connection",
				"connection_id", rec.ID, "error", err)
		}
	}
	return nil
}

// Add constructs and registers a connection. Returns ErrUnknownType for
// unrecognized type strings and ErrDuplicateID if the id is taken. With
// autoConnect the connection is connected before returning; a failed connect
// still leaves the connection registered (in error state).
func (m *Manager) Add(ctx context.Context, id, typeStr string, config map[string]any, name string, autoConnect bool) (Connection, error) {
	ctype, err := ParseType(typeStr)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = id
	}
	rec := Record{ID: id, Name: name, Type: ctype, Config: config, AutoConnect: autoConnect}
	conn, err := m.add(ctx, rec, true)
	if err != nil {
		return nil, err
	}
	if autoConnect {
		if err := conn.Connect(ctx); err != nil {
			m.logger.Warn("auto-connect failed", "connection_id", id, "error", err)
		}
	}
	return conn, nil
}

func (m *Manager) add(ctx context.Context, rec Record, persist bool) (Connection, error) {
	m.mu.Lock()
	if _, exists := m.conns[rec.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	factory, ok := m.factories[rec.Type]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no factory for %s", ErrUnknownType, rec.Type)
	}
	store := m.store
	m.mu.Unlock()

	conn, err := factory(rec.ID, rec.Name, rec.Config, m.logger)
	if err != nil {
		return nil, fmt.Errorf("constructing %s connection: %w", rec.Type, err)
	}

	// Relay child callbacks to manager-level subscribers.
	entry := &managed{conn: conn}
	entry.unsub = append(entry.unsub,
		conn.OnSessionUpdate(func(s Session) { m.notifySessionUpdate(s, "update") }),
		conn.OnStatusChange(func(c Connection, s Status) { m.notifyStatusChange(c.ID(), s) }),
	)

	m.mu.Lock()
	if _, exists := m.conns[rec.ID]; exists {
		m.mu.Unlock()
		for _, u := range entry.unsub {
			u()
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	m.conns[rec.ID] = entry
	m.mu.Unlock()

	if persist && store != nil {
		if err := store.SaveConnection(ctx, rec); err != nil {
			m.logger.Error("persisting connection failed", "connection_id", rec.ID, "error", err)
		}
	}

	m.logger.Info("connection added",
		"connection_id", rec.ID, "type", string(rec.Type), "total", m.Count())
	return conn, nil
}

// Remove disconnects and drops a connection. Returns false if the id is not
// registered.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	m.mu.Lock()
	entry, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	store := m.store
	m.mu.Unlock()
	if !ok {
		return false
	}

	for _, u := range entry.unsub {
		u()
	}
	if err := entry.conn.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect during remove failed", "connection_id", id, "error", err)
	}
	if store != nil {
		if err := store.DeleteConnection(ctx, id); err != nil {
			m.logger.Error("deleting persisted connection failed", "connection_id", id, "error", err)
		}
	}
	m.logger.Info("connection removed", "connection_id", id)
	return true
}

// Get retrieves a connection by id.
func (m *Manager) Get(id string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Connections returns a snapshot of all registered connections.
func (m *Manager) Connections() map[string]Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Connection, len(m.conns))
	for id, entry := range m.conns {
		out[id] = entry.conn
	}
	return out
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// List returns summaries of all registered connections.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.conns))
	for _, entry := range m.conns {
		c := entry.conn
		out = append(out, Info{
			ID:     c.ID(),
			Name:   c.Name(),
			Type:   c.Type(),
			Status: c.Status(),
			Error:  c.ErrorMessage(),
		})
	}
	return out
}

// ConnectAll connects every registered connection concurrently and returns
// a per-id success map.
func (m *Manager) ConnectAll(ctx context.Context) map[string]bool {
	conns := m.Connections()
	results := make(map[string]bool, len(conns))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, conn := range conns {
		wg.Add(1)
		go func(id string, conn Connection) {
			defer wg.Done()
			err := conn.Connect(ctx)
			if err != nil {
				m.logger.Error("connect failed", "connection_id", id, "error", err)
			}
			mu.Lock()
			results[id] = err == nil
			mu.Unlock()
		}(id, conn)
	}
	wg.Wait()
	return results
}

// DisconnectAll disconnects every registered connection.
func (m *Manager) DisconnectAll(ctx context.Context) {
	var wg sync.WaitGroup
	for id, conn := range m.Connections() {
		wg.Add(1)
		go func(id string, conn Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("disconnect failed", "connection_id", id, "error", err)
			}
		}(id, conn)
	}
	wg.Wait()
	m.logger.Info("all connections disconnected")
}

// Reconnect disconnects then connects one connection. Returns false if the
// id is not registered or the connect fails.
func (m *Manager) Reconnect(ctx context.Context, id string) bool {
	conn, ok := m.Get(id)
	if !ok {
		return false
	}
	if err := conn.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect during reconnect failed", "connection_id", id, "error", err)
	}
	if err := conn.Connect(ctx); err != nil {
		m.logger.Error("reconnect failed", "connection_id", id, "error", err)
		return false
	}
	return true
}

// DefaultOpenClaw returns the first connected gateway-type connection,
// falling back to any registered gateway connection so callers can attempt
// a reconnect. Returns nil when none is registered.
func (m *Manager) DefaultOpenClaw() Connection {
	conns := m.Connections()
	for _, c := range conns {
		if c.Type() == TypeOpenClaw && c.Status() == StatusConnected {
			return c
		}
	}
	for _, c := range conns {
		if c.Type() == TypeOpenClaw {
			return c
		}
	}
	return nil
}

// AllSessions queries every connected backend concurrently and concatenates
// the results. Per-connection errors and timeouts are swallowed so one
// broken backend never blocks the others. Ordering is stable within one
// connection's listing but unspecified across connections.
func (m *Manager) AllSessions(ctx context.Context) []Session {
	conns := m.Connections()
	var mu sync.Mutex
	var wg sync.WaitGroup
	var all []Session

	for id, conn := range conns {
		if conn.Status() != StatusConnected {
			continue
		}
		wg.Add(1)
		go func(id string, conn Connection) {
			defer wg.Done()
			listCtx, cancel := context.WithTimeout(ctx, sessionListTimeout)
			defer cancel()
			sessions, err := conn.Sessions(listCtx)
			if err != nil {
				m.logger.Error("listing sessions failed", "connection_id", id, "error", err)
				return
			}
			mu.Lock()
			all = append(all, sessions...)
			mu.Unlock()
		}(id, conn)
	}
	wg.Wait()
	return all
}

// History fetches message history for a session. With a connectionID the
// named connection is used directly; otherwise every connected backend is
// tried until one returns messages.
func (m *Manager) History(ctx context.Context, sessionKey, connectionID string, limit int) []HistoryMessage {
	if connectionID != "" {
		conn, ok := m.Get(connectionID)
		if !ok || conn.Status() != StatusConnected {
			return nil
		}
		history, err := conn.History(ctx, sessionKey, limit)
		if err != nil {
			m.logger.Debug("history fetch failed", "connection_id", connectionID, "error", err)
			return nil
		}
		return history
	}

	for id, conn := range m.Connections() {
		if conn.Status() != StatusConnected {
			continue
		}
		history, err := conn.History(ctx, sessionKey, limit)
		if err != nil {
			m.logger.Debug("no history", "connection_id", id, "error", err)
			continue
		}
		if len(history) > 0 {
			return history
		}
	}
	return nil
}

// SendMessage routes a message to whichever connection owns the session key
// and returns the response text. The second return is false when no
// registered connection owns the key.
func (m *Manager) SendMessage(ctx context.Context, sessionKey, message, connectionID string, timeout time.Duration) (string, bool) {
	if connectionID != "" {
		conn, ok := m.Get(connectionID)
		if !ok || conn.Status() != StatusConnected {
			return "", false
		}
		reply, err := conn.SendMessage(ctx, sessionKey, message, timeout)
		if err != nil {
			m.logger.Debug("send failed", "connection_id", connectionID, "error", err)
			return "", false
		}
		return reply, true
	}

	for id, conn := range m.Connections() {
		if conn.Status() != StatusConnected {
			continue
		}
		reply, err := conn.SendMessage(ctx, sessionKey, message, timeout)
		if err != nil {
			m.logger.Debug("send not handled", "connection_id", id, "error", err)
			continue
		}
		return reply, true
	}
	return "", false
}

// KillSession terminates a session on whichever connection owns its key.
// Returns false, never an error, when no connection owns the key.
func (m *Manager) KillSession(ctx context.Context, sessionKey, connectionID string) bool {
	if connectionID != "" {
		conn, ok := m.Get(connectionID)
		if !ok || conn.Status() != StatusConnected {
			return false
		}
		killed, err := conn.KillSession(ctx, sessionKey)
		if err != nil {
			return false
		}
		return killed
	}

	for id, conn := range m.Connections() {
		if conn.Status() != StatusConnected {
			continue
		}
		killed, err := conn.KillSession(ctx, sessionKey)
		if err != nil {
			m.logger.Debug("kill not handled", "connection_id", id, "error", err)
			continue
		}
		if killed {
			return true
		}
	}
	return false
}

// OnSessionUpdate registers a manager-level session callback. It observes
// every current and future child connection via the relay installed at Add.
func (m *Manager) OnSessionUpdate(cb ManagerSessionCallback) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCBID++
	id := m.nextCBID
	m.sessionCBs = append(m.sessionCBs, managerSessionEntry{id: id, cb: cb})
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		for i, e := range m.sessionCBs {
			if e.id == id {
				m.sessionCBs = append(m.sessionCBs[:i], m.sessionCBs[i+1:]...)
				return
			}
		}
	}
}

// OnStatusChange registers a manager-level status callback.
func (m *Manager) OnStatusChange(cb ManagerStatusCallback) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCBID++
	id := m.nextCBID
	m.statusCBs = append(m.statusCBs, managerStatusEntry{id: id, cb: cb})
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		for i, e := range m.statusCBs {
			if e.id == id {
				m.statusCBs = append(m.statusCBs[:i], m.statusCBs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) notifySessionUpdate(s Session, eventType string) {
	m.cbMu.Lock()
	entries := make([]managerSessionEntry, len(m.sessionCBs))
	copy(entries, m.sessionCBs)
	m.cbMu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session callback panicked", "callback_id", e.id, "panic", r)
				}
			}()
			e.cb(s, eventType)
		}()
	}
}

func (m *Manager) notifyStatusChange(connID string, s Status) {
	m.cbMu.Lock()
	entries := make([]managerStatusEntry, len(m.statusCBs))
	copy(entries, m.statusCBs)
	m.cbMu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("status callback panicked", "callback_id", e.id, "panic", r)
				}
			}()
			e.cb(connID, s)
		}()
	}
}
