// ABOUTME: Tests for the connection manager: registry rules, aggregate
// ABOUTME: operations, routing, callback relay, and health monitoring.

package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, map[string]*fakeConn) {
	t.Helper()
	fakes := make(map[string]*fakeConn)
	m := NewManager(slog.Default())
	m.RegisterBackend(TypeOpenClaw, func(id, name string, config map[string]any, logger *slog.Logger) (Connection, error) {
		f := newFakeConn(id, name)
		fakes[id] = f
		return f, nil
	})
	return m, fakes
}

func mustAdd(t *testing.T, m *Manager, id string) Connection {
	t.Helper()
	conn, err := m.Add(context.Background(), id, "openclaw", nil, "", false)
	require.NoError(t, err)
	return conn
}

func TestManagerAdd_DuplicateID(t *testing.T) {
	m, _ := newTestManager(t)
	mustAdd(t, m, "gw")

	_, err := m.Add(context.Background(), "gw", "openclaw", nil, "", false)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, m.Count())
}

func TestManagerAdd_UnknownType(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Add(context.Background(), "x", "teleporter", nil, "", false)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestManagerAdd_NoFactoryRegistered(t *testing.T) {
	m := NewManager(slog.Default())

	_, err := m.Add(context.Background(), "x", "codex", nil, "", false)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestManagerAdd_AutoConnect(t *testing.T) {
	m, fakes := newTestManager(t)

	conn, err := m.Add(context.Background(), "gw", "openclaw", nil, "Gateway", true)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Equal(t, "Gateway", fakes["gw"].Name())
}

func TestManagerAdd_AutoConnectFailureStillRegisters(t *testing.T) {
	m, fakes := newTestManager(t)
	m.RegisterBackend(TypeOpenClaw, func(id, name string, config map[string]any, logger *slog.Logger) (Connection, error) {
		f := newFakeConn(id, name)
		f.connectErr = errors.New("dial tcp: refused")
		fakes[id] = f
		return f, nil
	})

	conn, err := m.Add(context.Background(), "gw", "openclaw", nil, "", true)
	require.NoError(t, err)
	assert.Equal(t, StatusError, conn.Status())
	_, ok := m.Get("gw")
	assert.True(t, ok)
}

func TestManagerRemove(t *testing.T) {
	m, fakes := newTestManager(t)
	conn := mustAdd(t, m, "gw")
	require.NoError(t, conn.Connect(context.Background()))

	assert.True(t, m.Remove(context.Background(), "gw"))
	assert.Equal(t, StatusDisconnected, fakes["gw"].Status())
	assert.False(t, m.Remove(context.Background(), "gw"))
	assert.Equal(t, 0, m.Count())
}

func TestManagerConnectAll_ResultMap(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "good")
	mustAdd(t, m, "bad")
	fakes["bad"].connectErr = errors.New("handshake rejected")

	results := m.ConnectAll(context.Background())
	assert.Equal(t, map[string]bool{"good": true, "bad": false}, results)
}

func TestManagerReconnect(t *testing.T) {
	m, _ := newTestManager(t)
	conn := mustAdd(t, m, "gw")
	require.NoError(t, conn.Connect(context.Background()))

	assert.True(t, m.Reconnect(context.Background(), "gw"))
	assert.Equal(t, StatusConnected, conn.Status())
	assert.False(t, m.Reconnect(context.Background(), "missing"))
}

func TestManagerDefaultOpenClaw(t *testing.T) {
	m, fakes := newTestManager(t)
	assert.Nil(t, m.DefaultOpenClaw())

	mustAdd(t, m, "a")
	mustAdd(t, m, "b")

	// Nothing connected yet: any gateway is acceptable as a fallback.
	fallback := m.DefaultOpenClaw()
	require.NotNil(t, fallback)

	require.NoError(t, fakes["b"].Connect(context.Background()))
	assert.Equal(t, "b", m.DefaultOpenClaw().ID())
}

func TestManagerAllSessions_SwallowsSlowBackend(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "fast")
	mustAdd(t, m, "slow")
	mustAdd(t, m, "offline")

	fakes["fast"].sessions = []Session{{Key: "agent:main:main"}, {Key: "agent:dev:main"}}
	fakes["slow"].sessions = []Session{{Key: "agent:other:main"}}
	fakes["slow"].blockList = time.Hour
	fakes["offline"].sessions = []Session{{Key: "agent:ghost:main"}}
	require.NoError(t, fakes["fast"].Connect(context.Background()))
	require.NoError(t, fakes["slow"].Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sessions := m.AllSessions(ctx)

	keys := make([]string, len(sessions))
	for i, s := range sessions {
		keys[i] = s.Key
	}
	assert.ElementsMatch(t, []string{"agent:main:main", "agent:dev:main"}, keys)
}

func TestManagerSendMessage_Routing(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "a")
	mustAdd(t, m, "b")
	require.NoError(t, fakes["a"].Connect(context.Background()))
	require.NoError(t, fakes["b"].Connect(context.Background()))
	fakes["a"].sendErr = errors.New("unknown session key")
	fakes["b"].sendReply = "done"

	reply, ok := m.SendMessage(context.Background(), "agent:main:main", "hello", "", time.Second)
	require.True(t, ok)
	assert.Equal(t, "done", reply)
}

func TestManagerSendMessage_NoOwner(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "a")
	require.NoError(t, fakes["a"].Connect(context.Background()))
	fakes["a"].sendErr = errors.New("unknown session key")

	_, ok := m.SendMessage(context.Background(), "agent:missing:main", "hello", "", time.Second)
	assert.False(t, ok)
}

func TestManagerSendMessage_ExplicitConnection(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "a")
	require.NoError(t, fakes["a"].Connect(context.Background()))
	fakes["a"].sendReply = "pong"

	reply, ok := m.SendMessage(context.Background(), "agent:main:main", "ping", "a", time.Second)
	require.True(t, ok)
	assert.Equal(t, "pong", reply)

	_, ok = m.SendMessage(context.Background(), "agent:main:main", "ping", "nope", time.Second)
	assert.False(t, ok)
}

func TestManagerKillSession_Routing(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "a")
	mustAdd(t, m, "b")
	require.NoError(t, fakes["a"].Connect(context.Background()))
	require.NoError(t, fakes["b"].Connect(context.Background()))
	fakes["a"].killErr = errors.New("unknown session key")
	fakes["b"].killResult = true

	assert.True(t, m.KillSession(context.Background(), "agent:main:main", ""))

	fakes["b"].mu.Lock()
	fakes["b"].killResult = false
	fakes["b"].mu.Unlock()
	assert.False(t, m.KillSession(context.Background(), "agent:main:main", ""))
}

func TestManagerHistory_FirstOwnerWins(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "a")
	require.NoError(t, fakes["a"].Connect(context.Background()))
	fakes["a"].history = []HistoryMessage{{Role: "user", Content: "hi"}}

	history := m.History(context.Background(), "agent:main:main", "", 50)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
}

func TestManagerCallbackRelay_CoversFutureConnections(t *testing.T) {
	m, fakes := newTestManager(t)

	var mu sync.Mutex
	var statuses []string
	var sessions []string
	m.OnStatusChange(func(id string, s Status) {
		mu.Lock()
		statuses = append(statuses, id+":"+string(s))
		mu.Unlock()
	})
	m.OnSessionUpdate(func(s Session, eventType string) {
		mu.Lock()
		sessions = append(sessions, s.Key+":"+eventType)
		mu.Unlock()
	})

	// Added after the subscriptions above, yet still relayed.
	mustAdd(t, m, "late")
	require.NoError(t, fakes["late"].Connect(context.Background()))
	fakes["late"].NotifySessionUpdate(Session{Key: "agent:main:main"})

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, "late:connected")
	assert.Equal(t, []string{"agent:main:main:update"}, sessions)
}

func TestManagerRemove_DetachesRelay(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "gw")
	fake := fakes["gw"]

	count := 0
	m.OnSessionUpdate(func(_ Session, _ string) { count++ })
	require.True(t, m.Remove(context.Background(), "gw"))

	fake.NotifySessionUpdate(Session{Key: "agent:main:main"})
	assert.Zero(t, count)
}

func TestCheckHealth_ThresholdForcesReconnect(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "gw")
	require.NoError(t, fakes["gw"].Connect(context.Background()))
	fakes["gw"].mu.Lock()
	fakes["gw"].healthResult = false
	fakes["gw"].mu.Unlock()

	for i := 0; i < healthFailureThreshold; i++ {
		results := m.CheckHealth(context.Background())
		assert.False(t, results["gw"])
	}

	// Reconnect runs in the background and the fake reconnects cleanly.
	assert.Eventually(t, func() bool {
		return fakes["gw"].Status() == StatusConnected
	}, time.Second, 10*time.Millisecond)

	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	assert.Zero(t, m.failures["gw"], "counter resets once the threshold fires")
}

func TestCheckHealth_PanicCountsAsFailure(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "gw")
	mustAdd(t, m, "ok")
	require.NoError(t, fakes["gw"].Connect(context.Background()))
	require.NoError(t, fakes["ok"].Connect(context.Background()))
	fakes["gw"].healthPanics = true

	var results map[string]bool
	assert.NotPanics(t, func() { results = m.CheckHealth(context.Background()) })
	assert.False(t, results["gw"])
	assert.True(t, results["ok"], "other backends still probed after a panic")
}

func TestCheckHealth_SkipsDisconnected(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "gw")

	results := m.CheckHealth(context.Background())
	assert.Empty(t, results)
	assert.Zero(t, fakes["gw"].healthCalls)
}

func TestHealthLoop_StartStop(t *testing.T) {
	m, fakes := newTestManager(t)
	mustAdd(t, m, "gw")
	require.NoError(t, fakes["gw"].Connect(context.Background()))

	m.StartHealthLoop(20 * time.Millisecond)
	m.StartHealthLoop(20 * time.Millisecond) // second call is a no-op

	assert.Eventually(t, func() bool {
		fakes["gw"].mu.Lock()
		defer fakes["gw"].mu.Unlock()
		return fakes["gw"].healthCalls >= 2
	}, time.Second, 10*time.Millisecond)

	m.StopHealthLoop()
	m.StopHealthLoop() // idempotent

	summary := m.HealthSummary()
	assert.Equal(t, false, summary["monitoring"])
}

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (s *memStore) LoadConnections(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) SaveConnection(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) DeleteConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func TestManagerStore_RoundTrip(t *testing.T) {
	store := newMemStore()

	m1, _ := newTestManager(t)
	m1.UseStore(store)
	mustAdd(t, m1, "gw")
	require.True(t, m1.Remove(context.Background(), "gw"))
	mustAdd(t, m1, "kept")

	m2, _ := newTestManager(t)
	m2.UseStore(store)
	require.NoError(t, m2.LoadFromStore(context.Background()))
	assert.Equal(t, 1, m2.Count())
	_, ok := m2.Get("kept")
	assert.True(t, ok)
}
