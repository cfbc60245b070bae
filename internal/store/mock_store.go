// ABOUTME: Mock store implementation for testing.
// ABOUTME: Allows tests to run without SQLite.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/openclaw"
)

// MockStore is an in-memory implementation of the same interfaces
// SQLiteStore serves.
type MockStore struct {
	mu          sync.RWMutex
	connections map[string]connection.Record        // keyed by connection ID
	identities  map[string]*openclaw.DeviceIdentity // keyed by connection ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connections: make(map[string]connection.Record),
		identities:  make(map[string]*openclaw.DeviceIdentity),
	}
}

// LoadConnections returns stored records sorted by id for determinism.
func (m *MockStore) LoadConnections(ctx context.Context) ([]connection.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]connection.Record, 0, len(m.connections))
	for _, rec := range m.connections {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (m *MockStore) SaveConnection(ctx context.Context, rec connection.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[rec.ID] = rec
	return nil
}

func (m *MockStore) DeleteConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
	delete(m.identities, id)
	return nil
}

func (m *MockStore) LoadIdentity(ctx context.Context, connectionID string) (*openclaw.DeviceIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[connectionID]
	if !ok {
		return nil, nil
	}
	clone := *identity
	return &clone, nil
}

func (m *MockStore) SaveIdentity(ctx context.Context, connectionID string, identity *openclaw.DeviceIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *identity
	m.identities[connectionID] = &clone
	return nil
}

func (m *MockStore) UpdateDeviceToken(ctx context.Context, deviceID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.DeviceID == deviceID {
			identity.DeviceToken = token
			return nil
		}
	}
	return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
}

func (m *MockStore) ClearDeviceToken(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.DeviceID == deviceID {
			identity.DeviceToken = ""
		}
	}
	return nil
}
