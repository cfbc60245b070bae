// ABOUTME: Tests for the SQLite store covering connection-record CRUD and
// ABOUTME: device-identity persistence round-trips.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/openclaw"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "connect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnections_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := connection.Record{
		ID:   "gw1",
		Name: "main gateway",
		Type: connection.TypeOpenClaw,
		Config: map[string]any{
			"url":   "ws://localhost:18789",
			"token": "secret",
		},
		AutoConnect: true,
	}
	require.NoError(t, s.SaveConnection(ctx, rec))
	require.NoError(t, s.SaveConnection(ctx, connection.Record{
		ID: "cc1", Name: "local claude", Type: connection.TypeClaudeCode,
	}))

	records, err := s.LoadConnections(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]connection.Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	got := byID["gw1"]
	assert.Equal(t, "main gateway", got.Name)
	assert.Equal(t, connection.TypeOpenClaw, got.Type)
	assert.Equal(t, "ws://localhost:18789", got.Config["url"])
	assert.True(t, got.AutoConnect)

	// Nil config round-trips as an empty map.
	assert.NotNil(t, byID["cc1"].Config)
	assert.Empty(t, byID["cc1"].Config)
}

func TestSaveConnection_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConnection(ctx, connection.Record{
		ID: "gw1", Name: "before", Type: connection.TypeOpenClaw,
	}))
	require.NoError(t, s.SaveConnection(ctx, connection.Record{
		ID: "gw1", Name: "after", Type: connection.TypeOpenClaw, AutoConnect: true,
	}))

	records, err := s.LoadConnections(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "after", records[0].Name)
	assert.True(t, records[0].AutoConnect)
}

func TestDeleteConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConnection(ctx, connection.Record{
		ID: "gw1", Name: "gateway", Type: connection.TypeOpenClaw,
	}))
	identity, err := openclaw.NewDeviceIdentity("test")
	require.NoError(t, err)
	require.NoError(t, s.SaveIdentity(ctx, "gw1", identity))

	require.NoError(t, s.DeleteConnection(ctx, "gw1"))

	records, err := s.LoadConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	loaded, err := s.LoadIdentity(ctx, "gw1")
	require.NoError(t, err)
	assert.Nil(t, loaded, "deleting a connection drops its identity")

	// Deleting a missing record is not an error.
	require.NoError(t, s.DeleteConnection(ctx, "nope"))
}

func TestIdentity_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identity, err := openclaw.NewDeviceIdentity("workstation")
	require.NoError(t, err)
	identity.DeviceToken = "tok-1"
	require.NoError(t, s.SaveIdentity(ctx, "gw1", identity))

	loaded, err := s.LoadIdentity(ctx, "gw1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, identity.DeviceID, loaded.DeviceID)
	assert.Equal(t, "workstation", loaded.DeviceName)
	assert.Equal(t, "tok-1", loaded.DeviceToken)
	assert.Equal(t, identity.PrivateKey, loaded.PrivateKey)
	assert.Equal(t, identity.PublicKey, loaded.PublicKey)

	missing, err := s.LoadIdentity(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeviceToken_UpdateAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identity, err := openclaw.NewDeviceIdentity("test")
	require.NoError(t, err)
	require.NoError(t, s.SaveIdentity(ctx, "gw1", identity))

	require.NoError(t, s.UpdateDeviceToken(ctx, identity.DeviceID, "fresh-token"))
	loaded, err := s.LoadIdentity(ctx, "gw1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", loaded.DeviceToken)

	require.NoError(t, s.ClearDeviceToken(ctx, identity.DeviceID))
	loaded, err = s.LoadIdentity(ctx, "gw1")
	require.NoError(t, err)
	assert.Empty(t, loaded.DeviceToken)

	err = s.UpdateDeviceToken(ctx, "no-such-device", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

// The store feeds the manager through connection.Store; the compiler should
// agree it satisfies both consumer interfaces.
var (
	_ connection.Store       = (*SQLiteStore)(nil)
	_ openclaw.IdentityStore = (*SQLiteStore)(nil)
	_ connection.Store       = (*MockStore)(nil)
	_ openclaw.IdentityStore = (*MockStore)(nil)
)
