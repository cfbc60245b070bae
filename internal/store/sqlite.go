// ABOUTME: SQLite implementation of connection-record and device-identity
// ABOUTME: persistence using modernc.org/sqlite with automatic schema creation.

package store

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/openclaw"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists connection records and device identities.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path. The schema is created
// if it doesn't exist; parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			auto_connect INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_identities (
			connection_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			device_name TEXT NOT NULL,
			private_key BLOB NOT NULL,
			device_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_device_identities_device_id
			ON device_identities(device_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadConnections returns every stored connection record.
func (s *SQLiteStore) LoadConnections(ctx context.Context) ([]connection.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, config, auto_connect FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("loading connections: %w", err)
	}
	defer rows.Close()

	var records []connection.Record
	for rows.Next() {
		var rec connection.Record
		var typeStr, configJSON string
		if err := rows.Scan(&rec.ID, &rec.Name, &typeStr, &configJSON, &rec.AutoConnect); err != nil {
			return nil, fmt.Errorf("scanning connection row: %w", err)
		}
		rec.Type = connection.Type(typeStr)
		if err := json.Unmarshal([]byte(configJSON), &rec.Config); err != nil {
			s.logger.Warn("skipping connection with bad config", "id", rec.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveConnection inserts or updates a connection record.
func (s *SQLiteStore) SaveConnection(ctx context.Context, rec connection.Record) error {
	config := rec.Config
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, name, type, config, auto_connect, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			config = excluded.config,
			auto_connect = excluded.auto_connect,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, string(rec.Type), string(configJSON), rec.AutoConnect, now, now)
	if err != nil {
		return fmt.Errorf("saving connection %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteConnection removes a connection record and its device identity.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM device_identities WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("deleting device identity for %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting connection %s: %w", id, err)
	}
	return nil
}

// LoadIdentity returns the stored device identity for a connection, or nil
// when none exists.
func (s *SQLiteStore) LoadIdentity(ctx context.Context, connectionID string) (*openclaw.DeviceIdentity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, device_name, private_key, device_token
		FROM device_identities WHERE connection_id = ?`, connectionID)

	var identity openclaw.DeviceIdentity
	var seed []byte
	err := row.Scan(&identity.DeviceID, &identity.DeviceName, &seed, &identity.DeviceToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading identity for %s: %w", connectionID, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity for %s has corrupt key material", connectionID)
	}
	identity.PrivateKey = ed25519.NewKeyFromSeed(seed)
	identity.PublicKey = identity.PrivateKey.Public().(ed25519.PublicKey)
	return &identity, nil
}

// SaveIdentity inserts or replaces a connection's device identity.
func (s *SQLiteStore) SaveIdentity(ctx context.Context, connectionID string, identity *openclaw.DeviceIdentity) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_identities
			(connection_id, device_id, device_name, private_key, device_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			device_id = excluded.device_id,
			device_name = excluded.device_name,
			private_key = excluded.private_key,
			device_token = excluded.device_token,
			updated_at = excluded.updated_at`,
		connectionID, identity.DeviceID, identity.DeviceName,
		identity.PrivateKey.Seed(), identity.DeviceToken, now, now)
	if err != nil {
		return fmt.Errorf("saving identity for %s: %w", connectionID, err)
	}
	return nil
}

// UpdateDeviceToken stores a freshly minted device token.
func (s *SQLiteStore) UpdateDeviceToken(ctx context.Context, deviceID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_identities SET device_token = ?, updated_at = ?
		WHERE device_id = ?`, token, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("updating device token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return nil
}

// ClearDeviceToken forgets a rejected or expired device token.
func (s *SQLiteStore) ClearDeviceToken(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_identities SET device_token = '', updated_at = ?
		WHERE device_id = ?`, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("clearing device token: %w", err)
	}
	return nil
}
