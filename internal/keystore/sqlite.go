package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_keys (
	device_id  TEXT PRIMARY KEY,
	key        BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore 设备端持久化实现
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, deviceID string) ([]byte, bool, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `SELECT key FROM device_keys WHERE device_id = ?`, deviceID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: load %s: %w", deviceID, err)
	}
	return key, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, deviceID string, key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_keys (device_id, key, updated_at) VALUES (?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET key = excluded.key, updated_at = excluded.updated_at`,
		deviceID, key, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("keystore: save %s: %w", deviceID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_keys WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("keystore: delete %s: %w", deviceID, err)
	}
	return nil
}

func (s *SQLiteStore) DeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id FROM device_keys ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
