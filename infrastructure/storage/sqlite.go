package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/internal/sqlitedb"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS plugin_kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// SQLiteStore persists values in a SQLite table keyed by namespace and key.
type SQLiteStore struct {
	db *sql.DB
}

var _ ports.KeyValueStore = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the store at path. Use sqlitedb.Memory for
// a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path, kvSchema)
	if err != nil {
		return nil, fmt.Errorf("open plugin storage: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements ports.KeyValueStore.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage get: %w", err)
	}
	return v, true, nil
}

// Set implements ports.KeyValueStore.
func (s *SQLiteStore) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("storage set: %w", err)
	}
	return nil
}

// Remove implements ports.KeyValueStore.
func (s *SQLiteStore) Remove(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("storage remove: %w", err)
	}
	return nil
}

// Clear implements ports.KeyValueStore.
func (s *SQLiteStore) Clear(ctx context.Context, namespace string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("storage clear: %w", err)
	}
	return nil
}

// Keys implements ports.KeyValueStore. Keys are returned sorted.
func (s *SQLiteStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM plugin_kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("storage keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
