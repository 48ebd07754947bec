package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/internal/sqlitedb"
)

const catalogSchema = `CREATE TABLE IF NOT EXISTS plugins (
	id           TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	installed_at TIMESTAMP NOT NULL,
	record       TEXT NOT NULL
)`

// SQLiteCatalog stores one JSON-encoded record per row.
type SQLiteCatalog struct {
	db *sql.DB
}

var _ ports.Catalog = (*SQLiteCatalog)(nil)

// OpenSQLite opens or creates the catalog database at path.
func OpenSQLite(path string) (*SQLiteCatalog, error) {
	db, err := sqlitedb.Open(path, catalogSchema)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &SQLiteCatalog{db: db}, nil
}

// Load implements ports.Catalog. Records come back ordered by install time.
func (c *SQLiteCatalog) Load(ctx context.Context) ([]entities.CatalogRecord, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT record FROM plugins ORDER BY installed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	defer rows.Close()

	recs := []entities.CatalogRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		var rec entities.CatalogRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode catalog record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Save implements ports.Catalog.
func (c *SQLiteCatalog) Save(ctx context.Context, rec entities.CatalogRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode catalog record: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO plugins (id, version, installed_at, record) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version,
		   installed_at = excluded.installed_at, record = excluded.record`,
		rec.ID, rec.Version, rec.InstalledAt.UTC(), string(raw))
	if err != nil {
		return fmt.Errorf("save catalog record %s: %w", rec.ID, err)
	}
	return nil
}

// Delete implements ports.Catalog.
func (c *SQLiteCatalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete catalog record %s: %w", id, err)
	}
	return nil
}

// Close implements ports.Catalog.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
