package ports

import (
	"context"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// Catalog persists installed-plugin records across restarts.
type Catalog interface {
	// Load returns every stored record.
	Load(ctx context.Context) ([]entities.CatalogRecord, error)

	// Save inserts or replaces the record with the same id.
	Save(ctx context.Context, rec entities.CatalogRecord) error

	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases the backing store.
	Close() error
}
