package ports

import "github.com/reglet-dev/reglet-runtime/domain/entities"

// GrantStore provides persistence for permission grants.
type GrantStore interface {
	// Load retrieves all grants. Returns an empty slice (not error) if none exist.
	Load() ([]entities.Grant, error)

	// Save persists the full grant set.
	Save(grants []entities.Grant) error

	// ConfigPath returns the path to the backing store (for user messaging).
	ConfigPath() string
}
