package ports

import (
	"context"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// Fetcher retrieves a plugin bundle from one kind of source.
type Fetcher interface {
	// Kind returns the source kind served by this fetcher.
	Kind() entities.SourceKind

	// Fetch returns the manifest and entry-point code for ref at version.
	// An empty version means the newest available.
	Fetch(ctx context.Context, ref, version string) (*entities.Bundle, error)
}
