package ports

import "github.com/reglet-dev/reglet-runtime/domain/entities"

// ManifestParser parses raw manifest bytes (YAML or JSON) into a Manifest.
type ManifestParser interface {
	Parse(data []byte) (*entities.Manifest, error)
}
