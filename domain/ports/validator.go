package ports

import "github.com/reglet-dev/reglet-runtime/domain/entities"

// ManifestValidator validates a manifest document before it is registered.
type ManifestValidator interface {
	// ValidateRaw checks the raw document against the manifest schema.
	ValidateRaw(raw []byte) (*entities.ValidationResult, error)

	// Validate checks the parsed manifest against the struct rules.
	Validate(m *entities.Manifest) *entities.ValidationResult
}

// SignatureVerifier checks the signature carried by a bundle.
type SignatureVerifier interface {
	Verify(b *entities.Bundle) error
}
