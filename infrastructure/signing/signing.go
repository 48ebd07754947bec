// Package signing verifies ed25519 bundle signatures.
//
// A signature covers "<name>@<version>:<checksum>" of the bundle and is
// carried base64-encoded in the manifest's signature field.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

var (
	// ErrUnsigned is returned when a bundle carries no signature.
	ErrUnsigned = errors.New("bundle is not signed")

	// ErrBadSignature is returned when no trusted key verifies the signature.
	ErrBadSignature = errors.New("bundle signature does not verify against any trusted key")
)

// Verifier checks bundle signatures against a set of trusted keys.
type Verifier struct {
	keys []ed25519.PublicKey
}

var _ ports.SignatureVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier from base64-encoded ed25519 public keys.
func NewVerifier(trusted ...string) (*Verifier, error) {
	v := &Verifier{}
	for i, k := range trusted {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: want %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}
	return v, nil
}

// Verify implements ports.SignatureVerifier.
func (v *Verifier) Verify(b *entities.Bundle) error {
	if b == nil || b.Manifest == nil || b.Manifest.Signature == "" {
		return ErrUnsigned
	}
	sig, err := base64.StdEncoding.DecodeString(b.Manifest.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	msg := Message(b)
	for _, k := range v.keys {
		if ed25519.Verify(k, msg, sig) {
			return nil
		}
	}
	return ErrBadSignature
}

// Message returns the bytes a bundle signature covers.
func Message(b *entities.Bundle) []byte {
	return []byte(b.Manifest.Name + "@" + b.Manifest.Version + ":" + b.Checksum)
}

// Sign returns the base64 signature of b under key.
func Sign(key ed25519.PrivateKey, b *entities.Bundle) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, Message(b)))
}

// EncodePublicKey returns the base64 form accepted by NewVerifier.
func EncodePublicKey(k ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(k)
}
