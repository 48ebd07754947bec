package signing_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/infrastructure/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(t *testing.T, seed byte) ed25519.PrivateKey {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	return ed25519.NewKeyFromSeed(s)
}

func bundle() *entities.Bundle {
	return &entities.Bundle{
		Manifest: &entities.Manifest{Name: "weather", Version: "1.0.0"},
		Checksum: "abc123",
	}
}

func TestVerifier(t *testing.T) {
	trusted, other := key(t, 1), key(t, 2)
	v, err := signing.NewVerifier(signing.EncodePublicKey(other.Public().(ed25519.PublicKey)),
		signing.EncodePublicKey(trusted.Public().(ed25519.PublicKey)))
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(b *entities.Bundle)
		wantErr error
	}{
		{name: "valid", mutate: func(b *entities.Bundle) { b.Manifest.Signature = signing.Sign(trusted, b) }},
		{name: "unsigned", mutate: func(*entities.Bundle) {}, wantErr: signing.ErrUnsigned},
		{name: "untrusted key", mutate: func(b *entities.Bundle) { b.Manifest.Signature = signing.Sign(key(t, 3), b) }, wantErr: signing.ErrBadSignature},
		{name: "tampered code", mutate: func(b *entities.Bundle) {
			b.Manifest.Signature = signing.Sign(trusted, b)
			b.Checksum = "evil"
		}, wantErr: signing.ErrBadSignature},
		{name: "tampered version", mutate: func(b *entities.Bundle) {
			b.Manifest.Signature = signing.Sign(trusted, b)
			b.Manifest.Version = "1.0.1"
		}, wantErr: signing.ErrBadSignature},
		{name: "not base64", mutate: func(b *entities.Bundle) { b.Manifest.Signature = "%%%" }, wantErr: signing.ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bundle()
			tt.mutate(b)
			err := v.Verify(b)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewVerifier_BadKeys(t *testing.T) {
	_, err := signing.NewVerifier("not-base64!")
	assert.Error(t, err)
	_, err = signing.NewVerifier("c2hvcnQ=")
	assert.ErrorContains(t, err, "want 32 bytes")
}
