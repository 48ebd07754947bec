package validation_test

import (
	"testing"

	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/host/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *entities.Manifest {
	return &entities.Manifest{
		Name:                   "notes",
		Version:                "1.2.0",
		Author:                 "reglet",
		HostCompatibilityRange: "^1.0.0",
		Main:                   "main.wasm",
		Permissions:            []entities.PermissionRequest{{ID: "storage"}},
		Dependencies:           []entities.Dependency{{ID: "core", VersionRange: ">=1.0.0", Required: true}},
	}
}

func TestManifest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *entities.Manifest)
		fields []string
	}{
		{name: "valid", mutate: func(*entities.Manifest) {}},
		{name: "missing name", mutate: func(m *entities.Manifest) { m.Name = "" }, fields: []string{"name"}},
		{name: "missing author", mutate: func(m *entities.Manifest) { m.Author = "" }, fields: []string{"author"}},
		{name: "bad version", mutate: func(m *entities.Manifest) { m.Version = "one" }, fields: []string{"version"}},
		{name: "bad host range", mutate: func(m *entities.Manifest) { m.HostCompatibilityRange = "^^1" }, fields: []string{"hostCompatibilityRange"}},
		{
			name:   "bad dependency range",
			mutate: func(m *entities.Manifest) { m.Dependencies[0].VersionRange = ">=banana" },
			fields: []string{"dependencies[0].versionRange"},
		},
		{
			name:   "dependency without id",
			mutate: func(m *entities.Manifest) { m.Dependencies[0].ID = "" },
			fields: []string{"dependencies[0].id"},
		},
		{
			name: "duplicate permission",
			mutate: func(m *entities.Manifest) {
				m.Permissions = append(m.Permissions, entities.PermissionRequest{ID: "storage"})
			},
			fields: []string{"permissions[1].id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)

			res := validation.Manifest(m)
			if len(tt.fields) == 0 {
				assert.True(t, res.Valid, res.String())
				return
			}
			require.False(t, res.Valid)
			var got []string
			for _, e := range res.Errors {
				got = append(got, e.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestManifestError(t *testing.T) {
	require.NoError(t, validation.ManifestError(validManifest()))

	m := validManifest()
	m.Version = ""
	err := validation.ManifestError(m)
	require.Error(t, err)
	assert.ErrorIs(t, err, rterrors.ErrInvalidManifest)
	assert.Contains(t, err.Error(), "validation failed")

	assert.ErrorIs(t, validation.ManifestError(nil), rterrors.ErrInvalidManifest)
}

func TestStructError(t *testing.T) {
	opts := entities.InstallOptions{Source: "ftp", Ref: "x"}
	err := validation.StructError("install", opts)
	require.Error(t, err)

	var verr *rterrors.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "source", verr.Fields[0].Field)
}

func TestManifestValidator_ValidateRaw(t *testing.T) {
	registry, err := schema.NewManifestRegistry()
	require.NoError(t, err)
	v := validation.NewManifestValidator(registry)

	t.Run("valid yaml", func(t *testing.T) {
		raw := []byte(`
name: notes
version: 1.0.0
author: reglet
hostCompatibilityRange: "^1.0.0"
dependencies:
  - id: core
    versionRange: ">=1.0.0"
    required: true
`)
		res, err := v.ValidateRaw(raw)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.String())
	})

	t.Run("valid json", func(t *testing.T) {
		raw := []byte(`{"name":"notes","version":"1.0.0","author":"reglet","hostCompatibilityRange":"*"}`)
		res, err := v.ValidateRaw(raw)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.String())
	})

	t.Run("missing required field", func(t *testing.T) {
		raw := []byte(`{"name":"notes","version":"1.0.0","hostCompatibilityRange":"*"}`)
		res, err := v.ValidateRaw(raw)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.String(), "author")
	})

	t.Run("wrong type", func(t *testing.T) {
		raw := []byte(`{"name":"notes","version":"1.0.0","author":"a","hostCompatibilityRange":"*","keywords":"x"}`)
		res, err := v.ValidateRaw(raw)
		require.NoError(t, err)
		assert.False(t, res.Valid)
	})

	t.Run("unparseable", func(t *testing.T) {
		res, err := v.ValidateRaw([]byte("name: [unterminated"))
		require.NoError(t, err)
		assert.False(t, res.Valid)
	})

	t.Run("schema missing", func(t *testing.T) {
		empty := validation.NewManifestValidator(schema.NewRegistry())
		_, err := empty.ValidateRaw([]byte(`{}`))
		require.Error(t, err)
	})
}
