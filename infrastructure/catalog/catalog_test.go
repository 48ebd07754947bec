package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/infrastructure/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, version string, at time.Time) entities.CatalogRecord {
	return entities.CatalogRecord{
		ID:          id,
		Version:     version,
		InstalledAt: at,
		Checksum:    "abc",
		Source:      entities.Source{Kind: entities.SourceFile, Ref: "/plugins/" + id},
		Manifest: &entities.Manifest{
			Name:                   id,
			Version:                version,
			Author:                 "acme",
			HostCompatibilityRange: "^1.0.0",
			Main:                   "main.lua",
			Permissions:            []entities.PermissionRequest{{ID: "storage"}},
		},
		Config: entities.PluginConfig{
			Enabled:  true,
			Priority: 3,
			Limits:   entities.DefaultResourceLimits(),
			Settings: map[string]any{"unit": "metric"},
		},
	}
}

func TestCatalogs_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	sq, err := catalog.OpenSQLite(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)

	drivers := map[string]ports.Catalog{
		"yaml":   catalog.NewYAMLCatalog(filepath.Join(dir, "state", "catalog.yaml")),
		"sqlite": sq,
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, c := range drivers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer c.Close()

			recs, err := c.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, recs)

			require.NoError(t, c.Save(ctx, record("weather", "1.0.0", base)))
			require.NoError(t, c.Save(ctx, record("clock", "2.0.0", base.Add(time.Minute))))
			require.NoError(t, c.Save(ctx, record("weather", "1.1.0", base)))

			recs, err = c.Load(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 2)

			byID := map[string]entities.CatalogRecord{}
			for _, r := range recs {
				byID[r.ID] = r
			}
			w := byID["weather"]
			assert.Equal(t, "1.1.0", w.Version)
			assert.Equal(t, entities.SourceFile, w.Source.Kind)
			assert.True(t, base.Equal(w.InstalledAt))
			require.NotNil(t, w.Manifest)
			assert.Equal(t, "main.lua", w.Manifest.Main)
			assert.Equal(t, "storage", w.Manifest.Permissions[0].ID)
			assert.Equal(t, 3, w.Config.Priority)
			assert.Equal(t, entities.DefaultExecutionTimeout, w.Config.Limits.ExecutionTimeout)
			assert.Equal(t, "metric", w.Config.Settings["unit"])

			require.NoError(t, c.Delete(ctx, "weather"))
			require.NoError(t, c.Delete(ctx, "weather"))
			recs, err = c.Load(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "clock", recs[0].ID)
		})
	}
}

func TestYAMLCatalog_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins: [oops"), 0o600))
	_, err := catalog.NewYAMLCatalog(path).Load(context.Background())
	assert.ErrorContains(t, err, "parse catalog")
}
