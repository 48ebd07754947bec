package storage_test

import (
	"context"
	"testing"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/infrastructure/storage"
	"github.com/reglet-dev/reglet-runtime/internal/sqlitedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]ports.KeyValueStore {
	t.Helper()
	sq, err := storage.OpenSQLite(sqlitedb.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]ports.KeyValueStore{
		"memory": storage.NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestKeyValueStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := s.Get(ctx, "a", "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Set(ctx, "a", "k2", "v2"))
			require.NoError(t, s.Set(ctx, "a", "k1", "v1"))
			require.NoError(t, s.Set(ctx, "a", "k1", "v1b"))
			require.NoError(t, s.Set(ctx, "b", "k1", "other"))

			v, found, err := s.Get(ctx, "a", "k1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v1b", v)

			keys, err := s.Keys(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []string{"k1", "k2"}, keys)

			require.NoError(t, s.Remove(ctx, "a", "k2"))
			require.NoError(t, s.Remove(ctx, "a", "never-set"))
			keys, err = s.Keys(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []string{"k1"}, keys)

			require.NoError(t, s.Clear(ctx, "a"))
			keys, err = s.Keys(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, keys)

			v, found, err = s.Get(ctx, "b", "k1")
			require.NoError(t, err)
			assert.True(t, found, "clearing one namespace must not touch another")
			assert.Equal(t, "other", v)
		})
	}
}
