package reglet_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reglet "github.com/reglet-dev/reglet-runtime"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reglet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := reglet.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, reglet.DriverYAML, cfg.Catalog.Driver)
	assert.Equal(t, reglet.DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, entities.RiskLevelHigh, cfg.RiskLevel())
	assert.True(t, cfg.AutoLoad)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
host_version: 2.3.0
data_dir: /tmp/reglet-test
catalog:
  driver: sqlite
storage:
  driver: memory
max_risk: medium
fetch_timeout: 5s
network:
  timeout: 2s
  allowed_hosts: [api.example.com]
watch:
  enabled: true
  debounce: 250ms
engines:
  wasm: false
  lua: true
`)
	cfg, err := reglet.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "2.3.0", cfg.HostVersion)
	assert.Equal(t, reglet.DriverSQLite, cfg.Catalog.Driver)
	assert.Equal(t, reglet.DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, entities.RiskLevelMedium, cfg.RiskLevel())
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2*time.Second, cfg.Network.Timeout)
	assert.Equal(t, []string{"api.example.com"}, cfg.Network.AllowedHosts)
	assert.True(t, cfg.Network.BlockPrivate, "unset keys keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
	assert.False(t, cfg.Engines.WASM)
}

func TestLoadConfig_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := reglet.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, reglet.DefaultConfig(), cfg)
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: "colour: blue\n", want: "colour"},
		{name: "bad driver", body: "catalog:\n  driver: postgres\n", want: "Driver"},
		{name: "bad risk", body: "max_risk: extreme\n", want: "MaxRisk"},
		{name: "bad host version", body: "host_version: one\n", want: "HostVersion"},
		{name: "signatures without keys", body: "signatures:\n  require: true\n", want: "TrustedKeys"},
		{name: "no engines", body: "engines:\n  wasm: false\n  lua: false\n", want: "engine"},
		{name: "bad registry url", body: "registry:\n  url: not a url\n", want: "URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reglet.LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := reglet.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
