package reglet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/host"
	"github.com/reglet-dev/reglet-runtime/infrastructure/fetcher"
	"github.com/reglet-dev/reglet-runtime/infrastructure/watcher"
)

// Catalog and storage drivers.
const (
	DriverYAML   = "yaml"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// DefaultHostVersion is the runtime version plugins are matched against.
const DefaultHostVersion = "1.0.0"

// Config is the runtime configuration, usually read from a YAML file.
type Config struct {
	HostVersion   string                    `yaml:"host_version" validate:"required,semver"`
	DataDir       string                    `yaml:"data_dir" validate:"required"`
	Catalog       StoreConfig               `yaml:"catalog"`
	Storage       StoreConfig               `yaml:"storage"`
	Registry      RegistryConfig            `yaml:"registry"`
	AutoLoad      bool                      `yaml:"auto_load"`
	FetchTimeout  time.Duration             `yaml:"fetch_timeout" validate:"gte=0"`
	CacheSize     int                       `yaml:"cache_size" validate:"gte=0"`
	MaxBundleSize int64                     `yaml:"max_bundle_size" validate:"gte=0"`
	DefaultLimits entities.ResourceLimits   `yaml:"default_limits"`
	Audit         AuditConfig               `yaml:"audit"`
	MaxRisk       string                    `yaml:"max_risk" validate:"oneof=Low Medium High low medium high"`
	Signatures    SignatureConfig           `yaml:"signatures"`
	Capabilities  []string                  `yaml:"capabilities,omitempty"`
	Permissions   []entities.Permission     `yaml:"permissions,omitempty" validate:"dive"`
	Policies      []entities.SecurityPolicy `yaml:"policies,omitempty" validate:"dive"`
	Network       NetworkConfig             `yaml:"network"`
	Watch         WatchConfig               `yaml:"watch"`
	Engines       EnginesConfig             `yaml:"engines"`
}

// StoreConfig selects a persistence driver.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=yaml sqlite memory"`
}

// RegistryConfig points at a plugin registry. Without a URL the registry
// source is disabled.
type RegistryConfig struct {
	URL string `yaml:"url,omitempty" validate:"omitempty,url"`
}

// AuditConfig bounds the in-memory audit trails.
type AuditConfig struct {
	Capacity          int `yaml:"capacity" validate:"gte=0"`
	ViolationCapacity int `yaml:"violation_capacity" validate:"gte=0"`
	TraceSize         int `yaml:"trace_size" validate:"gte=0"`
}

// SignatureConfig controls bundle signature checks.
type SignatureConfig struct {
	Require     bool     `yaml:"require"`
	TrustedKeys []string `yaml:"trusted_keys,omitempty" validate:"required_if=Require true"`
}

// NetworkConfig configures the network.fetch capability.
type NetworkConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxBodySize  int           `yaml:"max_body_size" validate:"gte=0"`
	BlockPrivate bool          `yaml:"block_private"`
	AllowedHosts []string      `yaml:"allowed_hosts,omitempty"`
	BlockedHosts []string      `yaml:"blocked_hosts,omitempty"`
}

// WatchConfig configures hot reload of file-source plugins.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// EnginesConfig selects the isolation engines.
type EnginesConfig struct {
	WASM      bool   `yaml:"wasm"`
	Lua       bool   `yaml:"lua"`
	WASMCache string `yaml:"wasm_cache,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	dataDir := ".reglet"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".reglet")
	}
	return Config{
		HostVersion:   DefaultHostVersion,
		DataDir:       dataDir,
		Catalog:       StoreConfig{Driver: DriverYAML},
		Storage:       StoreConfig{Driver: DriverSQLite},
		AutoLoad:      true,
		FetchTimeout:  host.DefaultFetchTimeout,
		CacheSize:     host.DefaultCacheSize,
		MaxBundleSize: fetcher.DefaultMaxBundleSize,
		DefaultLimits: entities.DefaultResourceLimits(),
		MaxRisk:       entities.RiskLevelHigh.String(),
		Network: NetworkConfig{
			Timeout:      30 * time.Second,
			MaxBodySize:  1 << 20,
			BlockPrivate: true,
		},
		Watch:   WatchConfig{Debounce: watcher.DefaultDebounce},
		Engines: EnginesConfig{WASM: true, Lua: true},
	}
}

// LoadConfig reads path over the defaults and validates the result.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validation.StructError("config", c); err != nil {
		return err
	}
	if !c.Engines.WASM && !c.Engines.Lua {
		return errors.New("config: at least one engine must be enabled")
	}
	return nil
}

// RiskLevel returns the parsed MaxRisk.
func (c Config) RiskLevel() entities.RiskLevel {
	r, err := entities.ParseRiskLevel(c.MaxRisk)
	if err != nil {
		return entities.RiskLevelHigh
	}
	return r
}

func (c Config) path(name string) string {
	return filepath.Join(c.DataDir, name)
}
