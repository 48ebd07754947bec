// Package grantstore keeps permission grants across runtime restarts.
package grantstore

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// DefaultFileName is the grant file created inside the runtime data dir.
const DefaultFileName = "grants.yaml"

type fileStoreConfig struct {
	path string
	mode os.FileMode
}

func defaultFileStoreConfig() fileStoreConfig {
	dir := ".reglet"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".reglet")
	}
	return fileStoreConfig{path: filepath.Join(dir, DefaultFileName), mode: 0o600}
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreConfig)

// WithPath sets the grant file location.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) { c.path = path }
}

// WithFileMode sets the mode of the grant file. Grants reveal what each
// plugin may do, so the default is owner-only.
func WithFileMode(mode os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) { c.mode = mode }
}

var _ ports.GrantStore = (*FileStore)(nil)

// FileStore persists grants as a YAML document sorted by plugin and
// permission, so the file diffs cleanly.
type FileStore struct {
	cfg fileStoreConfig
	mu  sync.Mutex
}

type document struct {
	Grants []entities.Grant `yaml:"grants"`
}

// NewFileStore creates a FileStore. Nothing touches the disk until Load or
// Save.
func NewFileStore(opts ...FileStoreOption) *FileStore {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{cfg: cfg}
}

// Load implements ports.GrantStore. A missing file holds no grants.
func (s *FileStore) Load() ([]entities.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.cfg.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []entities.Grant{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grants: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse grants %s: %w", s.cfg.path, err)
	}
	if doc.Grants == nil {
		doc.Grants = []entities.Grant{}
	}
	return doc.Grants, nil
}

// Save implements ports.GrantStore. The document is written to a temporary
// file in the same directory and renamed over the old one.
func (s *FileStore) Save(grants []entities.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := slices.Clone(grants)
	slices.SortFunc(sorted, func(a, b entities.Grant) int {
		return cmp.Or(cmp.Compare(a.PluginID, b.PluginID), cmp.Compare(a.PermissionID, b.PermissionID))
	})
	data, err := yaml.Marshal(document{Grants: sorted})
	if err != nil {
		return fmt.Errorf("encode grants: %w", err)
	}

	dir := filepath.Dir(s.cfg.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create grants dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".grants-*")
	if err != nil {
		return fmt.Errorf("write grants: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write grants: %w", err)
	}
	if err := tmp.Chmod(s.cfg.mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write grants: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write grants: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.path); err != nil {
		return fmt.Errorf("replace grants: %w", err)
	}
	return nil
}

// ConfigPath implements ports.GrantStore.
func (s *FileStore) ConfigPath() string {
	return s.cfg.path
}
