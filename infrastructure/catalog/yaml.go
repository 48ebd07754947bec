package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Plugins []entities.CatalogRecord `yaml:"plugins"`
}

// YAMLCatalog stores every record in one YAML file.
type YAMLCatalog struct {
	path string
	mu   sync.Mutex
}

var _ ports.Catalog = (*YAMLCatalog)(nil)

// NewYAMLCatalog creates a catalog backed by the file at path. The file
// is created on the first save.
func NewYAMLCatalog(path string) *YAMLCatalog {
	return &YAMLCatalog{path: path}
}

// Path returns the backing file.
func (c *YAMLCatalog) Path() string {
	return c.path
}

// Load implements ports.Catalog.
func (c *YAMLCatalog) Load(_ context.Context) ([]entities.CatalogRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

// Save implements ports.Catalog.
func (c *YAMLCatalog) Save(_ context.Context, rec entities.CatalogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs, err := c.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range recs {
		if recs[i].ID == rec.ID {
			recs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, rec)
	}
	return c.write(recs)
}

// Delete implements ports.Catalog.
func (c *YAMLCatalog) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs, err := c.read()
	if err != nil {
		return err
	}
	kept := recs[:0]
	for _, r := range recs {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(recs) {
		return nil
	}
	return c.write(kept)
}

// Close implements ports.Catalog.
func (c *YAMLCatalog) Close() error {
	return nil
}

func (c *YAMLCatalog) read() ([]entities.CatalogRecord, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return []entities.CatalogRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	if f.Plugins == nil {
		f.Plugins = []entities.CatalogRecord{}
	}
	return f.Plugins, nil
}

func (c *YAMLCatalog) write(recs []entities.CatalogRecord) error {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	data, err := yaml.Marshal(catalogFile{Plugins: recs})
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create catalog directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace catalog: %w", err)
	}
	return nil
}
