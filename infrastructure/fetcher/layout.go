package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/infrastructure/parser"
)

// DefaultMaxBundleSize bounds the entry file and manifest read from any source.
const DefaultMaxBundleSize = 64 << 20

var (
	// ErrManifestNotFound is returned when no manifest file exists at the source.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrVersionNotFound is returned when the requested version is not available.
	ErrVersionNotFound = errors.New("version not found")

	// ErrBundleTooLarge is returned when a file exceeds the size bound.
	ErrBundleTooLarge = errors.New("bundle exceeds size limit")
)

// fetcherConfig holds the settings shared by every fetcher.
type fetcherConfig struct {
	parser  ports.ManifestParser
	maxSize int64
}

func defaultFetcherConfig() fetcherConfig {
	return fetcherConfig{
		parser:  parser.NewYamlManifestParser(),
		maxSize: DefaultMaxBundleSize,
	}
}

// Option configures a fetcher.
type Option func(*fetcherConfig)

// WithParser sets the manifest parser.
func WithParser(p ports.ManifestParser) Option {
	return func(c *fetcherConfig) {
		if p != nil {
			c.parser = p
		}
	}
}

// WithMaxSize bounds the size of each fetched file.
func WithMaxSize(n int64) Option {
	return func(c *fetcherConfig) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

func buildConfig(opts []Option) fetcherConfig {
	cfg := defaultFetcherConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// entryPath validates the manifest's main field as a relative path inside
// the bundle.
func entryPath(m *entities.Manifest) (string, error) {
	if m.Main == "" {
		return "", fmt.Errorf("manifest %s has no main entry", m.Name)
	}
	if !filepath.IsLocal(m.Main) || path.IsAbs(m.Main) {
		return "", fmt.Errorf("manifest %s: main %q escapes the bundle", m.Name, m.Main)
	}
	return path.Clean(filepath.ToSlash(m.Main)), nil
}

// checkVersion rejects a bundle whose manifest does not carry the pinned version.
func checkVersion(m *entities.Manifest, version string) error {
	if version != "" && m.Version != version {
		return fmt.Errorf("%w: %s has version %s, want %s", ErrVersionNotFound, m.Name, m.Version, version)
	}
	return nil
}

func newBundle(raw []byte, m *entities.Manifest, code []byte, src entities.Source) *entities.Bundle {
	sum := sha256.Sum256(code)
	return &entities.Bundle{
		Manifest:    m,
		Source:      src,
		Checksum:    hex.EncodeToString(sum[:]),
		RawManifest: raw,
		Code:        code,
	}
}

// readLayout reads a bundle from the root of fs.
func readLayout(fs billy.Filesystem, cfg fetcherConfig, version string, src entities.Source) (*entities.Bundle, error) {
	var (
		raw  []byte
		name string
	)
	for _, candidate := range parser.ManifestFiles {
		data, err := readBounded(fs, candidate, cfg.maxSize)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, name = data, candidate
		break
	}
	if raw == nil {
		return nil, fmt.Errorf("%w in %s", ErrManifestNotFound, src.Ref)
	}

	m, err := cfg.parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := checkVersion(m, version); err != nil {
		return nil, err
	}
	entry, err := entryPath(m)
	if err != nil {
		return nil, err
	}
	code, err := readBounded(fs, entry, cfg.maxSize)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", entry, err)
	}
	return newBundle(raw, m, code, src), nil
}

func readBounded(fs billy.Filesystem, name string, limit int64) ([]byte, error) {
	info, err := fs.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBundleTooLarge, name, info.Size())
	}
	return util.ReadFile(fs, name)
}
