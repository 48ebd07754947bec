package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/infrastructure/parser"
)

// FileFetcher reads bundles from local directories.
type FileFetcher struct {
	cfg fetcherConfig
}

var _ ports.Fetcher = (*FileFetcher)(nil)

// NewFileFetcher creates a FileFetcher.
func NewFileFetcher(opts ...Option) *FileFetcher {
	return &FileFetcher{cfg: buildConfig(opts)}
}

// Kind implements ports.Fetcher.
func (f *FileFetcher) Kind() entities.SourceKind {
	return entities.SourceFile
}

// Fetch implements ports.Fetcher. ref is the bundle directory or the path
// of its manifest file.
func (f *FileFetcher) Fetch(ctx context.Context, ref, version string) (*entities.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := BundleDir(ref)
	if err != nil {
		return nil, err
	}
	return readLayout(osfs.New(dir), f.cfg, version, entities.Source{Kind: entities.SourceFile, Ref: dir})
}

// BundleDir returns the absolute bundle directory for a file ref.
func BundleDir(ref string) (string, error) {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}
	if info.IsDir() {
		return abs, nil
	}
	for _, name := range parser.ManifestFiles {
		if filepath.Base(abs) == name {
			return filepath.Dir(abs), nil
		}
	}
	return "", fmt.Errorf("%w: %s is not a bundle directory", ErrManifestNotFound, ref)
}
