package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
)

// RegistryIndex lists the published versions of one plugin. It is served
// at <registry>/<name>/index.json; each version's bundle lives under
// <registry>/<name>/<version>/.
type RegistryIndex struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

// RegistryFetcher resolves plugin names against a plugin registry.
type RegistryFetcher struct {
	http *URLFetcher
	base *url.URL
}

var _ ports.Fetcher = (*RegistryFetcher)(nil)

// NewRegistryFetcher creates a fetcher for the registry at baseURL.
func NewRegistryFetcher(baseURL string, client *http.Client, opts ...Option) (*RegistryFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid registry url %q", baseURL)
	}
	return &RegistryFetcher{http: NewURLFetcher(client, opts...), base: base}, nil
}

// Kind implements ports.Fetcher.
func (f *RegistryFetcher) Kind() entities.SourceKind {
	return entities.SourceRegistry
}

// Fetch implements ports.Fetcher. ref is the plugin name. version may be an
// exact version, a range, or empty for the newest release.
func (f *RegistryFetcher) Fetch(ctx context.Context, ref, version string) (*entities.Bundle, error) {
	index, err := f.Index(ctx, ref)
	if err != nil {
		return nil, err
	}
	chosen, err := pickVersion(index.Versions, version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}

	b, err := f.http.fetch(ctx, resolve(f.base, url.PathEscape(ref)+"/"+url.PathEscape(chosen)), chosen)
	if err != nil {
		return nil, err
	}
	b.Source = entities.Source{Kind: entities.SourceRegistry, Ref: ref}
	return b, nil
}

// Index downloads the version index of a plugin.
func (f *RegistryFetcher) Index(ctx context.Context, name string) (*RegistryIndex, error) {
	data, err := f.http.get(ctx, resolve(f.base, url.PathEscape(name)+"/index.json"))
	if errors.Is(err, errHTTPNotFound) {
		return nil, fmt.Errorf("%w: plugin %s is not in the registry", ErrManifestNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var index RegistryIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode index of %s: %w", name, err)
	}
	return &index, nil
}

// pickVersion selects the newest version matching want.
func pickVersion(versions []string, want string) (string, error) {
	if want != "" && semver.Valid(want) {
		for _, v := range versions {
			if v == want {
				return v, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrVersionNotFound, want)
	}
	var matching []string
	for _, v := range versions {
		if semver.Satisfies(v, want) {
			matching = append(matching, v)
		}
	}
	latest, ok := semver.Latest(matching)
	if !ok {
		return "", fmt.Errorf("%w: nothing matches %q", ErrVersionNotFound, want)
	}
	return latest, nil
}
