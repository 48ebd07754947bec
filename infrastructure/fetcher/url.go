package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/infrastructure/parser"
)

// DefaultHTTPTimeout bounds one HTTP request made by a fetcher.
const DefaultHTTPTimeout = 30 * time.Second

var errHTTPNotFound = errors.New("not found")

// URLFetcher downloads bundles over HTTP(S).
type URLFetcher struct {
	client *http.Client
	cfg    fetcherConfig
}

var _ ports.Fetcher = (*URLFetcher)(nil)

// NewURLFetcher creates a URLFetcher. A nil client uses one with
// DefaultHTTPTimeout.
func NewURLFetcher(client *http.Client, opts ...Option) *URLFetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &URLFetcher{client: client, cfg: buildConfig(opts)}
}

// Kind implements ports.Fetcher.
func (f *URLFetcher) Kind() entities.SourceKind {
	return entities.SourceURL
}

// Fetch implements ports.Fetcher. ref is the base URL of the bundle
// directory or the URL of its manifest file.
func (f *URLFetcher) Fetch(ctx context.Context, ref, version string) (*entities.Bundle, error) {
	b, err := f.fetch(ctx, ref, version)
	if err != nil {
		return nil, err
	}
	b.Source = entities.Source{Kind: entities.SourceURL, Ref: ref}
	return b, nil
}

func (f *URLFetcher) fetch(ctx context.Context, ref, version string) (*entities.Bundle, error) {
	base, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid bundle url %q: %w", ref, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid bundle url %q: scheme must be http or https", ref)
	}

	candidates := parser.ManifestFiles
	if name := path.Base(base.Path); isManifestName(name) {
		candidates = []string{name}
		base.Path = path.Dir(base.Path)
	}

	var (
		raw  []byte
		name string
	)
	for _, candidate := range candidates {
		data, err := f.get(ctx, resolve(base, candidate))
		if errors.Is(err, errHTTPNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, name = data, candidate
		break
	}
	if raw == nil {
		return nil, fmt.Errorf("%w at %s", ErrManifestNotFound, ref)
	}

	m, err := f.cfg.parser.Parse(raw)
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
	code, err := f.get(ctx, resolve(base, entry))
	if err != nil {
		return nil, fmt.Errorf("download entry %s: %w", entry, err)
	}
	return newBundle(raw, m, code, entities.Source{}), nil
}

func isManifestName(name string) bool {
	for _, n := range parser.ManifestFiles {
		if n == name {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, rel string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + rel
	return u.String()
}

// get downloads u, refusing bodies larger than the configured bound.
func (f *URLFetcher) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", errHTTPNotFound, u)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetch %s: unexpected status %s", u, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if int64(len(body)) > f.cfg.maxSize {
		return nil, fmt.Errorf("%w: %s", ErrBundleTooLarge, u)
	}
	return body, nil
}
