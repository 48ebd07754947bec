package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownSource is returned when no fetcher serves a source kind.
	ErrUnknownSource = errors.New("no fetcher for source")

	// ErrNoEngine is returned when no engine handles an entry extension.
	ErrNoEngine = errors.New("no isolation engine for entry")

	// ErrInvalidBundle is returned when a fetcher yields no bundle or a
	// bundle without a manifest.
	ErrInvalidBundle = errors.New("fetcher returned an invalid bundle")
)

// Loader fetches bundles and instantiates them in isolation engines.
type Loader struct {
	config   loaderConfig
	fetchers map[entities.SourceKind]ports.Fetcher
	engines  map[string]ports.Engine
	cache    *lru.Cache[string, *entities.Bundle]
	group    singleflight.Group
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) (*Loader, error) {
	cfg := defaultLoaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Loader{
		config:   cfg,
		fetchers: make(map[entities.SourceKind]ports.Fetcher, len(cfg.fetchers)),
		engines:  make(map[string]ports.Engine),
	}
	for _, f := range cfg.fetchers {
		l.fetchers[f.Kind()] = f
	}
	for _, e := range cfg.engines {
		for _, ext := range e.Extensions() {
			l.engines[strings.ToLower(ext)] = e
		}
	}
	if cfg.cacheSize > 0 {
		cache, err := lru.New[string, *entities.Bundle](cfg.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create bundle cache: %w", err)
		}
		l.cache = cache
	}
	return l, nil
}

// Sources returns the source kinds with a registered fetcher.
func (l *Loader) Sources() []entities.SourceKind {
	kinds := make([]entities.SourceKind, 0, len(l.fetchers))
	for k := range l.fetchers {
		kinds = append(kinds, k)
	}
	return kinds
}

func cacheKey(src entities.Source, version string) string {
	return string(src.Kind) + "\x00" + src.Ref + "\x00" + version
}

// cacheable reports whether a fetch result may be reused. Only pinned
// versions are, since "newest" and file bundles change underneath us.
func cacheable(src entities.Source, version string) bool {
	return src.Kind != entities.SourceFile && semver.Valid(version)
}

// Fetch retrieves the bundle for src at version. Callers receive their
// own copy of the bundle.
func (l *Loader) Fetch(ctx context.Context, src entities.Source, version string) (*entities.Bundle, error) {
	f, ok := l.fetchers[src.Kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSource, src.Kind)
	}
	key := cacheKey(src, version)
	useCache := l.cache != nil && cacheable(src, version)
	if useCache {
		if b, ok := l.cache.Get(key); ok {
			return b.Clone(), nil
		}
	}

	ch := l.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.fetchTimeout)
		defer cancel()

		start := time.Now()
		b, err := fetch(fetchCtx, f, src.Ref, version)
		if err != nil {
			if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("fetch %s %s: timed out after %s: %w", src.Kind, src.Ref, l.config.fetchTimeout, err)
			}
			return nil, fmt.Errorf("fetch %s %s: %w", src.Kind, src.Ref, err)
		}
		if b == nil || b.Manifest == nil {
			return nil, fmt.Errorf("fetch %s %s: %w", src.Kind, src.Ref, ErrInvalidBundle)
		}
		l.config.logger.DebugContext(ctx, "fetched plugin bundle",
			"source", src.Kind, "ref", src.Ref, "plugin", b.Manifest.Name,
			"version", b.Manifest.Version, "bytes", len(b.Code), "duration", time.Since(start))
		if useCache {
			l.cache.Add(key, b)
		}
		return b, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entities.Bundle).Clone(), nil
	}
}

// fetch runs a fetcher inside the singleflight goroutine, where a panic
// would take the process down, and turns a panic into an error.
func fetch(ctx context.Context, f ports.Fetcher, ref, version string) (b *entities.Bundle, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: fetcher panicked: %v", ErrInvalidBundle, r)
		}
	}()
	return f.Fetch(ctx, ref, version)
}

// Evict drops a cached bundle.
func (l *Loader) Evict(src entities.Source, version string) {
	if l.cache != nil {
		l.cache.Remove(cacheKey(src, version))
	}
}

// Cached returns the number of cached bundles.
func (l *Loader) Cached() int {
	if l.cache == nil {
		return 0
	}
	return l.cache.Len()
}

// EngineFor returns the engine for a manifest's entry file.
func (l *Loader) EngineFor(m *entities.Manifest) (ports.Engine, error) {
	ext := m.EntryExtension()
	e, ok := l.engines[ext]
	if !ok {
		return nil, fmt.Errorf("%w %q (extension %q)", ErrNoEngine, m.Main, ext)
	}
	return e, nil
}

// Supports reports whether some engine can run the manifest's entry file.
func (l *Loader) Supports(m *entities.Manifest) bool {
	_, err := l.EngineFor(m)
	return err == nil
}

// Instantiate runs the bundle's code in a fresh sandbox under limits,
// zero limits falling back to the loader defaults.
func (l *Loader) Instantiate(ctx context.Context, b *entities.Bundle, limits entities.ResourceLimits) (*Executor, error) {
	if b == nil || b.Manifest == nil {
		return nil, errors.New("instantiate: bundle has no manifest")
	}
	engine, err := l.EngineFor(b.Manifest)
	if err != nil {
		return nil, err
	}
	id := b.Manifest.Name
	limits = limits.WithDefaults(l.config.defaultLimits)

	var invoker ports.HostInvoker
	if l.config.host != nil {
		invoker = l.config.host.Bind(id)
	}

	start := time.Now()
	sb, err := engine.Instantiate(ctx, ports.SandboxSpec{
		Host:     invoker,
		PluginID: id,
		Entry:    b.Manifest.Main,
		Code:     b.Code,
		Limits:   limits,
	})
	if err != nil {
		return nil, normalize(id, "instantiate", err)
	}
	l.config.logger.InfoContext(ctx, "plugin instantiated",
		"plugin", id, "engine", engine.Name(), "duration", time.Since(start))
	return newExecutor(sb, id, engine.Name(), limits), nil
}

// Close releases every engine.
func (l *Loader) Close(ctx context.Context) error {
	seen := make(map[ports.Engine]bool)
	var errs []error
	for _, e := range l.config.engines {
		if seen[e] {
			continue
		}
		seen[e] = true
		if err := e.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s engine: %w", e.Name(), err))
		}
	}
	if l.cache != nil {
		l.cache.Purge()
	}
	return errors.Join(errs...)
}
