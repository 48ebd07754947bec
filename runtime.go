package reglet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/reglet-dev/reglet-runtime/application/lifecycle"
	"github.com/reglet-dev/reglet-runtime/application/permission"
	"github.com/reglet-dev/reglet-runtime/application/registry"
	"github.com/reglet-dev/reglet-runtime/application/resolver"
	"github.com/reglet-dev/reglet-runtime/application/security"
	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/host"
	"github.com/reglet-dev/reglet-runtime/host/schema"
	"github.com/reglet-dev/reglet-runtime/hostfuncs"
	"github.com/reglet-dev/reglet-runtime/infrastructure/catalog"
	"github.com/reglet-dev/reglet-runtime/infrastructure/fetcher"
	"github.com/reglet-dev/reglet-runtime/infrastructure/grantstore"
	"github.com/reglet-dev/reglet-runtime/infrastructure/lua"
	"github.com/reglet-dev/reglet-runtime/infrastructure/metrics"
	"github.com/reglet-dev/reglet-runtime/infrastructure/parser"
	"github.com/reglet-dev/reglet-runtime/infrastructure/signing"
	"github.com/reglet-dev/reglet-runtime/infrastructure/storage"
	"github.com/reglet-dev/reglet-runtime/infrastructure/watcher"
	"github.com/reglet-dev/reglet-runtime/infrastructure/wazero"
	"github.com/reglet-dev/reglet-runtime/internal/eventbus"
)

// Runtime is one isolated plugin runtime.
type Runtime struct {
	cfg  Config
	opts runtimeConfig

	bus         *eventbus.Bus
	metrics     *metrics.Metrics
	registry    *registry.Registry
	resolver    *resolver.Resolver
	permissions *permission.Manager
	security    *security.Manager
	hosts       *hostfuncs.HandlerRegistry
	loader      *host.Loader
	lifecycle   *lifecycle.Manager
	catalog     ports.Catalog
	store       ports.KeyValueStore
	watcher     *watcher.Watcher

	unsubscribe []func()

	mu        sync.Mutex
	stopWatch context.CancelFunc
	watchDone chan error
	closed    bool
}

// New builds a runtime from cfg. Nothing runs until Start.
func New(cfg Config, opts ...Option) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	rt = &Runtime{cfg: cfg, opts: o}
	defer func() {
		if err != nil {
			_ = rt.release(context.Background())
			rt = nil
		}
	}()
	log := o.logger

	rt.bus = eventbus.New(eventbus.WithLogger(log))
	rt.metrics = metrics.New(o.prometheus)
	rt.unsubscribe = append(rt.unsubscribe, rt.metrics.Attach(rt.bus))

	schemas, err := schema.NewManifestRegistry()
	if err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	manifests := validation.NewManifestValidator(schemas)

	rt.registry = registry.New(
		registry.WithPublisher(rt.bus),
		registry.WithValidator(manifests),
		registry.WithLogger(log),
	)
	rt.resolver = resolver.New(rt.registry, resolver.WithCapabilityPredicate(func(d entities.Dependency) bool {
		return slices.Contains(cfg.Capabilities, d.ID)
	}))

	permOpts := []permission.Option{
		permission.WithGrantStore(grantstore.NewFileStore(grantstore.WithPath(cfg.path(grantstore.DefaultFileName)))),
		permission.WithPublisher(rt.bus),
		permission.WithLogger(log),
		permission.WithDefinitions(append(entities.DefaultPermissions(), cfg.Permissions...)...),
	}
	if cfg.Audit.Capacity > 0 {
		permOpts = append(permOpts, permission.WithAuditCapacity(cfg.Audit.Capacity))
	}
	if o.consent != nil {
		permOpts = append(permOpts, permission.WithConsentProvider(o.consent))
	}
	if rt.permissions, err = permission.New(permOpts...); err != nil {
		return nil, err
	}

	secOpts := []security.Option{
		security.WithPermissionChecker(rt.permissions),
		security.WithPublisher(rt.bus),
		security.WithLogger(log),
		security.WithMaxRisk(cfg.RiskLevel()),
		security.WithCriticalHandler(rt.onCritical),
	}
	if o.consent != nil {
		secOpts = append(secOpts, security.WithConsentProvider(o.consent))
	}
	if cfg.Audit.Capacity > 0 {
		secOpts = append(secOpts, security.WithAuditCapacity(cfg.Audit.Capacity))
	}
	if cfg.Audit.ViolationCapacity > 0 {
		secOpts = append(secOpts, security.WithViolationCapacity(cfg.Audit.ViolationCapacity))
	}
	if cfg.Audit.TraceSize > 0 {
		secOpts = append(secOpts, security.WithTraceSize(cfg.Audit.TraceSize))
	}
	rt.security = security.New(secOpts...)
	for _, p := range cfg.Policies {
		if err := rt.security.AddPolicy(p); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
	}

	if rt.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if rt.hosts, err = rt.buildHosts(); err != nil {
		return nil, err
	}

	engines, err := buildEngines(cfg, o)
	if err != nil {
		return nil, err
	}
	fetchers, err := buildFetchers(cfg, o)
	if err != nil {
		return nil, err
	}
	rt.loader, err = host.NewLoader(
		host.WithLogger(log),
		host.WithFetchers(fetchers...),
		host.WithEngines(engines...),
		host.WithHost(rt.hosts),
		host.WithCacheSize(cfg.CacheSize),
		host.WithFetchTimeout(cfg.FetchTimeout),
		host.WithDefaultLimits(cfg.DefaultLimits),
	)
	if err != nil {
		return nil, err
	}

	if rt.catalog, err = openCatalog(cfg); err != nil {
		return nil, err
	}

	lcOpts := []lifecycle.Option{
		lifecycle.WithLogger(log),
		lifecycle.WithPublisher(rt.bus),
		lifecycle.WithManifestValidator(manifests),
		lifecycle.WithHostVersion(cfg.HostVersion),
		lifecycle.WithAutoLoad(cfg.AutoLoad),
		lifecycle.WithRequireSignature(cfg.Signatures.Require),
		lifecycle.WithDefaultConfig(entities.PluginConfig{Enabled: true, Limits: cfg.DefaultLimits}),
	}
	if rt.catalog != nil {
		lcOpts = append(lcOpts, lifecycle.WithCatalog(rt.catalog))
	}
	if len(cfg.Signatures.TrustedKeys) > 0 {
		verifier, err := signing.NewVerifier(cfg.Signatures.TrustedKeys...)
		if err != nil {
			return nil, err
		}
		lcOpts = append(lcOpts, lifecycle.WithSignatureVerifier(verifier))
	}
	if rt.lifecycle, err = lifecycle.New(rt.registry, rt.resolver, rt.permissions, rt.security, rt.loader, lcOpts...); err != nil {
		return nil, err
	}

	if cfg.Watch.Enabled {
		if err := rt.setupWatcher(); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// onCritical pauses the offending plugin. It is bound before the lifecycle
// manager exists, so early violations are only logged.
func (rt *Runtime) onCritical(v entities.Violation) {
	if rt.lifecycle == nil {
		rt.opts.logger.Warn("critical violation before startup", "plugin", v.PluginID, "subject", v.Subject)
		return
	}
	rt.lifecycle.HandleCriticalViolation(v)
}

func (rt *Runtime) buildHosts() (*hostfuncs.HandlerRegistry, error) {
	n := rt.cfg.Network
	var filter []hostfuncs.NetfilterOption
	filter = append(filter, hostfuncs.WithBlockPrivate(n.BlockPrivate))
	if len(n.AllowedHosts) > 0 {
		filter = append(filter, hostfuncs.WithAllowedHosts(n.AllowedHosts...))
	}
	if len(n.BlockedHosts) > 0 {
		filter = append(filter, hostfuncs.WithBlockedHosts(n.BlockedHosts...))
	}
	httpOpts := []hostfuncs.HTTPOption{hostfuncs.WithHTTPSSRFProtection(true, filter...)}
	if n.Timeout > 0 {
		httpOpts = append(httpOpts, hostfuncs.WithHTTPRequestTimeout(n.Timeout))
	}
	if n.MaxBodySize > 0 {
		httpOpts = append(httpOpts, hostfuncs.WithHTTPMaxBodySize(n.MaxBodySize))
	}

	return hostfuncs.NewRegistry(
		hostfuncs.WithBundle(hostfuncs.StandardBundles(hostfuncs.Capabilities{
			Store:  rt.store,
			UI:     rt.opts.ui,
			Logger: rt.opts.logger,
			HTTP:   httpOpts,
		})),
		hostfuncs.WithMiddleware(
			hostfuncs.PanicRecoveryMiddleware(),
			hostfuncs.LoggingMiddleware(rt.opts.logger),
			hostfuncs.SecurityMiddleware(rt.security),
		),
	)
}

func buildEngines(cfg Config, o runtimeConfig) ([]ports.Engine, error) {
	var engines []ports.Engine
	if cfg.Engines.WASM {
		e, err := wazero.NewEngine(wazero.WithLogger(o.logger), wazero.WithCacheDir(cfg.Engines.WASMCache))
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	if cfg.Engines.Lua {
		engines = append(engines, lua.NewEngine(lua.WithLogger(o.logger)))
	}
	return append(engines, o.engines...), nil
}

func buildFetchers(cfg Config, o runtimeConfig) ([]ports.Fetcher, error) {
	opts := []fetcher.Option{
		fetcher.WithParser(parser.NewYamlManifestParser()),
		fetcher.WithMaxSize(cfg.MaxBundleSize),
	}
	fetchers := []ports.Fetcher{
		fetcher.NewFileFetcher(opts...),
		fetcher.NewURLFetcher(o.httpClient, opts...),
		fetcher.NewGitFetcher(o.gitOpener, opts...),
	}
	if cfg.Registry.URL != "" {
		rf, err := fetcher.NewRegistryFetcher(cfg.Registry.URL, o.httpClient, opts...)
		if err != nil {
			return nil, err
		}
		fetchers = append(fetchers, rf)
	}
	return fetchers, nil
}

func openStore(cfg Config) (ports.KeyValueStore, error) {
	switch cfg.Storage.Driver {
	case DriverMemory:
		return storage.NewMemoryStore(), nil
	case DriverSQLite:
		s, err := storage.OpenSQLite(cfg.path("storage.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage driver %q is not supported", cfg.Storage.Driver)
	}
}

func openCatalog(cfg Config) (ports.Catalog, error) {
	switch cfg.Catalog.Driver {
	case DriverMemory:
		return nil, nil
	case DriverSQLite:
		c, err := catalog.OpenSQLite(cfg.path("catalog.db"))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return catalog.NewYAMLCatalog(cfg.path("catalog.yaml")), nil
	}
}

func (rt *Runtime) setupWatcher() error {
	w, err := watcher.New(func(ctx context.Context, pluginID string) error {
		_, err := rt.lifecycle.Update(ctx, pluginID, entities.UpdateOptions{})
		return err
	}, watcher.WithLogger(rt.opts.logger), watcher.WithDebounce(rt.cfg.Watch.Debounce))
	if err != nil {
		return err
	}
	rt.watcher = w
	rt.unsubscribe = append(rt.unsubscribe, rt.bus.Subscribe(rt.trackFileSource,
		entities.EventRegistered, entities.EventUpdated, entities.EventUnregistered))
	return nil
}

// trackFileSource keeps the watcher in step with registered file-source
// plugins.
func (rt *Runtime) trackFileSource(ev entities.Event) {
	if ev.Type == entities.EventUnregistered {
		rt.watcher.Unwatch(ev.PluginID)
		return
	}
	p, ok := ev.Payload.(*entities.Plugin)
	if !ok || p.Source.Kind != entities.SourceFile {
		return
	}
	dir, err := fetcher.BundleDir(p.Source.Ref)
	if err != nil {
		rt.opts.logger.Warn("cannot watch plugin", "plugin", ev.PluginID, "error", err)
		return
	}
	if err := rt.watcher.Watch(ev.PluginID, dir); err != nil {
		rt.opts.logger.Warn("cannot watch plugin", "plugin", ev.PluginID, "error", err)
	}
}

// Start restores the catalog and starts the hot-reload watcher. Restore
// failures are returned, but the runtime stays usable.
func (rt *Runtime) Start(ctx context.Context) error {
	restoreErr := rt.lifecycle.Restore(ctx)
	if rt.watcher == nil {
		return restoreErr
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopWatch != nil || rt.closed {
		return restoreErr
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.stopWatch = cancel
	rt.watchDone = make(chan error, 1)
	go func() { rt.watchDone <- rt.watcher.Run(wctx) }()
	return restoreErr
}

// Close unloads every plugin and releases all resources.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()
	return rt.release(ctx)
}

func (rt *Runtime) release(ctx context.Context) error {
	var errs []error
	rt.mu.Lock()
	stop, done := rt.stopWatch, rt.watchDone
	rt.mu.Unlock()
	if stop != nil {
		stop()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Close())
	}
	if rt.lifecycle != nil {
		errs = append(errs, rt.lifecycle.Shutdown(ctx))
	}
	if rt.loader != nil {
		errs = append(errs, rt.loader.Close(ctx))
	}
	if rt.catalog != nil {
		errs = append(errs, rt.catalog.Close())
	}
	if c, ok := rt.store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	for _, unsub := range rt.unsubscribe {
		unsub()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	return errors.Join(errs...)
}

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() Config { return rt.cfg }

// Bus returns the runtime's event bus.
func (rt *Runtime) Bus() *eventbus.Bus { return rt.bus }

// Subscribe registers handler for the given event types, or all events.
func (rt *Runtime) Subscribe(handler func(entities.Event), types ...entities.EventType) (unsubscribe func()) {
	return rt.bus.Subscribe(handler, types...)
}

// Registry returns the plugin registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Resolver returns the dependency resolver.
func (rt *Runtime) Resolver() *resolver.Resolver { return rt.resolver }

// Permissions returns the permission manager.
func (rt *Runtime) Permissions() *permission.Manager { return rt.permissions }

// Security returns the security manager.
func (rt *Runtime) Security() *security.Manager { return rt.security }

// Loader returns the bundle loader.
func (rt *Runtime) Loader() *host.Loader { return rt.loader }

// Lifecycle returns the lifecycle manager.
func (rt *Runtime) Lifecycle() *lifecycle.Manager { return rt.lifecycle }

// Metrics returns the Prometheus metrics fed by the bus.
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }

// HostFunctions returns the capability host registry.
func (rt *Runtime) HostFunctions() *hostfuncs.HandlerRegistry { return rt.hosts }
