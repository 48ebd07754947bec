package host_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/host"
	"github.com/reglet-dev/reglet-runtime/hostfuncs"
	"github.com/reglet-dev/reglet-runtime/infrastructure/lua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const pluginCode = `
loaded = false
function on_load() loaded = true end
function is_loaded() return loaded end
function echo(v) return v end
function spin() while true do end end
function whoami()
  local res, err = host.call("test.whoami")
  if err then error(err) end
  return res.plugin
end
`

// stubFetcher serves bundles from memory and counts fetches. When gate is
// non-nil every fetch blocks until it is closed.
type stubFetcher struct {
	kind    entities.SourceKind
	bundles map[string]*entities.Bundle
	gate    chan struct{}
	calls   atomic.Int32
}

func (f *stubFetcher) Kind() entities.SourceKind { return f.kind }

func (f *stubFetcher) Fetch(ctx context.Context, ref, version string) (*entities.Bundle, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ref == "explosive" {
		panic("fetcher bug")
	}
	b, ok := f.bundles[ref+"@"+version]
	if !ok {
		return nil, errors.New("no such bundle")
	}
	return b.Clone(), nil
}

func bundle(name, main, code string) *entities.Bundle {
	return &entities.Bundle{
		Manifest: &entities.Manifest{Name: name, Version: "1.0.0", Author: "acme", HostCompatibilityRange: "*", Main: main},
		Code:     []byte(code),
		Checksum: "sum-" + name,
	}
}

type whoamiResponse struct {
	Plugin string `json:"plugin"`
}

type LoaderSuite struct {
	suite.Suite
	fetcher *stubFetcher
	loader  *host.Loader
}

func (s *LoaderSuite) SetupTest() {
	s.fetcher = &stubFetcher{
		kind: entities.SourceRegistry,
		bundles: map[string]*entities.Bundle{
			"weather@1.0.0": bundle("weather", "main.lua", pluginCode),
			"weather@":      bundle("weather", "main.lua", pluginCode),
			"native@1.0.0":  bundle("native", "main.so", ""),
			"hollow@1.0.0":  {Code: []byte(pluginCode), Checksum: "sum-hollow"},
			"empty@1.0.0":   nil,
		},
	}
	registry, err := hostfuncs.NewRegistry(
		hostfuncs.WithHandler("test.whoami", func(ctx context.Context, _ struct{}) whoamiResponse {
			return whoamiResponse{Plugin: hostfuncs.PluginIDFrom(ctx)}
		}),
	)
	s.Require().NoError(err)

	s.loader, err = host.NewLoader(
		host.WithFetchers(s.fetcher),
		host.WithEngines(lua.NewEngine()),
		host.WithHost(registry),
		host.WithDefaultLimits(entities.ResourceLimits{ExecutionTimeout: 200 * time.Millisecond}),
	)
	s.Require().NoError(err)
}

func (s *LoaderSuite) TearDownTest() {
	s.NoError(s.loader.Close(context.Background()))
}

func (s *LoaderSuite) src(ref string) entities.Source {
	return entities.Source{Kind: entities.SourceRegistry, Ref: ref}
}

func (s *LoaderSuite) TestFetch_CachesPinnedVersions() {
	ctx := context.Background()
	b1, err := s.loader.Fetch(ctx, s.src("weather"), "1.0.0")
	s.Require().NoError(err)
	b2, err := s.loader.Fetch(ctx, s.src("weather"), "1.0.0")
	s.Require().NoError(err)

	s.Equal(int32(1), s.fetcher.calls.Load())
	s.Equal(1, s.loader.Cached())
	s.NotSame(b1, b2)

	b1.Code[0] = 'X'
	b3, err := s.loader.Fetch(ctx, s.src("weather"), "1.0.0")
	s.Require().NoError(err)
	s.NotEqual(byte('X'), b3.Code[0], "cached bundle must not alias caller copies")

	s.loader.Evict(s.src("weather"), "1.0.0")
	_, err = s.loader.Fetch(ctx, s.src("weather"), "1.0.0")
	s.Require().NoError(err)
	s.Equal(int32(2), s.fetcher.calls.Load())
}

func (s *LoaderSuite) TestFetch_UnpinnedIsNotCached() {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.loader.Fetch(ctx, s.src("weather"), "")
		s.Require().NoError(err)
	}
	s.Equal(int32(2), s.fetcher.calls.Load())
	s.Equal(0, s.loader.Cached())
}

func (s *LoaderSuite) TestFetch_ConcurrentCallsShareOneFetch() {
	s.fetcher.gate = make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.loader.Fetch(context.Background(), s.src("weather"), "1.0.0")
		}()
	}
	s.Eventually(func() bool { return s.fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(s.fetcher.gate)
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(1), s.fetcher.calls.Load())
}

func (s *LoaderSuite) TestFetch_Errors() {
	_, err := s.loader.Fetch(context.Background(), entities.Source{Kind: entities.SourceGit, Ref: "x"}, "")
	s.ErrorIs(err, host.ErrUnknownSource)

	_, err = s.loader.Fetch(context.Background(), s.src("missing"), "1.0.0")
	s.ErrorContains(err, "no such bundle")

	for _, ref := range []string{"hollow", "empty", "explosive"} {
		b, err := s.loader.Fetch(context.Background(), s.src(ref), "1.0.0")
		s.ErrorIs(err, host.ErrInvalidBundle, ref)
		s.Nil(b, ref)
	}
	s.Zero(s.loader.Cached(), "invalid bundles are not cached")
}

func (s *LoaderSuite) TestFetch_CallerCancellation() {
	s.fetcher.gate = make(chan struct{})
	defer close(s.fetcher.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.loader.Fetch(ctx, s.src("weather"), "1.0.0")
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *LoaderSuite) TestInstantiate() {
	ctx := context.Background()
	b, err := s.loader.Fetch(ctx, s.src("weather"), "1.0.0")
	s.Require().NoError(err)

	exec, err := s.loader.Instantiate(ctx, b, entities.ResourceLimits{})
	s.Require().NoError(err)
	defer exec.Close(ctx)

	s.Equal("weather", exec.PluginID())
	s.Equal(lua.EngineName, exec.Engine())
	s.Equal(200*time.Millisecond, exec.Limits().ExecutionTimeout)
	s.Equal(entities.DefaultMaxCallDepth, exec.Limits().MaxCallDepth)

	s.Require().NoError(exec.Hook(ctx, host.HookLoad))
	s.NoError(exec.Hook(ctx, host.HookUnload), "missing hooks are skipped")

	out, err := exec.Call(ctx, "is_loaded", nil)
	s.Require().NoError(err)
	s.JSONEq(`true`, string(out))

	out, err = exec.Call(ctx, "echo", []byte(`{"a":[1,2]}`))
	s.Require().NoError(err)
	s.JSONEq(`{"a":[1,2]}`, string(out))

	out, err = exec.Call(ctx, "whoami", nil)
	s.Require().NoError(err)
	s.JSONEq(`"weather"`, string(out))
}

func (s *LoaderSuite) TestInstantiate_Timeout() {
	ctx := context.Background()
	exec, err := s.loader.Instantiate(ctx, bundle("weather", "main.lua", pluginCode), entities.ResourceLimits{ExecutionTimeout: 30 * time.Millisecond})
	s.Require().NoError(err)
	defer exec.Close(ctx)

	_, err = exec.Call(ctx, "spin", nil)
	s.ErrorIs(err, rterrors.ErrExecutionTimeout)

	var execErr *rterrors.ExecutionError
	s.Require().ErrorAs(err, &execErr)
	s.Equal("weather", execErr.PluginID)
}

func (s *LoaderSuite) TestInstantiate_NoEngine() {
	b, err := s.loader.Fetch(context.Background(), s.src("native"), "1.0.0")
	s.Require().NoError(err)
	s.False(s.loader.Supports(b.Manifest))

	_, err = s.loader.Instantiate(context.Background(), b, entities.ResourceLimits{})
	s.ErrorIs(err, host.ErrNoEngine)
}

func (s *LoaderSuite) TestInstantiate_CompileError() {
	_, err := s.loader.Instantiate(context.Background(), bundle("broken", "main.lua", "function ("), entities.ResourceLimits{})
	var execErr *rterrors.ExecutionError
	s.ErrorAs(err, &execErr)
}

func (s *LoaderSuite) TestExecutor_ClosedRejectsCalls() {
	ctx := context.Background()
	exec, err := s.loader.Instantiate(ctx, bundle("weather", "main.lua", pluginCode), entities.ResourceLimits{})
	s.Require().NoError(err)

	s.Require().NoError(exec.Close(ctx))
	s.NoError(exec.Close(ctx))
	s.False(exec.Has("echo"))

	_, err = exec.Call(ctx, "echo", nil)
	var execErr *rterrors.ExecutionError
	s.ErrorAs(err, &execErr)
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

type closingEngine struct {
	ports.Engine
	err error
}

func (e closingEngine) Close(context.Context) error { return e.err }

func TestLoader_CloseJoinsEngineErrors(t *testing.T) {
	boom := errors.New("boom")
	l, err := host.NewLoader(
		host.WithEngines(closingEngine{Engine: lua.NewEngine(), err: boom}),
		host.WithCacheSize(0),
	)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Close(context.Background()), boom)
	assert.Empty(t, l.Sources())
}
