package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-runtime/infrastructure/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloads struct {
	mu  sync.Mutex
	ids []string
}

func (r *reloads) reload(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *reloads) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func start(t *testing.T, r *reloads) *watcher.Watcher {
	t.Helper()
	w, err := watcher.New(r.reload, watcher.WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return w
}

func TestWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	r := &reloads{}
	w := start(t, r)
	require.NoError(t, w.Watch("weather", dir))

	id, ok := w.Watched(dir)
	require.True(t, ok)
	assert.Equal(t, "weather", id)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte{byte(i)}, 0o600))
	}

	assert.Eventually(t, func() bool { return len(r.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"weather"}, r.get())
}

func TestWatcher_IgnoresExcludedFiles(t *testing.T) {
	dir := t.TempDir()
	r := &reloads{}
	w := start(t, r)
	require.NoError(t, w.Watch("weather", dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua.swp"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, r.get())
}

func TestWatcher_Unwatch(t *testing.T) {
	dir := t.TempDir()
	r := &reloads{}
	w := start(t, r)
	require.NoError(t, w.Watch("weather", dir))
	w.Unwatch("weather")

	_, ok := w.Watched(dir)
	assert.False(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, r.get())
}

func TestNew_InvalidExclude(t *testing.T) {
	_, err := watcher.New(nil, watcher.WithExcludes("[oops"))
	assert.ErrorContains(t, err, "invalid exclude pattern")
}
