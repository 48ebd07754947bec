// Package watcher reloads file-source plugins when their bundle
// directories change on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last change before a
// reload fires.
const DefaultDebounce = 500 * time.Millisecond

// DefaultExcludes are file-name globs whose changes never trigger a reload.
var DefaultExcludes = []string{"*.tmp", "*.swp", "*.swo", "*~", ".*"}

// ReloadFunc reloads one plugin.
type ReloadFunc func(ctx context.Context, pluginID string) error

type watcherConfig struct {
	logger   *slog.Logger
	excludes []string
	debounce time.Duration
}

func defaultWatcherConfig() watcherConfig {
	return watcherConfig{
		logger:   slog.Default(),
		excludes: DefaultExcludes,
		debounce: DefaultDebounce,
	}
}

// Option configures a Watcher.
type Option func(*watcherConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *watcherConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) Option {
	return func(c *watcherConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithExcludes replaces the ignored file-name globs.
func WithExcludes(globs ...string) Option {
	return func(c *watcherConfig) {
		c.excludes = globs
	}
}

// Watcher maps bundle directories to plugin ids and calls the reload
// function once changes settle.
type Watcher struct {
	fs     *fsnotify.Watcher
	reload ReloadFunc
	cfg    watcherConfig

	mu      sync.Mutex
	dirs    map[string]string
	pending map[string]*time.Timer
}

// New creates a Watcher.
func New(reload ReloadFunc, opts ...Option) (*Watcher, error) {
	cfg := defaultWatcherConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	for _, g := range cfg.excludes {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclude pattern %q", g)
		}
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		fs:      fs,
		reload:  reload,
		cfg:     cfg,
		dirs:    make(map[string]string),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Watch starts watching dir on behalf of pluginID.
func (w *Watcher) Watch(pluginID, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if current, ok := w.dirs[abs]; ok && current == pluginID {
		return nil
	}
	if err := w.fs.Add(abs); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	w.dirs[abs] = pluginID
	w.cfg.logger.Debug("watching plugin bundle", "plugin", pluginID, "dir", abs)
	return nil
}

// Unwatch stops watching every directory of pluginID.
func (w *Watcher) Unwatch(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, id := range w.dirs {
		if id == pluginID {
			_ = w.fs.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	if t, ok := w.pending[pluginID]; ok {
		t.Stop()
		delete(w.pending, pluginID)
	}
}

// Watched returns the plugin watching dir, if any.
func (w *Watcher) Watched(dir string) (string, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.dirs[abs]
	return id, ok
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.cfg.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	name := filepath.Base(ev.Name)
	for _, g := range w.cfg.excludes {
		if ok, _ := doublestar.Match(g, name); ok {
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	pluginID, ok := w.dirs[filepath.Dir(ev.Name)]
	if !ok {
		return
	}
	if t, ok := w.pending[pluginID]; ok {
		t.Reset(w.cfg.debounce)
		return
	}
	w.pending[pluginID] = time.AfterFunc(w.cfg.debounce, func() {
		w.mu.Lock()
		delete(w.pending, pluginID)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.cfg.logger.Info("reloading plugin after bundle change", "plugin", pluginID)
		if err := w.reload(ctx, pluginID); err != nil {
			w.cfg.logger.Error("plugin reload failed", "plugin", pluginID, "error", err)
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
}

// Close stops watching all directories.
func (w *Watcher) Close() error {
	w.stopPending()
	return w.fs.Close()
}
