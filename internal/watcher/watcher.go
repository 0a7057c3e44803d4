// Package watcher reloads rule manifests dropped into watched directories.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/ingest"
	"github.com/hyperjump/arbiter/pkg/utils"
)

const defaultDebounce = 400 * time.Millisecond

// Reloader applies manifest changes.
type Reloader interface {
	LoadManifest(ctx context.Context, path string) (*ingest.Report, error)
	Unload(ctx context.Context, path string) (int, error)
}

// Watcher watches manifest directories and reloads manifests when they change.
// Writes to the same path within the debounce window collapse into one reload.
type Watcher struct {
	roots      []string
	extensions []string
	recursive  bool
	reloader   Reloader
	debounce   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	watcher  *fsnotify.Watcher
	pending  map[string]*time.Timer
	inflight sync.WaitGroup
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for reload events.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the reload debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher over cfg.Directories.
func New(cfg config.WatchConfig, reloader Reloader, opts ...Option) *Watcher {
	roots := make([]string, 0, len(cfg.Directories))
	for _, dir := range cfg.Directories {
		if abs, err := filepath.Abs(dir); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}
	w := &Watcher{
		roots:      roots,
		extensions: cfg.Extensions,
		recursive:  cfg.RecursiveOrDefault(),
		reloader:   reloader,
		debounce:   defaultDebounce,
		pending:    make(map[string]*time.Timer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = utils.OrNop(w.logger)
	return w
}

// Start adds the roots (creating missing ones), loads the manifests already present,
// and then watches until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.mu.Unlock()
			return err
		}
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("watching manifest directories",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	for _, root := range w.roots {
		w.syncDirectory(ctx, root)
	}
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
		if ingest.ExtensionAllowed(path, w.extensions) {
			w.scheduleReload(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelReload(path)
		if ingest.ExtensionAllowed(path, w.extensions) {
			w.unload(path)
		}
	}
}

// handleNewDirectory watches a directory created or moved under a root and loads the
// manifests inside it.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	fw, ctx := w.watcher, w.ctx
	if fw == nil {
		w.mu.Unlock()
		return
	}
	if w.recursive {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if err := fw.Add(path); err != nil {
					w.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		})
	} else if err := fw.Add(dir); err != nil {
		w.logger.Warn("failed to watch directory", zap.String("path", dir), zap.Error(err))
	}
	w.mu.Unlock()
	w.syncDirectory(ctx, dir)
}

func (w *Watcher) underRoot(path string) bool {
	for _, root := range w.roots {
		if root == path || inDir(root, path) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		ctx, started := w.ctx, w.started
		if started {
			w.inflight.Add(1)
		}
		w.mu.Unlock()
		if !started {
			return
		}
		defer w.inflight.Done()
		w.reload(ctx, path)
	})
}

func (w *Watcher) cancelReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	rep, err := w.reloader.LoadManifest(ctx, path)
	if err != nil {
		w.logger.Warn("manifest reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	if rep.Skipped {
		return
	}
	w.logger.Info("manifest reloaded",
		zap.String("path", path),
		zap.Int64("game_id", rep.GameID),
		zap.Int("chunks", rep.Chunks))
}

func (w *Watcher) unload(path string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	removed, err := w.reloader.Unload(ctx, path)
	if err != nil {
		w.logger.Warn("manifest unload failed", zap.String("path", path), zap.Error(err))
		return
	}
	if removed > 0 {
		w.logger.Info("manifest removed", zap.String("path", path), zap.Int("chunks", removed))
	}
}

func (w *Watcher) addRootLocked(root string) error {
	if _, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return err
		}
	}
	if !w.recursive {
		return w.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) syncDirectory(ctx context.Context, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !w.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if ingest.ExtensionAllowed(path, w.extensions) {
			w.reload(ctx, path)
		}
		return ctx.Err()
	})
}

// Directories returns a copy of the watched roots.
func (w *Watcher) Directories() []string {
	return append([]string(nil), w.roots...)
}

// Stop stops watching and waits for in-flight reloads to finish. Pending debounced
// reloads are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.inflight.Wait()
}
