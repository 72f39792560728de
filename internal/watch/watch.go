// Package watch keeps the parse cache fresh by invalidating entries when
// source files change on disk.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"golang.org/x/time/rate"

	"github.com/phobologic/repomap/internal/metrics"
)

// DefaultDebounce is the quiet period before pending changes are flushed.
const DefaultDebounce = 300 * time.Millisecond

// DefaultExcludeDirs are directory base names that are never watched.
var DefaultExcludeDirs = []string{".*", "node_modules", "vendor", "__pycache__", "target", "dist", "build"}

// Invalidator drops cached state for a path.
type Invalidator interface {
	Invalidate(absPath string)
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	// MinInterval spaces consecutive OnChange calls at least this far
	// apart. Zero disables the limit.
	MinInterval time.Duration
	// ExcludeDirs are globs matched against directory base names. Nil means
	// DefaultExcludeDirs.
	ExcludeDirs []string
	// Filter reports whether a changed file is of interest. Nil accepts all.
	Filter func(path string) bool
	// Cache is invalidated for every changed file before OnChange runs.
	Cache Invalidator
	// OnChange receives the sorted absolute paths of a debounced batch.
	OnChange func(ctx context.Context, paths []string)
	Logger   *slog.Logger
}

// Watcher watches a directory tree.
type Watcher struct {
	fsw         *fsnotify.Watcher
	root        string
	opts        Options
	excludeDirs []glob.Glob
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	flushes chan struct{}
}

// New registers watches on root and every non-excluded directory below it.
func New(root string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.ExcludeDirs == nil {
		opts.ExcludeDirs = DefaultExcludeDirs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	w := &Watcher{
		root:    abs,
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Inf, 1),
		pending: make(map[string]struct{}),
		flushes: make(chan struct{}, 1),
	}
	if opts.MinInterval > 0 {
		w.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	for _, pattern := range opts.ExcludeDirs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		w.excludeDirs = append(w.excludeDirs, g)
	}

	w.fsw, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.addTree(abs); err != nil {
		w.fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.excludedDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) excludedDir(path string) bool {
	base := filepath.Base(path)
	for _, g := range w.excludeDirs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// Run processes events until ctx is done, then releases the watches.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.flushes:
			w.flush(ctx)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.excludedDir(ev.Name) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if w.opts.Filter != nil && !w.opts.Filter(ev.Name) {
		return
	}

	metrics.WatcherEventsTotal.Inc()
	w.mu.Lock()
	w.pending[ev.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		select {
		case w.flushes <- struct{}{}:
		default:
		}
	})
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	if w.opts.Cache != nil {
		for _, p := range paths {
			w.opts.Cache.Invalidate(p)
		}
	}
	w.logger.Debug("files changed", "count", len(paths))
	if w.opts.OnChange == nil {
		return
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	w.opts.OnChange(ctx, paths)
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.fsw.Close()
}
