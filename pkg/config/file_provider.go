package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// BundleWatcher reloads a policy bundle file whenever it changes on disk and
// hands each successfully parsed bundle to a callback.
type BundleWatcher struct {
	path     string
	onChange func(*Bundle)
	logger   *slog.Logger

	startOnce sync.Once
	ctx       context.Context
	reloadMu  sync.Mutex

	mu      sync.RWMutex
	current *Bundle

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBundleWatcher loads the bundle at path and subscribes to its directory.
// The initial load must succeed; later parse failures keep the previous
// bundle. No callback runs until Start.
func NewBundleWatcher(path string, logger *slog.Logger) (*BundleWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	bundle, err := LoadBundle(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &BundleWatcher{
		path:    absPath,
		logger:  logger,
		ctx:     ctx,
		current: bundle,
		watcher: watcher,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	return w, nil
}

// Start begins delivering reloads to onChange, one at a time. Changes made
// between NewBundleWatcher and Start are picked up once it runs. Only the
// first call has an effect.
func (w *BundleWatcher) Start(onChange func(*Bundle)) {
	w.startOnce.Do(func() {
		w.onChange = onChange
		go w.watchLoop(w.ctx)
	})
}

// Current returns the most recently loaded bundle.
func (w *BundleWatcher) Current() *Bundle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher and cleans up resources.
func (w *BundleWatcher) Close() error {
	w.startOnce.Do(func() { close(w.done) })
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *BundleWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.reload()
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy bundle watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *BundleWatcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	bundle, err := LoadBundle(w.path)
	if err != nil {
		w.logger.Error("policy bundle reload failed, keeping previous bundle", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = bundle
	w.mu.Unlock()

	w.logger.Info("policy bundle reloaded", "path", w.path, "policies", len(bundle.Policies))
	if w.onChange != nil {
		w.onChange(bundle)
	}
}
