package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

const defaultReloadDebounce = 200 * time.Millisecond

// ReloadFunc receives each successfully reloaded catalog.
type ReloadFunc func(ctx context.Context, catalog domain.Catalog)

// Watcher reloads the config file whenever it changes on disk.
type Watcher struct {
	path     string
	loader   *Loader
	onReload ReloadFunc
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(path string, loader *Loader, onReload ReloadFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = NewLoader(logger)
	}
	return &Watcher{
		path:     path,
		loader:   loader,
		onReload: onReload,
		debounce: defaultReloadDebounce,
		logger:   logger.Named("catalog_watcher"),
	}
}

// Run blocks until ctx is done. The parent directory is watched so editors that replace the file are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	catalog, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.logger.Warn("config reload failed; keeping previous config", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config changed", zap.String("path", w.path), zap.Int("servers", len(catalog.Servers)))
	if w.onReload != nil {
		w.onReload(ctx, catalog)
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
