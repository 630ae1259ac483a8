package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"aufhsm/internal/logging"
)

const defaultDebounce = 200 * time.Millisecond

// ConfigWatcher triggers a reload when the configuration file is written,
// created or renamed into place. Editors that replace files are covered
// because the parent directory is watched.
type ConfigWatcher struct {
	path     string
	logger   *slog.Logger
	trigger  Trigger
	debounce time.Duration
}

// NewConfigWatcher watches path.
func NewConfigWatcher(path string, logger *slog.Logger, trigger Trigger) *ConfigWatcher {
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		logger:   logging.NewComponentLogger(logger, "config-watch"),
		trigger:  trigger,
		debounce: defaultDebounce,
	}
}

// Run blocks until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.fire)
			mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", logging.Error(err))
		}
	}
}

func (w *ConfigWatcher) fire() {
	w.logger.Info("configuration changed, reloading watermarks",
		logging.String(logging.FieldEventType, "config_changed"),
		logging.String("path", w.path),
	)
	if w.trigger != nil {
		w.trigger(SourceConfig)
	}
}
