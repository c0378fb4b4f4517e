package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"github.com/vision-alert/alert-server/internal/logger"
)

// Watcher reloads the config file and reports the runtime tunables whenever it changes.
// Editors often write through a rename, so the parent directory is watched.
type Watcher struct {
	path     string
	onChange func(Tunables)
	delay    time.Duration
	fw       *fsnotify.Watcher
}

// NewWatcher prepares a watcher for path. Changes are coalesced over delay.
func NewWatcher(path string, delay time.Duration, onChange func(Tunables)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &Watcher{path: path, onChange: onChange, delay: delay, fw: fw}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	debounced := debounce.New(w.delay)
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounced(w.reload)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config", "Watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Warn("Config", "Reload failed: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("Config", "Reloaded config rejected: %v", err)
		return
	}
	t := cfg.Tunables()
	logger.Info("Config", "Reloaded: confidence=%.2f tts=%v persistence=%d", t.Confidence, t.TTSEnabled, t.Persistence)
	w.onChange(t)
}
