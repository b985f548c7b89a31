package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"sentinel/internal/logger"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a rule file into a Registry when it changes on disk.
// A file that fails to parse or validate leaves the live rules untouched.
type Watcher struct {
	path     string
	registry *Registry
	debounce time.Duration
	watcher  *fsnotify.Watcher
	onReload func(version int64, err error)
}

// NewWatcher watches the directory holding path so editor-style atomic
// replaces are seen.
func NewWatcher(path string, registry *Registry, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rule watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch rule directory: %w", err)
	}
	return &Watcher{path: abs, registry: registry, debounce: debounce, watcher: fw}, nil
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(fn func(version int64, err error)) {
	w.onReload = fn
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Rule watcher error: %v", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadRuleFile(w.path)
	if err == nil {
		err = w.registry.Replace(rules)
	}
	version := w.registry.Snapshot().Version
	if err != nil {
		logger.Warnf("Rule reload failed, keeping version %d: %v", version, err)
	} else {
		logger.Infof("Rules reloaded from %s: %d rules, version %d", w.path, len(rules), version)
	}
	if w.onReload != nil {
		w.onReload(version, err)
	}
}
