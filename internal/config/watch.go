package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/telemetry"
)

// FilterWatcher hot-reloads an operator write-filter-rule file, grounded on
// skills.Manager's StartWatching/watchLoop debounce pattern: fsnotify
// events are coalesced behind a short timer so a handful of rapid writes
// from an editor trigger one reload instead of several.
type FilterWatcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu      sync.RWMutex
	current []normalize.WriteFilterRule

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFilterWatcher loads path once synchronously, so callers always have a
// valid rule set even if Start is never called. metrics may be nil.
func NewFilterWatcher(path string, metrics *telemetry.Metrics, logger *slog.Logger) (*FilterWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := LoadFilterRules(path)
	if err != nil {
		return nil, err
	}
	return &FilterWatcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		logger:   logger.With("component", "config.filterwatcher"),
		metrics:  metrics,
		current:  rules,
	}, nil
}

// Rules returns the most recently loaded rule set.
func (w *FilterWatcher) Rules() []normalize.WriteFilterRule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]normalize.WriteFilterRule(nil), w.current...)
}

// Start begins watching w.path for changes. A no-op if path is empty.
func (w *FilterWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watcher, if running.
func (w *FilterWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *FilterWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	reload := func() {
		rules, err := LoadFilterRules(w.path)
		if err != nil {
			w.logger.Warn("filter rule reload failed", "error", err)
			w.metrics.FilterReloadFailed()
			return
		}
		w.mu.Lock()
		w.current = rules
		w.mu.Unlock()
		w.logger.Info("filter rules reloaded", "count", len(rules))
		w.metrics.FilterReloadSucceeded()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
			timerMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filter watcher error", "error", err)
		}
	}
}
