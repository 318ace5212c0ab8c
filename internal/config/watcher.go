package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceDelay coalesces the burst of events an editor or deploy tool
// produces for one logical file change.
const debounceDelay = 500 * time.Millisecond

// Watcher monitors the config file and reloads it on change. A reload that
// fails to parse or validate keeps the previous config.
type Watcher struct {
	path        string
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
	current     *Config
}

// NewWatcher creates a watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config) (*Watcher, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("config has no file path to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		path:    cfg.Path,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		current: cfg,
	}, nil
}

// Current returns the latest successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.current
}

// AddCallback registers a function to be called after each reload.
func (w *Watcher) AddCallback(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config file changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}

	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}

	// Watch the directory rather than the file: editors and deploy tools
	// replace the file by rename, which ends a file-level watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	return w.watcher.Close()
}

// watchLoop monitors file system events.
func (w *Watcher) watchLoop() {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !w.isConfigEvent(event) {
				continue
			}

			debounceTimer.Stop()
			debounceTimer = time.AfterFunc(debounceDelay, w.handleChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("config watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

// isConfigEvent checks if an event concerns our config file.
func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Name != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// handleChange reloads the config once the file settles.
func (w *Watcher) handleChange() {
	stat, err := os.Stat(w.path)
	if err != nil {
		// File gone mid-rename, the follow-up create event retries.
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		logrus.Errorf("config reload failed, keeping previous config: %v", err)
		return
	}

	w.apply(cfg)
	logrus.Info("configuration reloaded")
}

// TriggerReload reloads the config file immediately, bypassing the
// modification-time guard.
func (w *Watcher) TriggerReload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.apply(cfg)
	return nil
}

// apply swaps the current config and notifies callbacks.
func (w *Watcher) apply(cfg *Config) {
	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, callback := range callbacks {
		callback(cfg)
	}
}
