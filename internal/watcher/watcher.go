// Package watcher reports changes another process makes to the SQLite
// database file, so a long-running command can reload its month.
// Bursts of writes are debounced into one notification.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"todocal/internal/utils"
)

const (
	// DefaultDebounceDuration is the default debounce window for batching rapid changes.
	DefaultDebounceDuration = 500 * time.Millisecond

	// DefaultQuietPeriod defers the notification while writes keep arriving,
	// e.g. during another process's multi-statement transaction.
	DefaultQuietPeriod = 0
)

// Config holds file watcher configuration.
type Config struct {
	Path             string        // Database file; its -wal and -journal siblings count too
	DebounceDuration time.Duration // Debounce window to batch rapid changes
	QuietPeriod      time.Duration // Quiet period to wait for writes to stop (0 = disabled)
	OnChange         func()        // Called on the watcher goroutine
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(path string, onChange func()) *Config {
	return &Config{
		Path:             path,
		DebounceDuration: DefaultDebounceDuration,
		QuietPeriod:      DefaultQuietPeriod,
		OnChange:         onChange,
	}
}

// Watcher monitors the database directory and calls OnChange.
type Watcher struct {
	cfg     *Config
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
}

// New creates a new Watcher instance.
func New(cfg *Config) (*Watcher, error) {
	if cfg.Path == "" || cfg.Path == ":memory:" {
		return nil, fmt.Errorf("cannot watch database %q", cfg.Path)
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = DefaultDebounceDuration
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file
// because SQLite replaces and appends to sibling files.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	if w.started {
		return nil
	}

	dir := filepath.Dir(w.cfg.Path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	w.started = true

	go w.eventLoop()
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	_ = w.fsw.Close()
	w.mu.Unlock()

	if started {
		<-w.doneCh
	}
}

// relevant reports whether an event touches the database or its siblings
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return strings.HasPrefix(filepath.Base(event.Name), filepath.Base(w.cfg.Path))
}

// eventLoop processes fsnotify events with debouncing and smart timing.
func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	// Every event restarts the window; the quiet period, when set, is the
	// longer of the two.
	window := w.cfg.DebounceDuration
	if w.cfg.QuietPeriod > window {
		window = w.cfg.QuietPeriod
	}
	reset := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(window, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			utils.Debugf("watcher: %s", event)
			reset()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Log errors but continue watching
			utils.Warnf("watcher: %v", err)

		case <-fire:
			if w.cfg.OnChange != nil {
				w.cfg.OnChange()
			}
		}
	}
}
