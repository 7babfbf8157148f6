package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file for changes and calls a callback when the
// file is modified. It polls the modification time and compares content
// hashes, so editors that rewrite the file without changing it do not
// trigger a reload. Invalid edits are logged and the previous config is kept.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// reloadMu serialises reloads from the poll loop and Reload.
	reloadMu sync.Mutex

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.lastHash, w.lastMtime = st.cfg, st.hash, st.mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// Reload re-reads the file now, regardless of its modification time. It
// reports whether the content changed and a valid config was applied.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	st, err := w.read()
	if err != nil {
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	return w.apply(st), nil
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its modification time moved.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	st, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	w.apply(st)
}

// apply installs st when its content differs from the current config and
// invokes the callback outside the lock so it can safely call Current().
func (w *Watcher) apply(st fileState) bool {
	w.mu.Lock()
	w.lastMtime = st.mtime
	if st.hash == w.lastHash {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current = st.cfg
	w.lastHash = st.hash
	w.mu.Unlock()

	d := Diff(old, st.cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"changed", d.Sections(),
		"restart_required", d.RestartRequired(),
	)
	if w.onChange != nil {
		w.onChange(old, st.cfg)
	}
	return true
}

type fileState struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// read loads, hashes and validates the config file. An invalid file yields
// an error and leaves the watcher untouched.
func (w *Watcher) read() (fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}
	return fileState{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
