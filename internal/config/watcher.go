package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and hands each valid edit to a callback as an
// (applied, edited) pair. Invalid edits are logged and ignored.
//
// A hold predicate can defer delivery, e.g. while a live talk is setting up
// its connection. Edits made during a hold coalesce: the callback later sees
// the last applied config and the newest one, once.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	hold     func() bool
	log      *slog.Logger

	mu        sync.Mutex
	latest    *Config // newest valid file content
	applied   *Config // last config handed to onChange
	held      bool
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
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

// WithHold defers reload callbacks while hold returns true.
func WithHold(hold func() bool) WatcherOption {
	return func(w *Watcher) { w.hold = hold }
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and starts polling it in the background.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "config", "path", path)

	cfg, hash, mtime, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.latest, w.applied = cfg, cfg
	w.lastHash, w.lastMtime = hash, mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config, which may still be
// held back from the callback.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Pending reports whether a loaded edit is waiting for the hold to lift.
func (w *Watcher) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest != w.applied
}

// Stop ends polling. Pending edits are dropped.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
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
			w.deliver()
		}
	}
}

// check picks up a changed file. An mtime bump with identical bytes is not
// a change.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watcher cannot stat file", "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, hash, mtime, err := load(w.path)
	if err != nil {
		w.log.Warn("config: edit rejected, keeping previous config", "err", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastMtime = mtime
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash
	w.latest = cfg
}

// deliver hands the newest config to onChange unless it is already applied
// or the hold is active.
func (w *Watcher) deliver() {
	w.mu.Lock()
	pending := w.latest != w.applied
	w.mu.Unlock()
	if !pending {
		return
	}

	// The hold callback runs unlocked; it usually queries session state.
	if w.hold != nil && w.hold() {
		w.mu.Lock()
		first := !w.held
		w.held = true
		w.mu.Unlock()
		if first {
			w.log.Info("config: edit held until the live talk is connected")
		}
		return
	}

	w.mu.Lock()
	old, cfg := w.applied, w.latest
	w.applied, w.held = cfg, false
	w.mu.Unlock()

	w.log.Info("config: reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load reads, parses and validates path, returning the config together with
// the SHA-256 of the raw bytes and the modification time.
func load(path string) (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	f, err := os.Open(path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
