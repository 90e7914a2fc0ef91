package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when its content changes. Only configs that
// pass [Validate] are handed on; a broken edit leaves the running config in
// place and is reported once until the file changes again.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	current  *Config
	modified time.Time
	accepted [sha256.Size]byte
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and returns a watcher seeded with it. The file
// must be valid at this point.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(snap.data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.modified, w.accepted = cfg, snap.modified, snap.sum
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done and calls apply with the previous and
// the new config after every accepted change. apply runs on the Run
// goroutine.
func (w *Watcher) Run(ctx context.Context, apply func(old, new *Config)) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		old, cfg, err := w.Poll()
		switch {
		case err != nil:
			w.log.Warn("config: reload rejected, keeping running config", "path", w.path, "err", err)
		case cfg != nil:
			w.log.Info("config: reloaded", "path", w.path)
			if apply != nil {
				apply(old, cfg)
			}
		}
	}
}

// Poll checks the file once. It returns the previous and the new config when
// the file now holds a different valid config, and an error the first time a
// given invalid content is seen. Both configs are nil when nothing changed.
func (w *Watcher) Poll() (old, cfg *Config, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modified)
	w.mu.Unlock()
	if unchanged {
		return nil, nil, nil
	}

	snap, err := w.read()
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.modified = snap.modified
	if snap.sum == w.accepted || snap.sum == w.rejected {
		return nil, nil, nil
	}
	cfg, err = LoadFromReader(bytes.NewReader(snap.data))
	if err != nil {
		w.rejected = snap.sum
		return nil, nil, err
	}
	old, w.current, w.accepted = w.current, cfg, snap.sum
	return old, cfg, nil
}

type snapshot struct {
	data     []byte
	sum      [sha256.Size]byte
	modified time.Time
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{data: data, sum: sha256.Sum256(data), modified: info.ModTime()}, nil
}
