package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the config file under observation and hands every valid,
// hot-reloadable change to a callback. Invalid edits are logged and ignored
// so the last good config stays in effect. Edits that touch only settings
// which need a restart update [Watcher.Current] but do not fire the callback.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	current atomic.Pointer[Config]
	seen    fileStamp // owned by the poll goroutine after NewWatcher returns

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// fileStamp identifies one revision of the config file.
type fileStamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in the background. apply may be
// nil. Call [Watcher.Stop] to end polling.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.seen = stamp

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat failed", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seen.mod) && info.Size() == w.seen.size {
		return
	}

	cfg, stamp, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}
	unchanged := stamp.sum == w.seen.sum
	w.seen = stamp
	if unchanged {
		return
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes take effect after restart", "sections", d.RestartRequired)
	}
	if !d.Changed() {
		return
	}
	slog.Info("config: reloaded", "path", w.path,
		"log_level", d.LogLevelChanged,
		"batch_limits", d.BatchLimitsChanged,
		"segmenter", d.SegmenterChanged,
		"chunker", d.ChunkerChanged,
	)
	if w.apply != nil {
		w.apply(old, cfg)
	}
}

// read parses and validates the file and stamps the revision it read.
func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mod: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
