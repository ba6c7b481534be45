package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// defaultPollInterval is how often the watcher re-reads the config file.
const defaultPollInterval = 5 * time.Second

// Watcher polls a configuration file for changes and invokes a callback with
// the freshly loaded configuration when its contents change.
//
// Polling is used instead of inotify so the watcher behaves the same across
// platforms and through symlink swaps (Kubernetes ConfigMap mounts replace
// the symlink target rather than writing the file in place).
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Config)
	logger   *slog.Logger

	lastSum [sha256.Size]byte
}

// NewWatcher creates a watcher for the file at path. onChange is called from
// the watcher goroutine whenever the file changes and loads successfully.
func NewWatcher(path string, onChange func(Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. The initial file contents establish the
// baseline; only subsequent changes trigger the callback.
func (w *Watcher) Run(ctx context.Context) error {
	if data, err := os.ReadFile(w.path); err == nil {
		w.lastSum = sha256.Sum256(data)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config watcher read failed", "path", w.path, "error", err)
		return
	}

	sum := sha256.Sum256(data)
	if sum == w.lastSum {
		return
	}
	w.lastSum = sum

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config changed but failed to load, keeping previous", "path", w.path, "error", err)
		return
	}

	w.logger.Info("configuration reloaded", "path", w.path)
	w.onChange(cfg)
}
