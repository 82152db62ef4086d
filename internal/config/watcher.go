package config

import (
	"context"
	"os"
	"reflect"
	"sync"
	"time"

	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 5 * time.Second
	// Give the writer a moment to finish before parsing a changed file.
	writeSettleDelay = 100 * time.Millisecond
)

// Watcher polls a configuration file and hands reloaded configs to registered
// callbacks. Polling keeps it working on filesystems where inotify is
// unreliable, bind mounts included.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	interval time.Duration

	mu        sync.RWMutex
	current   *models.Config
	callbacks []func(*models.Config)
}

// NewConfigWatcher creates a watcher for the given config path.
func NewConfigWatcher(path string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		interval: defaultPollInterval,
	}
}

// GetConfig returns the most recently loaded configuration.
func (w *Watcher) GetConfig() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnConfigChange registers a callback invoked after every successful reload.
// Callbacks run on their own goroutines and must tolerate being called
// concurrently with each other.
func (w *Watcher) OnConfigChange(callback func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start loads the initial configuration and then blocks, polling for file
// changes until the context is cancelled. The initial load does not trigger
// callbacks.
func (w *Watcher) Start(ctx context.Context) error {
	initial, err := LoadConfig(w.path)
	if err != nil {
		return err
	}

	stat, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	lastMod := stat.ModTime()

	w.mu.Lock()
	w.current = initial
	w.mu.Unlock()

	w.logger.WithField("path", w.path).Info("Configuration watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				w.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}
			if !stat.ModTime().After(lastMod) {
				continue
			}
			lastMod = stat.ModTime()
			time.Sleep(writeSettleDelay)
			w.reload()
		}
	}
}

// reload parses the file and swaps in the new configuration. A parse or
// validation failure keeps the previous configuration in place.
func (w *Watcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Configuration reload failed, keeping previous configuration")
		return
	}

	w.mu.Lock()
	prev := w.current
	if prev != nil && reflect.DeepEqual(prev, next) {
		w.mu.Unlock()
		w.logger.Debug("Configuration file touched but unchanged")
		return
	}
	w.current = next
	callbacks := make([]func(*models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded")
	w.announceChanges(prev, next)

	for _, callback := range callbacks {
		go func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(next)
		}(callback)
	}
}

// announceChanges logs the operationally interesting deltas between configs.
func (w *Watcher) announceChanges(prev, next *models.Config) {
	if prev == nil {
		return
	}

	if prev.LogLevel != next.LogLevel {
		w.logger.WithFields(logrus.Fields{
			"old": prev.LogLevel,
			"new": next.LogLevel,
		}).Info("Log level changed")
	}

	if prev.Queue.DefaultWaitTimeoutMinutes != next.Queue.DefaultWaitTimeoutMinutes {
		w.logger.WithFields(logrus.Fields{
			"old": prev.Queue.DefaultWaitTimeoutMinutes,
			"new": next.Queue.DefaultWaitTimeoutMinutes,
		}).Info("Queue wait timeout changed")
	}

	if len(prev.Channels) != len(next.Channels) {
		w.logger.WithFields(logrus.Fields{
			"old_count": len(prev.Channels),
			"new_count": len(next.Channels),
		}).Info("Number of channels changed")
	}
}
