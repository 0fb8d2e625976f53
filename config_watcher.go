// config_watcher.go: hot reload of the runtime-tunable server settings with Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcherOptions configures a ConfigWatcher.
type ConfigWatcherOptions struct {
	// PollInterval for file watching.
	PollInterval time.Duration

	// CacheTTL for Argus stat caching. Should be <= PollInterval.
	CacheTTL time.Duration
}

// DefaultConfigWatcherOptions returns the default polling settings.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     1 * time.Second,
	}
}

// ConfigWatcher reloads a ServerConfig whenever its file changes and hands
// every valid new configuration to a callback. Invalid files are logged and
// ignored; the previous configuration stays in effect.
type ConfigWatcher struct {
	watcher    *argus.Watcher
	configPath string
	logger     Logger
	onChange   func(*ServerConfig) error

	current  atomic.Pointer[ServerConfig]
	reloads  atomic.Int64
	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewConfigWatcher creates a watcher for configPath. onChange is called on
// the watcher goroutine with each successfully loaded configuration.
func NewConfigWatcher(configPath string, onChange func(*ServerConfig) error, options ConfigWatcherOptions, logger any) (*ConfigWatcher, error) {
	if configPath == "" {
		return nil, NewConfigWatcherError("config path is required", nil)
	}
	if onChange == nil {
		return nil, NewConfigWatcherError("change callback is required", nil)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	internalLogger := NewLogger(logger)
	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			internalLogger.Error("Argus file watching error", "error", err, "file", path)
		},
	})

	return &ConfigWatcher{
		watcher:    watcher,
		configPath: configPath,
		logger:     internalLogger,
		onChange:   onChange,
	}, nil
}

// Start loads the file once, applies it and begins watching.
func (cw *ConfigWatcher) Start() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", nil)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	initial, err := LoadServerConfig(cw.configPath)
	if err != nil {
		cw.enabled.Store(false)
		return err
	}
	if err := cw.onChange(&initial); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to apply initial configuration", err)
	}
	cw.current.Store(&initial)

	if err := cw.watcher.Watch(cw.configPath, cw.handleConfigChange); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}

	cw.logger.Info("Configuration watcher started", "config_path", cw.configPath)
	return nil
}

// Stop stops watching. A stopped watcher cannot be restarted.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()

		cw.stopped.Store(true)
		if !cw.enabled.CompareAndSwap(true, false) {
			return
		}
		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped")
	})
	return stopErr
}

// Current returns the last applied configuration, or nil before Start.
func (cw *ConfigWatcher) Current() *ServerConfig {
	return cw.current.Load()
}

// Reloads returns how many changes have been applied since Start.
func (cw *ConfigWatcher) Reloads() int64 {
	return cw.reloads.Load()
}

func (cw *ConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	cw.logger.Info("Configuration file change detected",
		"path", event.Path,
		"mod_time", event.ModTime,
		"size", event.Size)

	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current settings", "path", event.Path)
		return
	}
	cw.reload(event.Path)
}

func (cw *ConfigWatcher) reload(path string) {
	next, err := LoadServerConfig(path)
	if err != nil {
		cw.logger.Error("Failed to load new configuration", "error", err, "path", path)
		return
	}
	if err := cw.onChange(&next); err != nil {
		cw.logger.Error("Failed to apply configuration changes", "error", err)
		return
	}
	cw.current.Store(&next)
	cw.reloads.Add(1)
	cw.logger.Info("Configuration reload completed",
		"log_level", next.LogLevel,
		"max_call_depth", next.MaxCallDepth,
		"eval_timeout", next.EvalTimeout.Std())
}
