// config_watcher.go: Hot reload of host configuration through Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigApplier receives reloaded configurations. Host implements it.
type ConfigApplier interface {
	ApplyConfig(config Config) error
}

// ConfigWatcherOptions tunes the Argus watcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	CacheTTL     time.Duration     `json:"cache_ttl" yaml:"cache_ttl"`
	AuditConfig  argus.AuditConfig `json:"audit_config" yaml:"audit_config"`
}

// DefaultConfigWatcherOptions polls every 5 seconds with auditing disabled.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 5 * time.Second,
		CacheTTL:     2 * time.Second,
		AuditConfig: argus.AuditConfig{
			Enabled:       false,
			MinLevel:      argus.AuditInfo,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
		},
	}
}

// ConfigWatcher reloads a configuration file when it changes and hands the
// validated result to a ConfigApplier. Invalid files are logged and ignored,
// leaving the last good configuration active.
//
// Example usage:
//
//	watcher, err := NewConfigWatcher(host, "pluginhost.yaml", DefaultConfigWatcherOptions(), logger)
//	if err != nil {
//	    return err
//	}
//	if err := watcher.Start(); err != nil {
//	    return err
//	}
//	defer watcher.Stop()
type ConfigWatcher struct {
	applier    ConfigApplier
	configPath string
	logger     Logger
	watcher    *argus.Watcher

	mu       sync.Mutex
	running  atomic.Bool
	stopped  atomic.Bool
	current  atomic.Pointer[Config]
	reloads  atomic.Int64
	failures atomic.Int64
}

// NewConfigWatcher creates a watcher for configPath.
func NewConfigWatcher(applier ConfigApplier, configPath string, options ConfigWatcherOptions, logger any) (*ConfigWatcher, error) {
	if applier == nil {
		return nil, NewInvalidArgumentError("applier", "a config applier is required")
	}
	if configPath == "" {
		return nil, NewInvalidArgumentError("config_path", "a configuration path is required")
	}
	internalLogger := NewLogger(logger).With("component", "config_watcher")

	defaults := DefaultConfigWatcherOptions()
	if options.PollInterval <= 0 {
		options.PollInterval = defaults.PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		Audit:                options.AuditConfig,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			internalLogger.Error("Config file watching error", "error", err, "file", filepath)
		},
	})

	return &ConfigWatcher{
		applier:    applier,
		configPath: configPath,
		logger:     internalLogger,
		watcher:    watcher,
	}, nil
}

// Start loads and applies the current file, then watches it for changes.
func (cw *ConfigWatcher) Start() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("watcher has been stopped", nil)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("watcher is already running", nil)
	}

	if err := cw.reload(cw.configPath); err != nil {
		cw.running.Store(false)
		return err
	}
	if err := cw.watcher.Watch(cw.configPath, cw.handleChange); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to watch "+cw.configPath, err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to start file watcher", err)
	}

	cw.logger.Info("Config watcher started", "path", cw.configPath)
	return nil
}

// Stop halts watching. A stopped watcher cannot be restarted.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running.CompareAndSwap(true, false) {
		return nil
	}
	cw.stopped.Store(true)
	if err := cw.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop file watcher", err)
	}
	cw.logger.Info("Config watcher stopped", "path", cw.configPath)
	return nil
}

// IsRunning reports whether the watcher is active.
func (cw *ConfigWatcher) IsRunning() bool {
	return cw.running.Load()
}

// Current returns the last applied configuration.
func (cw *ConfigWatcher) Current() (Config, bool) {
	c := cw.current.Load()
	if c == nil {
		return Config{}, false
	}
	return *c, true
}

// Stats returns the number of applied and rejected reloads.
func (cw *ConfigWatcher) Stats() (reloads, failures int64) {
	return cw.reloads.Load(), cw.failures.Load()
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	defer withStackRecover(cw.logger, "path", event.Path)()

	cw.logger.Debug("Config file change detected",
		"path", event.Path,
		"mod_time", event.ModTime,
		"is_create", event.IsCreate,
		"is_delete", event.IsDelete,
		"is_modify", event.IsModify)

	if event.IsDelete {
		cw.logger.Warn("Config file deleted, keeping current configuration", "path", event.Path)
		return
	}
	if err := cw.reload(event.Path); err != nil {
		cw.logger.Error("Config reload rejected", "path", event.Path, "error", err)
	}
}

func (cw *ConfigWatcher) reload(path string) error {
	config, err := LoadConfigFromFile(path)
	if err != nil {
		cw.failures.Add(1)
		return err
	}
	if err := cw.applier.ApplyConfig(config); err != nil {
		cw.failures.Add(1)
		return err
	}
	cw.current.Store(&config)
	cw.reloads.Add(1)
	cw.logger.Info("Configuration applied", "path", path)
	return nil
}
