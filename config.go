// config.go: Configuration of the plugin host lifecycle core
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// StateMachineConfig holds the recovery policy installed on the load edges.
type StateMachineConfig struct {
	// DefaultRecovery applies to discovered->loading and unloaded->loading when set.
	DefaultRecovery *RecoveryPolicy `json:"default_recovery,omitempty" yaml:"default_recovery,omitempty"`
}

// ResolverConfig controls dependency waits and resolution metrics.
type ResolverConfig struct {
	DefaultMaxWaitTime     time.Duration `json:"default_max_wait_time" yaml:"default_max_wait_time"`
	EnableTimeoutWarnings  bool          `json:"enable_timeout_warnings" yaml:"enable_timeout_warnings"`
	TrackResolutionMetrics bool          `json:"track_resolution_metrics" yaml:"track_resolution_metrics"`
	MetricsRetention       time.Duration `json:"metrics_retention" yaml:"metrics_retention"`
	MaxMetricsEntries      int           `json:"max_metrics_entries" yaml:"max_metrics_entries"`
}

// DefaultResolverConfig returns 30s waits and 5 minute / 1000 entry metrics pruning.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		DefaultMaxWaitTime:     30 * time.Second,
		EnableTimeoutWarnings:  true,
		TrackResolutionMetrics: true,
		MetricsRetention:       5 * time.Minute,
		MaxMetricsEntries:      1000,
	}
}

// ApplyDefaults fills zero values.
func (c *ResolverConfig) ApplyDefaults() {
	d := DefaultResolverConfig()
	if c.DefaultMaxWaitTime <= 0 {
		c.DefaultMaxWaitTime = d.DefaultMaxWaitTime
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = d.MetricsRetention
	}
	if c.MaxMetricsEntries <= 0 {
		c.MaxMetricsEntries = d.MaxMetricsEntries
	}
}

// WaitOptions returns the per-call options implied by the configuration.
func (c ResolverConfig) WaitOptions() WaitOptions {
	return WaitOptions{
		MaxWaitTime:            c.DefaultMaxWaitTime,
		EnableTimeoutWarnings:  c.EnableTimeoutWarnings,
		TrackResolutionMetrics: c.TrackResolutionMetrics,
	}
}

// HealthCheckConfig controls the dependency health sweep.
type HealthCheckConfig struct {
	Enabled                bool          `json:"enabled" yaml:"enabled"`
	Interval               time.Duration `json:"interval" yaml:"interval"`
	ProbeTimeout           time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	WorkerPoolSize         int           `json:"worker_pool_size" yaml:"worker_pool_size"`
}

// DefaultHealthCheckConfig returns a 30s sweep with 5s probes, 3 failures
// before unhealthy and 16 probe workers.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:                true,
		Interval:               30 * time.Second,
		ProbeTimeout:           5 * time.Second,
		MaxConsecutiveFailures: 3,
		WorkerPoolSize:         16,
	}
}

// ApplyDefaults fills zero values.
func (c *HealthCheckConfig) ApplyDefaults() {
	d := DefaultHealthCheckConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = d.WorkerPoolSize
	}
}

// SnapshotConfig controls snapshot capacity and retention.
type SnapshotConfig struct {
	MaxSnapshotsPerPlugin int           `json:"max_snapshots_per_plugin" yaml:"max_snapshots_per_plugin"`
	Retention             time.Duration `json:"retention" yaml:"retention"`
	CleanupSchedule       string        `json:"cleanup_schedule" yaml:"cleanup_schedule"`
	AutoSnapshot          bool          `json:"auto_snapshot" yaml:"auto_snapshot"`
	CapturePerformance    bool          `json:"capture_performance" yaml:"capture_performance"`
}

// DefaultSnapshotConfig keeps 10 snapshots per plugin for 30 days, swept hourly.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		MaxSnapshotsPerPlugin: 10,
		Retention:             30 * 24 * time.Hour,
		CleanupSchedule:       "@every 1h",
		AutoSnapshot:          true,
		CapturePerformance:    true,
	}
}

// ApplyDefaults fills zero values.
func (c *SnapshotConfig) ApplyDefaults() {
	d := DefaultSnapshotConfig()
	if c.MaxSnapshotsPerPlugin <= 0 {
		c.MaxSnapshotsPerPlugin = d.MaxSnapshotsPerPlugin
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = d.CleanupSchedule
	}
}

// RollbackConfig holds rollback defaults.
type RollbackConfig struct {
	DefaultStrategy  RollbackStrategy `json:"default_strategy" yaml:"default_strategy"`
	DefaultTimeout   time.Duration    `json:"default_timeout" yaml:"default_timeout"`
	MaxRollbackDepth int              `json:"max_rollback_depth" yaml:"max_rollback_depth"`
	HistorySize      int              `json:"history_size" yaml:"history_size"`
}

// DefaultRollbackConfig uses the snapshot strategy, 2 minute timeouts,
// cascades three levels deep and keeps 100 history entries.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		DefaultStrategy:  RollbackStrategySnapshot,
		DefaultTimeout:   2 * time.Minute,
		MaxRollbackDepth: 3,
		HistorySize:      100,
	}
}

// ApplyDefaults fills zero values.
func (c *RollbackConfig) ApplyDefaults() {
	d := DefaultRollbackConfig()
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = d.DefaultStrategy
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxRollbackDepth <= 0 {
		c.MaxRollbackDepth = d.MaxRollbackDepth
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Config is the complete host configuration.
//
// Example YAML:
//
//	resolver:
//	  default_max_wait_time: 30s
//	health_check:
//	  enabled: true
//	  interval: 30s
//	  probe_timeout: 5s
//	  max_consecutive_failures: 3
//	snapshots:
//	  max_snapshots_per_plugin: 10
//	  retention: 720h
//	rollback:
//	  default_strategy: version
type Config struct {
	StateMachine StateMachineConfig `json:"state_machine" yaml:"state_machine"`
	Resolver     ResolverConfig     `json:"resolver" yaml:"resolver"`
	HealthCheck  HealthCheckConfig  `json:"health_check" yaml:"health_check"`
	Snapshots    SnapshotConfig     `json:"snapshots" yaml:"snapshots"`
	Rollback     RollbackConfig     `json:"rollback" yaml:"rollback"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Resolver:    DefaultResolverConfig(),
		HealthCheck: DefaultHealthCheckConfig(),
		Snapshots:   DefaultSnapshotConfig(),
		Rollback:    DefaultRollbackConfig(),
		Metrics:     MetricsConfig{Namespace: "pluginhost"},
	}
}

// ApplyDefaults fills every zero value.
func (c *Config) ApplyDefaults() {
	c.Resolver.ApplyDefaults()
	c.HealthCheck.ApplyDefaults()
	c.Snapshots.ApplyDefaults()
	c.Rollback.ApplyDefaults()
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "pluginhost"
	}
}

// Validate rejects values that cannot be defaulted.
func (c Config) Validate() error {
	if c.Resolver.DefaultMaxWaitTime < 0 {
		return NewConfigValidationError("resolver.default_max_wait_time must not be negative")
	}
	if c.HealthCheck.Interval < 0 || c.HealthCheck.ProbeTimeout < 0 {
		return NewConfigValidationError("health_check durations must not be negative")
	}
	if c.HealthCheck.Interval > 0 && c.HealthCheck.ProbeTimeout > c.HealthCheck.Interval {
		return NewConfigValidationError("health_check.probe_timeout must not exceed health_check.interval")
	}
	if c.Snapshots.Retention < 0 {
		return NewConfigValidationError("snapshots.retention must not be negative")
	}
	if c.Rollback.DefaultStrategy != "" && !c.Rollback.DefaultStrategy.IsValid() {
		return NewConfigValidationError("rollback.default_strategy " + string(c.Rollback.DefaultStrategy) + " is not supported")
	}
	if p := c.StateMachine.DefaultRecovery; p != nil {
		if p.MaxRetries < 0 || p.RetryDelay < 0 {
			return NewConfigValidationError("state_machine.default_recovery values must not be negative")
		}
		if p.RollbackState != "" && !p.RollbackState.IsValid() {
			return NewConfigValidationError("state_machine.default_recovery.rollback_state " + string(p.RollbackState) + " is unknown")
		}
	}
	return nil
}

// LoadConfigFromFile reads a JSON, YAML, TOML, HCL, INI or properties file,
// applies defaults and validates the result.
func LoadConfigFromFile(path string) (Config, error) {
	config := DefaultConfig()

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path supplied by the operator
	if err != nil {
		return config, NewConfigFileError(cleanPath, err)
	}

	if err := parseConfig(data, argus.DetectFormat(cleanPath), &config); err != nil {
		return config, NewConfigParseError(cleanPath, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// parseConfig decodes YAML with yaml.v3 and every other format through argus.
func parseConfig(data []byte, format argus.ConfigFormat, config *Config) error {
	if format == argus.FormatYAML {
		return yaml.Unmarshal(data, config)
	}

	configMap, err := argus.ParseConfig(data, format)
	if err != nil {
		return err
	}
	return bindConfig(configMap, config)
}

// bindConfig maps a parsed document onto Config through its JSON tags.
func bindConfig(configMap map[string]interface{}, config *Config) error {
	if configMap == nil {
		return NewConfigValidationError("configuration document is empty")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, config)
}
