// errors.go: structured error definitions for the plugin host lifecycle core
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin host
const (
	// Lifecycle errors (2100-2199)
	ErrCodeInvalidTransition = "LIFECYCLE_2101"
	ErrCodeInvalidArgument   = "LIFECYCLE_2102"
	ErrCodeUnknownState      = "LIFECYCLE_2103"
	ErrCodeRetryExhausted    = "LIFECYCLE_2104"
	ErrCodeInvalidVersion    = "LIFECYCLE_2105"

	// Dependency errors (2200-2299)
	ErrCodeDependencyTimeout  = "DEPENDENCY_2201"
	ErrCodeDependencyFailure  = "DEPENDENCY_2202"
	ErrCodeWaiterConflict     = "DEPENDENCY_2203"
	ErrCodeWaiterNotFound     = "DEPENDENCY_2204"
	ErrCodeResolverShutdown   = "DEPENDENCY_2205"
	ErrCodeHealthProbeTimeout = "DEPENDENCY_2206"
	ErrCodeHealthProbeFailed  = "DEPENDENCY_2207"
	ErrCodeDependencyCycle    = "DEPENDENCY_2208"
	ErrCodeDependentsLoaded   = "DEPENDENCY_2209"
	ErrCodeHealthSweepStopped = "DEPENDENCY_2210"
	ErrCodeUnhealthyDeps      = "DEPENDENCY_2211"

	// Snapshot errors (2300-2399)
	ErrCodeSnapshotNotFound  = "SNAPSHOT_2301"
	ErrCodePluginNotLoaded   = "SNAPSHOT_2302"
	ErrCodeSnapshotExpired   = "SNAPSHOT_2303"
	ErrCodePluginNotFound    = "SNAPSHOT_2304"
	ErrCodeStoreRestoreError = "SNAPSHOT_2305"

	// Rollback errors (2400-2499)
	ErrCodeRollbackConflict  = "ROLLBACK_2401"
	ErrCodeRollbackFailed    = "ROLLBACK_2402"
	ErrCodeRollbackCancelled = "ROLLBACK_2403"
	ErrCodeRollbackStrategy  = "ROLLBACK_2404"

	// Configuration errors (2500-2599)
	ErrCodeConfigParseError      = "CONFIG_2501"
	ErrCodeConfigValidationError = "CONFIG_2502"
	ErrCodeConfigWatcherError    = "CONFIG_2503"
	ErrCodeConfigFileError       = "CONFIG_2504"
)

// Lifecycle error constructors

func NewInvalidTransitionError(pluginName string, from PluginState, transition Transition) *errors.Error {
	return errors.New(ErrCodeInvalidTransition, "Invalid state transition").
		WithUserMessage("The requested transition is not allowed from the current state").
		WithContext("plugin_name", pluginName).
		WithContext("from_state", string(from)).
		WithContext("transition", string(transition)).
		WithSeverity("warning")
}

func NewInvalidArgumentError(argument string, message string) *errors.Error {
	return errors.New(ErrCodeInvalidArgument, "Invalid argument: "+message).
		WithUserMessage("An invalid argument was supplied").
		WithContext("argument", argument).
		WithSeverity("error")
}

func NewUnknownStateError(state PluginState) *errors.Error {
	return errors.New(ErrCodeUnknownState, "Unknown plugin state").
		WithUserMessage("The requested plugin state does not exist").
		WithContext("state", string(state)).
		WithSeverity("error")
}

func NewRetryExhaustedError(pluginName string, attempts int) *errors.Error {
	return errors.New(ErrCodeRetryExhausted, "Retry attempts exhausted").
		WithUserMessage("The plugin could not be recovered within its retry budget").
		WithContext("plugin_name", pluginName).
		WithContext("attempts", attempts).
		WithSeverity("warning")
}

func NewInvalidVersionError(version string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeInvalidVersion, "Invalid plugin version").
			WithUserMessage("The plugin version is not a valid semantic version").
			WithContext("version", version).
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeInvalidVersion, "Invalid plugin version").
		WithUserMessage("The plugin version is not a valid semantic version").
		WithContext("version", version).
		WithSeverity("error")
}

// Dependency error constructors

func NewDependencyTimeoutError(pluginName string, pending []string, waited interface{}) *errors.Error {
	return errors.New(ErrCodeDependencyTimeout, "Dependency wait timed out; still pending: "+strings.Join(pending, ", ")).
		WithUserMessage("Plugin dependencies did not become available in time").
		WithContext("plugin_name", pluginName).
		WithContext("pending_dependencies", pending).
		WithContext("waited", waited).
		WithSeverity("warning").
		AsRetryable()
}

func NewDependencyFailureError(pluginName string, failed []string, cause error) *errors.Error {
	msg := "Dependency failed: " + strings.Join(failed, ", ")
	if cause != nil {
		return errors.Wrap(cause, ErrCodeDependencyFailure, msg).
			WithUserMessage("One or more plugin dependencies failed").
			WithContext("plugin_name", pluginName).
			WithContext("failed_dependencies", failed).
			WithSeverity("error")
	}
	return errors.New(ErrCodeDependencyFailure, msg).
		WithUserMessage("One or more plugin dependencies failed").
		WithContext("plugin_name", pluginName).
		WithContext("failed_dependencies", failed).
		WithSeverity("error")
}

func NewWaiterConflictError(pluginName string) *errors.Error {
	return errors.New(ErrCodeWaiterConflict, "Dependency wait already in progress").
		WithUserMessage("Only one dependency wait may be pending per plugin").
		WithContext("plugin_name", pluginName).
		WithSeverity("warning")
}

func NewWaiterNotFoundError(pluginName string) *errors.Error {
	return errors.New(ErrCodeWaiterNotFound, "Dependency waiter not found").
		WithUserMessage("No pending dependency wait exists for the plugin").
		WithContext("plugin_name", pluginName).
		WithSeverity("warning")
}

func NewResolverShutdownError(pluginName string) *errors.Error {
	return errors.New(ErrCodeResolverShutdown, "Dependency resolver shut down").
		WithUserMessage("The dependency resolver was shut down while the wait was pending").
		WithContext("plugin_name", pluginName).
		WithSeverity("warning")
}

func NewHealthProbeTimeoutError(pluginName, dependency string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeHealthProbeTimeout, "Dependency health probe timed out").
		WithUserMessage("The dependency did not answer the responsiveness probe in time").
		WithContext("plugin_name", pluginName).
		WithContext("dependency", dependency).
		WithContext("timeout", timeout).
		WithSeverity("warning").
		AsRetryable()
}

func NewHealthProbeFailedError(pluginName, dependency string, cause error) *errors.Error {
	msg := "Dependency health probe failed"
	if cause == nil {
		return errors.New(ErrCodeHealthProbeFailed, msg).
			WithUserMessage("The dependency is not loaded").
			WithContext("plugin_name", pluginName).
			WithContext("dependency", dependency).
			WithSeverity("warning")
	}
	return errors.Wrap(cause, ErrCodeHealthProbeFailed, msg).
		WithUserMessage("The dependency failed its responsiveness probe").
		WithContext("plugin_name", pluginName).
		WithContext("dependency", dependency).
		WithSeverity("warning")
}

func NewHealthProbePanicError(pluginName, dependency string, recovered interface{}) *errors.Error {
	return errors.New(ErrCodeHealthProbeFailed, fmt.Sprintf("Dependency health probe panicked: %v", recovered)).
		WithUserMessage("The dependency failed its responsiveness probe").
		WithContext("plugin_name", pluginName).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

func NewHealthSweepStoppedError() *errors.Error {
	return errors.New(ErrCodeHealthSweepStopped, "Dependency health sweep is not running").
		WithUserMessage("Dependency health monitoring is enabled but stopped").
		WithSeverity("warning")
}

func NewUnhealthyDependenciesError(pairs []string) *errors.Error {
	return errors.New(ErrCodeUnhealthyDeps, "Unhealthy dependencies: "+strings.Join(pairs, ", ")).
		WithUserMessage("One or more plugin dependencies are unhealthy").
		WithContext("unhealthy", pairs).
		WithSeverity("warning")
}

func NewDependencyCycleError(plugins []string) *errors.Error {
	return errors.New(ErrCodeDependencyCycle, "Circular dependency detected among: "+strings.Join(plugins, ", ")).
		WithUserMessage("Plugin dependencies form a cycle").
		WithContext("plugins", plugins).
		WithSeverity("error")
}

func NewDependentsLoadedError(pluginName string, dependents []string) *errors.Error {
	return errors.New(ErrCodeDependentsLoaded, "Plugin still required by: "+strings.Join(dependents, ", ")).
		WithUserMessage("Unload the dependent plugins first or force the unload").
		WithContext("plugin_name", pluginName).
		WithContext("dependents", dependents).
		WithSeverity("warning")
}

// Snapshot error constructors

func NewSnapshotNotFoundError(pluginName, snapshotID string) *errors.Error {
	return errors.New(ErrCodeSnapshotNotFound, "Snapshot not found").
		WithUserMessage("The requested snapshot does not exist").
		WithContext("plugin_name", pluginName).
		WithContext("snapshot_id", snapshotID).
		WithSeverity("error")
}

func NewPluginNotLoadedError(pluginName string, state PluginState) *errors.Error {
	return errors.New(ErrCodePluginNotLoaded, "Plugin not loaded").
		WithUserMessage("Snapshots can only be taken of loaded plugins").
		WithContext("plugin_name", pluginName).
		WithContext("state", string(state)).
		WithSeverity("warning")
}

func NewSnapshotExpiredError(pluginName, snapshotID string, age interface{}) *errors.Error {
	return errors.New(ErrCodeSnapshotExpired, "Snapshot outside retention window").
		WithUserMessage("The snapshot is too old to be restored").
		WithContext("plugin_name", pluginName).
		WithContext("snapshot_id", snapshotID).
		WithContext("age", age).
		WithSeverity("error")
}

func NewPluginNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("The requested plugin is not known to the host").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewStoreRestoreError(pluginName string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStoreRestoreError, "Plugin restore failed").
		WithUserMessage("The plugin store rejected the restored snapshot").
		WithContext("plugin_name", pluginName).
		WithSeverity("error")
}

// Rollback error constructors

func NewRollbackConflictError(pluginName string) *errors.Error {
	return errors.New(ErrCodeRollbackConflict, "Rollback already in progress").
		WithUserMessage("A rollback for this plugin is already running").
		WithContext("plugin_name", pluginName).
		WithSeverity("warning")
}

func NewRollbackFailedError(pluginName string, message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeRollbackFailed, "Rollback failed: "+message).
			WithUserMessage("The plugin rollback did not complete").
			WithContext("plugin_name", pluginName).
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeRollbackFailed, "Rollback failed: "+message).
		WithUserMessage("The plugin rollback did not complete").
		WithContext("plugin_name", pluginName).
		WithSeverity("error")
}

func NewRollbackCancelledError(pluginName string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRollbackCancelled, "Rollback cancelled").
		WithUserMessage("The plugin rollback was cancelled or timed out").
		WithContext("plugin_name", pluginName).
		WithSeverity("warning")
}

func NewRollbackStrategyError(strategy RollbackStrategy) *errors.Error {
	return errors.New(ErrCodeRollbackStrategy, "Unsupported rollback strategy").
		WithUserMessage("The requested rollback strategy is not supported").
		WithContext("strategy", string(strategy)).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string) *errors.Error {
	return errors.New(ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
			WithUserMessage("Configuration monitoring failed").
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

func NewConfigFileError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigFileError, "Configuration file error").
		WithUserMessage("Configuration file access failed").
		WithContext("config_path", path).
		WithSeverity("error")
}

// HasErrorCode reports whether err is a structured error carrying code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		if goErr, ok := err.(*errors.Error); ok && string(goErr.ErrorCode()) == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
