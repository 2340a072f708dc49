// types.go: Common data types and structures for the plugin host
//
// This file contains the shared data definitions used by the state machine,
// the dependency resolver and the rollback service: lifecycle states and
// transitions, failure records, recovery policies and the plugin metadata
// that snapshots capture.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"time"
)

// PluginState represents the lifecycle state of a plugin tracked by the host.
//
// The normal path is discovered -> loading -> loaded -> unloading -> unloaded,
// with unloaded -> loading for reloads. Every state except discovered can be
// left towards failed when an error occurs.
type PluginState string

const (
	StateDiscovered PluginState = "discovered"
	StateLoading    PluginState = "loading"
	StateLoaded     PluginState = "loaded"
	StateFailed     PluginState = "failed"
	StateUnloading  PluginState = "unloading"
	StateUnloaded   PluginState = "unloaded"
)

// AllStates lists every valid plugin state.
var AllStates = []PluginState{
	StateDiscovered,
	StateLoading,
	StateLoaded,
	StateFailed,
	StateUnloading,
	StateUnloaded,
}

// String returns the state name.
func (s PluginState) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known states.
func (s PluginState) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsTransient returns true for states that are expected to be left through
// TransitionComplete or TransitionFail.
func (s PluginState) IsTransient() bool {
	return s == StateLoading || s == StateUnloading
}

// Transition labels an edge of the lifecycle state machine.
type Transition string

const (
	TransitionLoad     Transition = "load"
	TransitionUnload   Transition = "unload"
	TransitionReload   Transition = "reload"
	TransitionFail     Transition = "fail"
	TransitionReset    Transition = "reset"
	TransitionComplete Transition = "complete"
)

// String returns the transition name.
func (t Transition) String() string {
	return string(t)
}

// TransitionContext carries caller supplied information about a transition.
// It is handed to guards and copied verbatim into the state change event.
type TransitionContext struct {
	Reason   string         `json:"reason,omitempty"`
	Err      error          `json:"-"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FailureContext records a single failure of a plugin.
//
// Entries are appended whenever a plugin enters StateFailed or is forced to
// another state by RollbackToState. They are only removed by
// ClearFailureHistory or Reset.
type FailureContext struct {
	Error             error       `json:"-"`
	Message           string      `json:"message"`
	Attempt           int         `json:"attempt"`
	Timestamp         time.Time   `json:"timestamp"`
	PreviousState     PluginState `json:"previous_state"`
	Transition        Transition  `json:"transition"`
	RecoveryAttempted bool        `json:"recovery_attempted"`
}

// RecoveryPolicy describes how a failed transition is retried.
//
// Example usage:
//
//	sm.SetRecoveryPolicy(StateDiscovered, TransitionLoad, &RecoveryPolicy{
//	    MaxRetries:         3,
//	    RetryDelay:         500 * time.Millisecond,
//	    ExponentialBackoff: true,
//	    RollbackState:      StateUnloaded,
//	})
type RecoveryPolicy struct {
	MaxRetries         int                       `json:"max_retries" yaml:"max_retries"`
	RetryDelay         time.Duration             `json:"retry_delay" yaml:"retry_delay"`
	ExponentialBackoff bool                      `json:"exponential_backoff" yaml:"exponential_backoff"`
	RollbackState      PluginState               `json:"rollback_state,omitempty" yaml:"rollback_state,omitempty"`
	CanRetry           func(FailureContext) bool `json:"-" yaml:"-"`
	CanRollback        func(FailureContext) bool `json:"-" yaml:"-"`
}

// PluginManifest is the static metadata describing a plugin.
type PluginManifest struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Author       string            `json:"author,omitempty" yaml:"author,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions  []string          `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the manifest.
func (m PluginManifest) Clone() PluginManifest {
	out := m
	out.Dependencies = cloneStrings(m.Dependencies)
	out.Permissions = cloneStrings(m.Permissions)
	out.Metadata = cloneStringMap(m.Metadata)
	return out
}

// ModuleDescriptor describes the loaded module behind a plugin.
type ModuleDescriptor struct {
	EntryPoint string            `json:"entry_point" yaml:"entry_point"`
	Checksum   string            `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Exports    []string          `json:"exports,omitempty" yaml:"exports,omitempty"`
	LoadedAt   time.Time         `json:"loaded_at" yaml:"loaded_at"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (d ModuleDescriptor) Clone() ModuleDescriptor {
	out := d
	out.Exports = cloneStrings(d.Exports)
	out.Metadata = cloneStringMap(d.Metadata)
	return out
}

// PluginRecord is everything the host keeps about one installed plugin.
type PluginRecord struct {
	Manifest PluginManifest   `json:"manifest"`
	Module   ModuleDescriptor `json:"module"`
}

// Name returns the plugin name declared by the manifest.
func (r PluginRecord) Name() string {
	return r.Manifest.Name
}

// Clone returns a deep copy of the record.
func (r PluginRecord) Clone() PluginRecord {
	return PluginRecord{
		Manifest: r.Manifest.Clone(),
		Module:   r.Module.Clone(),
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
