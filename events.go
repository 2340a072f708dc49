// events.go: Typed lifecycle events exchanged over the event bus
//
// Every event name has exactly one payload type. Subscribers receive the
// sealed Event interface and type-switch on the concrete payload.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"time"
)

// EventName identifies an event on the bus.
type EventName string

const (
	EventStateChanged         EventName = "plugin.state.changed"
	EventPluginLoaded         EventName = "plugin.loaded"
	EventPluginLoadFailed     EventName = "plugin.load.failed"
	EventDependencyResolved   EventName = "plugin.dependency.resolved"
	EventDependencyFailed     EventName = "plugin.dependency.failed"
	EventDependencyHealthFail EventName = "plugin.dependency.health.failed"
	EventDependencyUnhealthy  EventName = "plugin.dependency.health.unhealthy"
	EventDependencyRecovered  EventName = "plugin.dependency.health.recovered"
	EventSnapshotCreated      EventName = "plugin-snapshot-created"
	EventSnapshotDeleted      EventName = "plugin-snapshot-deleted"
	EventRollbackStarted      EventName = "plugin-rollback-started"
	EventRollbackCompleted    EventName = "plugin-rollback-completed"
	EventRollbackFailed       EventName = "plugin-rollback-failed"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	EventName() EventName
	isEvent()
}

// StateChangedEvent is published for every applied state machine transition.
type StateChangedEvent struct {
	PluginName string
	FromState  PluginState
	ToState    PluginState
	Transition Transition
	Timestamp  time.Time
	Context    TransitionContext
	// Forced is set when the change came from RollbackToState.
	Forced bool
}

// PluginLoadedEvent is published by the loader once a plugin is usable.
type PluginLoadedEvent struct {
	PluginName string
	Version    string
	Timestamp  time.Time
}

// PluginLoadFailedEvent is published by the loader when loading fails.
type PluginLoadFailedEvent struct {
	PluginName string
	Error      error
	Timestamp  time.Time
}

// DependencyResolvedEvent reports one dependency of a waiter as satisfied.
type DependencyResolvedEvent struct {
	PluginName       string
	Dependency       string
	ResolutionTimeMs int64
	Timestamp        time.Time
}

// DependencyFailedEvent reports a dependency that failed or timed out.
type DependencyFailedEvent struct {
	PluginName string
	Dependency string
	Error      error
	IsTimeout  bool
	Timestamp  time.Time
}

// DependencyHealthEvent is the payload of the three dependency health events.
// Name tells which of them it is.
type DependencyHealthEvent struct {
	Name                EventName
	PluginName          string
	Dependency          string
	ConsecutiveFailures int
	LastError           error
	Timestamp           time.Time
}

// SnapshotEvent is the payload of the snapshot created/deleted events.
type SnapshotEvent struct {
	Name        EventName
	PluginName  string
	SnapshotID  string
	Version     string
	Description string
	Reason      string
	Timestamp   time.Time
}

// RollbackEvent is the payload of the rollback started/completed/failed events.
type RollbackEvent struct {
	Name       EventName
	PluginName string
	Result     RollbackResult
	Timestamp  time.Time
}

func (StateChangedEvent) EventName() EventName       { return EventStateChanged }
func (PluginLoadedEvent) EventName() EventName       { return EventPluginLoaded }
func (PluginLoadFailedEvent) EventName() EventName   { return EventPluginLoadFailed }
func (DependencyResolvedEvent) EventName() EventName { return EventDependencyResolved }
func (DependencyFailedEvent) EventName() EventName   { return EventDependencyFailed }
func (e DependencyHealthEvent) EventName() EventName { return e.Name }
func (e SnapshotEvent) EventName() EventName         { return e.Name }
func (e RollbackEvent) EventName() EventName         { return e.Name }

func (StateChangedEvent) isEvent()       {}
func (PluginLoadedEvent) isEvent()       {}
func (PluginLoadFailedEvent) isEvent()   {}
func (DependencyResolvedEvent) isEvent() {}
func (DependencyFailedEvent) isEvent()   {}
func (DependencyHealthEvent) isEvent()   {}
func (SnapshotEvent) isEvent()           {}
func (RollbackEvent) isEvent()           {}
