// snapshot.go: Point-in-time captures of loaded plugins
//
// Snapshots are taken on demand, after every successful load and right before
// a loaded plugin starts unloading. Each plugin keeps a bounded number of
// snapshots; the oldest are evicted first and anything older than the
// retention window is purged by a periodic sweep.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// Snapshot capture reasons.
const (
	SnapshotReasonManual    = "manual"
	SnapshotReasonPostLoad  = "post-load"
	SnapshotReasonPreUnload = "pre-unload"
)

// SystemState is a coarse fingerprint of the host at capture time.
type SystemState struct {
	LoadedPlugins []string `json:"loaded_plugins"`
	TotalPlugins  int      `json:"total_plugins"`
}

// PluginSnapshot is an immutable capture of a loaded plugin. Accessors
// return deep copies.
type PluginSnapshot struct {
	ID           string              `json:"id"`
	PluginName   string              `json:"plugin_name"`
	Version      string              `json:"version"`
	Timestamp    time.Time           `json:"timestamp"`
	Description  string              `json:"description,omitempty"`
	Reason       string              `json:"reason"`
	State        PluginState         `json:"state"`
	Manifest     PluginManifest      `json:"manifest"`
	Module       ModuleDescriptor    `json:"module"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Dependents   []string            `json:"dependents,omitempty"`
	SystemState  SystemState         `json:"system_state"`
	Performance  *PerformanceMetrics `json:"performance,omitempty"`

	seq uint64
}

// Clone returns a deep copy of the snapshot.
func (s PluginSnapshot) Clone() PluginSnapshot {
	out := s
	out.Manifest = s.Manifest.Clone()
	out.Module = s.Module.Clone()
	out.Dependencies = cloneStrings(s.Dependencies)
	out.Dependents = cloneStrings(s.Dependents)
	out.SystemState.LoadedPlugins = cloneStrings(s.SystemState.LoadedPlugins)
	if s.Performance != nil {
		perf := *s.Performance
		out.Performance = &perf
	}
	return out
}

// Record rebuilds the plugin record captured by the snapshot.
func (s PluginSnapshot) Record() PluginRecord {
	return PluginRecord{Manifest: s.Manifest.Clone(), Module: s.Module.Clone()}
}

// olderThan orders snapshots by timestamp, then by capture order.
func (s *PluginSnapshot) olderThan(other *PluginSnapshot) bool {
	if !s.Timestamp.Equal(other.Timestamp) {
		return s.Timestamp.Before(other.Timestamp)
	}
	return s.seq < other.seq
}

// CreateSnapshot captures the current record of a loaded plugin and returns
// the snapshot ID.
func (rs *RollbackService) CreateSnapshot(pluginName, description string) (string, error) {
	if pluginName == "" {
		return "", NewInvalidArgumentError("plugin_name", "plugin name is required")
	}
	state, ok := rs.lifecycle.CurrentState(pluginName)
	if !ok {
		return "", NewPluginNotFoundError(pluginName)
	}
	if state != StateLoaded {
		return "", NewPluginNotLoadedError(pluginName, state)
	}
	return rs.captureSnapshot(pluginName, description, SnapshotReasonManual, state)
}

func (rs *RollbackService) captureSnapshot(pluginName, description, reason string, state PluginState) (string, error) {
	record, ok := rs.store.Record(pluginName)
	if !ok {
		return "", NewPluginNotFoundError(pluginName)
	}

	config := rs.SnapshotConfig()
	snapshot := &PluginSnapshot{
		ID:           uuid.NewString(),
		PluginName:   pluginName,
		Version:      record.Manifest.Version,
		Timestamp:    timecache.CachedTime(),
		Description:  description,
		Reason:       reason,
		State:        state,
		Manifest:     record.Manifest,
		Module:       record.Module,
		Dependencies: cloneStrings(record.Manifest.Dependencies),
		Dependents:   rs.store.Dependents(pluginName),
		SystemState: SystemState{
			LoadedPlugins: rs.lifecycle.PluginsInState(StateLoaded),
			TotalPlugins:  len(rs.store.Names()),
		},
	}
	if config.CapturePerformance {
		snapshot.Performance = rs.sampler.Sample()
	}

	rs.mu.Lock()
	rs.snapshotSeq++
	snapshot.seq = rs.snapshotSeq
	perPlugin, ok := rs.snapshots[pluginName]
	if !ok {
		perPlugin = make(map[string]*PluginSnapshot)
		rs.snapshots[pluginName] = perPlugin
	}
	perPlugin[snapshot.ID] = snapshot

	var evicted []*PluginSnapshot
	for len(perPlugin) > config.MaxSnapshotsPerPlugin {
		oldest := oldestSnapshot(perPlugin)
		delete(perPlugin, oldest.ID)
		evicted = append(evicted, oldest)
	}
	total := rs.countSnapshotsLocked()
	rs.mu.Unlock()

	rs.metrics.SetGauge(MetricSnapshotsStored, nil, float64(total))
	rs.logger.Debug("Snapshot created",
		"plugin", pluginName,
		"snapshot_id", snapshot.ID,
		"version", snapshot.Version,
		"reason", reason)

	rs.bus.Publish(SnapshotEvent{
		Name:        EventSnapshotCreated,
		PluginName:  pluginName,
		SnapshotID:  snapshot.ID,
		Version:     snapshot.Version,
		Description: description,
		Reason:      reason,
		Timestamp:   snapshot.Timestamp,
	})
	for _, old := range evicted {
		rs.publishSnapshotDeleted(old, "evicted")
	}
	return snapshot.ID, nil
}

func oldestSnapshot(snapshots map[string]*PluginSnapshot) *PluginSnapshot {
	var oldest *PluginSnapshot
	for _, s := range snapshots {
		if oldest == nil || s.olderThan(oldest) {
			oldest = s
		}
	}
	return oldest
}

func (rs *RollbackService) countSnapshotsLocked() int {
	total := 0
	for _, perPlugin := range rs.snapshots {
		total += len(perPlugin)
	}
	return total
}

func (rs *RollbackService) publishSnapshotDeleted(snapshot *PluginSnapshot, reason string) {
	rs.bus.Publish(SnapshotEvent{
		Name:       EventSnapshotDeleted,
		PluginName: snapshot.PluginName,
		SnapshotID: snapshot.ID,
		Version:    snapshot.Version,
		Reason:     reason,
		Timestamp:  timecache.CachedTime(),
	})
}

// Snapshot returns a copy of one snapshot.
func (rs *RollbackService) Snapshot(pluginName, snapshotID string) (*PluginSnapshot, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	snapshot, ok := rs.snapshots[pluginName][snapshotID]
	if !ok {
		return nil, NewSnapshotNotFoundError(pluginName, snapshotID)
	}
	out := snapshot.Clone()
	return &out, nil
}

// Snapshots returns copies of every snapshot of a plugin, newest first.
func (rs *RollbackService) Snapshots(pluginName string) []PluginSnapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.snapshotsLocked(pluginName)
}

func (rs *RollbackService) snapshotsLocked(pluginName string) []PluginSnapshot {
	perPlugin := rs.snapshots[pluginName]
	ordered := make([]*PluginSnapshot, 0, len(perPlugin))
	for _, s := range perPlugin {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[j].olderThan(ordered[i]) })

	out := make([]PluginSnapshot, len(ordered))
	for i, s := range ordered {
		out[i] = s.Clone()
	}
	return out
}

// LatestSnapshot returns the newest snapshot of a plugin.
func (rs *RollbackService) LatestSnapshot(pluginName string) (*PluginSnapshot, error) {
	snapshots := rs.Snapshots(pluginName)
	if len(snapshots) == 0 {
		return nil, NewSnapshotNotFoundError(pluginName, "")
	}
	return &snapshots[0], nil
}

// DeleteSnapshot removes one snapshot.
func (rs *RollbackService) DeleteSnapshot(pluginName, snapshotID string) error {
	rs.mu.Lock()
	snapshot, ok := rs.snapshots[pluginName][snapshotID]
	if !ok {
		rs.mu.Unlock()
		return NewSnapshotNotFoundError(pluginName, snapshotID)
	}
	delete(rs.snapshots[pluginName], snapshotID)
	if len(rs.snapshots[pluginName]) == 0 {
		delete(rs.snapshots, pluginName)
	}
	total := rs.countSnapshotsLocked()
	rs.mu.Unlock()

	rs.metrics.SetGauge(MetricSnapshotsStored, nil, float64(total))
	rs.publishSnapshotDeleted(snapshot, "deleted")
	return nil
}

// CleanupExpiredSnapshots purges snapshots older than the retention window
// and returns how many were removed.
func (rs *RollbackService) CleanupExpiredSnapshots() int {
	retention := rs.SnapshotConfig().Retention
	cutoff := timecache.CachedTime().Add(-retention)

	rs.mu.Lock()
	var expired []*PluginSnapshot
	for plugin, perPlugin := range rs.snapshots {
		for id, s := range perPlugin {
			if s.Timestamp.Before(cutoff) {
				delete(perPlugin, id)
				expired = append(expired, s)
			}
		}
		if len(perPlugin) == 0 {
			delete(rs.snapshots, plugin)
		}
	}
	total := rs.countSnapshotsLocked()
	rs.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	rs.metrics.SetGauge(MetricSnapshotsStored, nil, float64(total))
	rs.logger.Info("Expired snapshots purged", "count", len(expired), "retention", retention)
	for _, s := range expired {
		rs.publishSnapshotDeleted(s, "expired")
	}
	return len(expired)
}

// onLifecycleEvent captures automatic snapshots.
func (rs *RollbackService) onLifecycleEvent(event Event) {
	switch ev := event.(type) {
	case PluginLoadedEvent:
		if state, _ := rs.lifecycle.CurrentState(ev.PluginName); state == StateLoaded {
			rs.autoSnapshot(ev.PluginName, SnapshotReasonPostLoad)
		}
	case StateChangedEvent:
		if ev.FromState == StateLoaded && ev.ToState == StateUnloading && !ev.Forced {
			rs.autoSnapshot(ev.PluginName, SnapshotReasonPreUnload)
		}
	default:
		rs.logger.Warn("Unexpected event delivered to rollback service", "event", string(event.EventName()))
	}
}

func (rs *RollbackService) autoSnapshot(pluginName, reason string) {
	if !rs.SnapshotConfig().AutoSnapshot || rs.InFlight(pluginName) || rs.closed.Load() {
		return
	}
	if _, err := rs.captureSnapshot(pluginName, "automatic "+reason+" snapshot", reason, StateLoaded); err != nil {
		rs.logger.Debug("Automatic snapshot skipped", "plugin", pluginName, "reason", reason, "error", err)
	}
}
