// snapshot_test.go: snapshot capture, eviction and retention
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rollbackFixture struct {
	bus    *EventBus
	sm     *StateMachine
	store  *MemoryPluginStore
	rs     *RollbackService
	logger *TestLogger
}

func newRollbackFixture(t *testing.T, opts ...RollbackOption) *rollbackFixture {
	t.Helper()
	logger := NewTestLogger()
	bus := NewEventBus(logger)
	sm := NewStateMachine(bus, logger)
	store := NewMemoryPluginStore()
	opts = append([]RollbackOption{WithPerformanceSampler(noopSampler{})}, opts...)
	rs, err := NewRollbackService(sm, store, bus, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(rs.Shutdown)
	return &rollbackFixture{bus: bus, sm: sm, store: store, rs: rs, logger: logger}
}

// install stores a record and drives the plugin to loaded, publishing the
// loaded event the way the host does.
func (f *rollbackFixture) install(t *testing.T, name, version string, deps ...string) {
	t.Helper()
	require.NoError(t, f.store.Put(PluginRecord{
		Manifest: PluginManifest{Name: name, Version: version, Dependencies: deps},
		Module:   ModuleDescriptor{EntryPoint: name + "-" + version + ".so"},
	}))
	state, _ := f.sm.CurrentState(name)
	if state == StateLoaded {
		return
	}
	f.sm.Discover(name)
	require.True(t, f.sm.Transition(name, TransitionLoad, TransitionContext{}))
	require.True(t, f.sm.Transition(name, TransitionComplete, TransitionContext{}))
	f.bus.Publish(PluginLoadedEvent{PluginName: name, Version: version, Timestamp: time.Now()})
}

type snapshotEvents struct {
	mu     sync.Mutex
	events []SnapshotEvent
}

func watchSnapshots(bus *EventBus) *snapshotEvents {
	s := &snapshotEvents{}
	handler := func(ev Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, ev.(SnapshotEvent))
	}
	bus.Subscribe(EventSnapshotCreated, handler)
	bus.Subscribe(EventSnapshotDeleted, handler)
	return s
}

func (s *snapshotEvents) reasons(name EventName) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev.Reason)
		}
	}
	return out
}

func manualOnly() RollbackOption {
	return WithSnapshotConfig(SnapshotConfig{AutoSnapshot: false})
}

// TestCreateSnapshot tests manual snapshot capture
func TestCreateSnapshot(t *testing.T) {
	t.Run("captures_loaded_plugin", func(t *testing.T) {
		f := newRollbackFixture(t, manualOnly())
		events := watchSnapshots(f.bus)
		f.install(t, "storage", "1.0.0")
		f.install(t, "auth", "2.1.0", "storage")

		id, err := f.rs.CreateSnapshot("storage", "before upgrade")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		snapshot, err := f.rs.Snapshot("storage", id)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", snapshot.Version)
		assert.Equal(t, "before upgrade", snapshot.Description)
		assert.Equal(t, SnapshotReasonManual, snapshot.Reason)
		assert.Equal(t, StateLoaded, snapshot.State)
		assert.Equal(t, "storage-1.0.0.so", snapshot.Module.EntryPoint)
		assert.Equal(t, []string{"auth"}, snapshot.Dependents)
		assert.ElementsMatch(t, []string{"auth", "storage"}, snapshot.SystemState.LoadedPlugins)
		assert.Equal(t, 2, snapshot.SystemState.TotalPlugins)
		assert.Nil(t, snapshot.Performance)
		assert.Equal(t, []string{SnapshotReasonManual}, events.reasons(EventSnapshotCreated))
	})

	t.Run("rejects_unknown_or_unloaded", func(t *testing.T) {
		f := newRollbackFixture(t, manualOnly())

		_, err := f.rs.CreateSnapshot("", "")
		assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))

		_, err = f.rs.CreateSnapshot("ghost", "")
		assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))

		f.sm.Discover("auth")
		_, err = f.rs.CreateSnapshot("auth", "")
		assert.True(t, HasErrorCode(err, ErrCodePluginNotLoaded))
	})

	t.Run("copies_are_isolated", func(t *testing.T) {
		f := newRollbackFixture(t, manualOnly())
		f.install(t, "auth", "1.0.0", "storage")
		id, err := f.rs.CreateSnapshot("auth", "")
		require.NoError(t, err)

		first, err := f.rs.Snapshot("auth", id)
		require.NoError(t, err)
		first.Dependencies[0] = "mutated"
		first.Manifest.Dependencies[0] = "mutated"

		second, err := f.rs.Snapshot("auth", id)
		require.NoError(t, err)
		assert.Equal(t, []string{"storage"}, second.Dependencies)
		assert.Equal(t, []string{"storage"}, second.Record().Manifest.Dependencies)
	})

	t.Run("captures_performance_when_enabled", func(t *testing.T) {
		f := newRollbackFixture(t,
			WithSnapshotConfig(SnapshotConfig{AutoSnapshot: true, CapturePerformance: true}),
			WithPerformanceSampler(NewProcessSampler(nil)))
		f.install(t, "auth", "1.0.0")

		snapshot, err := f.rs.LatestSnapshot("auth")
		require.NoError(t, err)
		require.NotNil(t, snapshot.Performance)
		assert.Positive(t, snapshot.Performance.Goroutines)
	})
}

// TestSnapshotEviction tests the per-plugin capacity
func TestSnapshotEviction(t *testing.T) {
	metrics := NewDefaultMetricsCollector()
	f := newRollbackFixture(t, manualOnly(), WithRollbackMetrics(metrics))
	events := watchSnapshots(f.bus)
	f.install(t, "auth", "1.0.0")

	var ids []string
	for i := 0; i < 11; i++ {
		id, err := f.rs.CreateSnapshot("auth", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	snapshots := f.rs.Snapshots("auth")
	require.Len(t, snapshots, 10)
	assert.Equal(t, ids[10], snapshots[0].ID)
	assert.Equal(t, ids[1], snapshots[9].ID)

	_, err := f.rs.Snapshot("auth", ids[0])
	assert.True(t, HasErrorCode(err, ErrCodeSnapshotNotFound))
	assert.Equal(t, []string{"evicted"}, events.reasons(EventSnapshotDeleted))
	assert.Equal(t, 10.0, metrics.Gauge(MetricSnapshotsStored, nil))
}

// TestAutomaticSnapshots tests post-load and pre-unload captures
func TestAutomaticSnapshots(t *testing.T) {
	t.Run("post_load_and_pre_unload", func(t *testing.T) {
		f := newRollbackFixture(t)
		events := watchSnapshots(f.bus)
		f.install(t, "auth", "1.0.0")

		require.True(t, f.sm.Transition("auth", TransitionUnload, TransitionContext{}))

		assert.Equal(t, []string{SnapshotReasonPostLoad, SnapshotReasonPreUnload}, events.reasons(EventSnapshotCreated))
		latest, err := f.rs.LatestSnapshot("auth")
		require.NoError(t, err)
		assert.Equal(t, SnapshotReasonPreUnload, latest.Reason)
		assert.Equal(t, StateLoaded, latest.State)
	})

	t.Run("forced_changes_are_ignored", func(t *testing.T) {
		f := newRollbackFixture(t)
		f.install(t, "auth", "1.0.0")

		require.NoError(t, f.sm.RollbackToState("auth", StateUnloading, TransitionContext{Reason: "test"}))

		assert.Len(t, f.rs.Snapshots("auth"), 1)
	})

	t.Run("loaded_event_for_plugin_not_loaded", func(t *testing.T) {
		f := newRollbackFixture(t)
		require.NoError(t, f.store.Put(PluginRecord{Manifest: PluginManifest{Name: "auth", Version: "1.0.0"}}))
		f.sm.Discover("auth")

		f.bus.Publish(PluginLoadedEvent{PluginName: "auth", Version: "1.0.0"})

		assert.Empty(t, f.rs.Snapshots("auth"))
	})

	t.Run("disabled", func(t *testing.T) {
		f := newRollbackFixture(t, manualOnly())
		f.install(t, "auth", "1.0.0")
		require.True(t, f.sm.Transition("auth", TransitionUnload, TransitionContext{}))

		assert.Empty(t, f.rs.Snapshots("auth"))
	})
}

// TestDeleteSnapshot tests explicit deletion
func TestDeleteSnapshot(t *testing.T) {
	f := newRollbackFixture(t, manualOnly())
	events := watchSnapshots(f.bus)
	f.install(t, "auth", "1.0.0")
	id, err := f.rs.CreateSnapshot("auth", "")
	require.NoError(t, err)

	require.NoError(t, f.rs.DeleteSnapshot("auth", id))
	assert.Empty(t, f.rs.Snapshots("auth"))
	assert.Equal(t, []string{"deleted"}, events.reasons(EventSnapshotDeleted))

	err = f.rs.DeleteSnapshot("auth", id)
	assert.True(t, HasErrorCode(err, ErrCodeSnapshotNotFound))

	_, err = f.rs.LatestSnapshot("auth")
	assert.True(t, HasErrorCode(err, ErrCodeSnapshotNotFound))
}

// TestCleanupExpiredSnapshots tests the retention sweep
func TestCleanupExpiredSnapshots(t *testing.T) {
	f := newRollbackFixture(t, WithSnapshotConfig(SnapshotConfig{AutoSnapshot: true, Retention: time.Hour}))
	events := watchSnapshots(f.bus)
	f.install(t, "auth", "1.0.0")
	f.install(t, "storage", "1.0.0")
	fresh, err := f.rs.CreateSnapshot("auth", "")
	require.NoError(t, err)

	f.rs.mu.Lock()
	for _, s := range f.rs.snapshots["storage"] {
		s.Timestamp = s.Timestamp.Add(-2 * time.Hour)
	}
	for id, s := range f.rs.snapshots["auth"] {
		if id != fresh {
			s.Timestamp = s.Timestamp.Add(-2 * time.Hour)
		}
	}
	f.rs.mu.Unlock()

	assert.Equal(t, 2, f.rs.CleanupExpiredSnapshots())
	assert.Empty(t, f.rs.Snapshots("storage"))
	remaining := f.rs.Snapshots("auth")
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh, remaining[0].ID)
	assert.Equal(t, []string{"expired", "expired"}, events.reasons(EventSnapshotDeleted))
	assert.True(t, f.logger.HasMessage("INFO", "Expired snapshots purged"))

	assert.Equal(t, 0, f.rs.CleanupExpiredSnapshots())
}

// TestRollbackServiceStart tests scheduling of the retention sweep
func TestRollbackServiceStart(t *testing.T) {
	t.Run("valid_schedule", func(t *testing.T) {
		f := newRollbackFixture(t)
		require.NoError(t, f.rs.Start())
		require.NoError(t, f.rs.Start())
	})

	t.Run("invalid_schedule", func(t *testing.T) {
		f := newRollbackFixture(t, WithSnapshotConfig(SnapshotConfig{CleanupSchedule: "every tuesday"}))
		err := f.rs.Start()
		assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
	})

	t.Run("shutdown_drops_state", func(t *testing.T) {
		f := newRollbackFixture(t)
		f.install(t, "auth", "1.0.0")
		require.NoError(t, f.rs.Start())
		require.Len(t, f.rs.Snapshots("auth"), 1)

		f.rs.Shutdown()
		f.rs.Shutdown()

		assert.Empty(t, f.rs.Snapshots("auth"))
		assert.Equal(t, 0, f.bus.SubscriberCount(EventPluginLoaded))
		_, err := f.rs.RollbackPlugin(t.Context(), "auth", RollbackOptions{})
		assert.True(t, HasErrorCode(err, ErrCodeRollbackFailed))
	})
}

// TestRollbackServiceConstructor tests required collaborators
func TestRollbackServiceConstructor(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	_, err := NewRollbackService(nil, NewMemoryPluginStore(), nil, nil)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))
	_, err = NewRollbackService(sm, nil, nil, nil)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))
}
