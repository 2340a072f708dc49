// dependency_resolver_test.go: event-driven dependency waits
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolverFixture struct {
	bus      *EventBus
	sm       *StateMachine
	resolver *DependencyResolver
	logger   *TestLogger
}

func newResolverFixture(t *testing.T, opts ...ResolverOption) *resolverFixture {
	t.Helper()
	logger := NewTestLogger()
	bus := NewEventBus(logger)
	sm := NewStateMachine(bus, logger)
	resolver, err := NewDependencyResolver(sm, bus, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(resolver.Shutdown)
	return &resolverFixture{bus: bus, sm: sm, resolver: resolver, logger: logger}
}

func (f *resolverFixture) load(t *testing.T, name string) {
	t.Helper()
	state, _ := f.sm.CurrentState(name)
	if state != StateLoading {
		require.True(t, f.sm.Transition(name, TransitionLoad, TransitionContext{}))
	}
	require.True(t, f.sm.Transition(name, TransitionComplete, TransitionContext{}))
}

func (f *resolverFixture) startLoading(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		require.True(t, f.sm.Transition(name, TransitionLoad, TransitionContext{}))
	}
}

// waitAsync runs WaitForDependencies in a goroutine and returns its result channel
// once the waiter is registered.
func (f *resolverFixture) waitAsync(t *testing.T, ctx context.Context, plugin string, deps []string, opts WaitOptions) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- f.resolver.WaitForDependencies(ctx, plugin, deps, opts)
	}()
	require.Eventually(t, func() bool {
		for _, w := range f.resolver.PendingWaits() {
			if w.PluginName == plugin {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return done
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not settle")
		return nil
	}
}

// TestDependencyResolver_Immediate tests waits that settle without blocking
func TestDependencyResolver_Immediate(t *testing.T) {
	t.Run("empty_dependencies", func(t *testing.T) {
		f := newResolverFixture(t)
		assert.NoError(t, f.resolver.WaitForDependencies(context.Background(), "api", nil, DefaultWaitOptions()))
		assert.NoError(t, f.resolver.WaitForDependencies(context.Background(), "api", []string{"", ""}, DefaultWaitOptions()))
	})

	t.Run("already_loaded", func(t *testing.T) {
		f := newResolverFixture(t)
		f.load(t, "db")
		f.load(t, "auth")

		err := f.resolver.WaitForDependencies(context.Background(), "api", []string{"db", "auth", "db"}, DefaultWaitOptions())
		require.NoError(t, err)

		metrics, ok := f.resolver.ResolutionMetrics("api")
		require.True(t, ok)
		assert.Equal(t, time.Duration(0), metrics.ResolveTime)
		assert.Equal(t, 2, metrics.DependencyCount)
		assert.Equal(t, []string{"api"}, f.resolver.TrackedPlugins())
		assert.Empty(t, f.resolver.PendingWaits())
	})

	t.Run("already_failed", func(t *testing.T) {
		f := newResolverFixture(t)
		var failures []DependencyFailedEvent
		f.bus.Subscribe(EventDependencyFailed, func(ev Event) {
			failures = append(failures, ev.(DependencyFailedEvent))
		})
		f.load(t, "auth")
		f.startLoading(t, "db")
		require.True(t, f.sm.Transition("db", TransitionFail, TransitionContext{}))

		err := f.resolver.WaitForDependencies(context.Background(), "api", []string{"auth", "db"}, DefaultWaitOptions())
		assert.True(t, HasErrorCode(err, ErrCodeDependencyFailure))
		require.Len(t, failures, 1)
		assert.Equal(t, "db", failures[0].Dependency)
		assert.False(t, failures[0].IsTimeout)
		assert.Empty(t, f.resolver.PendingWaits())
	})

	t.Run("missing_plugin_name", func(t *testing.T) {
		f := newResolverFixture(t)
		err := f.resolver.WaitForDependencies(context.Background(), "", []string{"db"}, DefaultWaitOptions())
		assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))
	})
}

// TestDependencyResolver_Resolution tests waits resolved by later loads
func TestDependencyResolver_Resolution(t *testing.T) {
	t.Run("resolves_when_all_loaded", func(t *testing.T) {
		f := newResolverFixture(t)
		var resolved []DependencyResolvedEvent
		f.bus.Subscribe(EventDependencyResolved, func(ev Event) {
			resolved = append(resolved, ev.(DependencyResolvedEvent))
		})
		f.startLoading(t, "db", "auth")

		done := f.waitAsync(t, context.Background(), "api", []string{"db", "auth"}, DefaultWaitOptions())

		f.load(t, "db")
		select {
		case <-done:
			t.Fatal("wait settled before every dependency loaded")
		case <-time.After(20 * time.Millisecond):
		}

		f.load(t, "auth")
		require.NoError(t, receive(t, done))

		require.Len(t, resolved, 2)
		assert.Equal(t, "api", resolved[0].PluginName)
		assert.ElementsMatch(t, []string{"db", "auth"}, []string{resolved[0].Dependency, resolved[1].Dependency})
		_, ok := f.resolver.ResolutionMetrics("api")
		assert.True(t, ok)
	})

	t.Run("loaded_event_counts_for_its_plugin", func(t *testing.T) {
		// pluginA is still loading when its loaded event arrives.
		f := newResolverFixture(t)
		f.startLoading(t, "pluginA")

		done := f.waitAsync(t, context.Background(), "pluginB", []string{"pluginA"}, DefaultWaitOptions())
		f.bus.Publish(PluginLoadedEvent{PluginName: "pluginA", Version: "1.0.0"})

		require.NoError(t, receive(t, done))
	})

	t.Run("several_waiters_on_one_dependency", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db")

		first := f.waitAsync(t, context.Background(), "api", []string{"db"}, DefaultWaitOptions())
		second := f.waitAsync(t, context.Background(), "billing", []string{"db"}, DefaultWaitOptions())
		f.load(t, "db")

		assert.NoError(t, receive(t, first))
		assert.NoError(t, receive(t, second))
	})
}

// TestDependencyResolver_Rejection tests fail-fast, timeouts and cancellation
func TestDependencyResolver_Rejection(t *testing.T) {
	t.Run("fail_fast", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db", "auth")

		done := f.waitAsync(t, context.Background(), "api", []string{"db", "auth"}, DefaultWaitOptions())
		cause := errors.New("db crashed")
		require.True(t, f.sm.Transition("db", TransitionFail, TransitionContext{Err: cause}))

		err := receive(t, done)
		assert.True(t, HasErrorCode(err, ErrCodeDependencyFailure))
		var structured *goerrors.Error
		require.True(t, errors.As(err, &structured))
		assert.Equal(t, cause, structured.Cause)
	})

	t.Run("load_failed_event", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db")

		done := f.waitAsync(t, context.Background(), "api", []string{"db"}, DefaultWaitOptions())
		f.bus.Publish(PluginLoadFailedEvent{PluginName: "db", Error: errors.New("bad checksum")})

		assert.True(t, HasErrorCode(receive(t, done), ErrCodeDependencyFailure))
	})

	t.Run("settles_once", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db", "auth")

		done := f.waitAsync(t, context.Background(), "api", []string{"db", "auth"}, DefaultWaitOptions())
		require.True(t, f.sm.Transition("db", TransitionFail, TransitionContext{}))
		require.True(t, f.sm.Transition("auth", TransitionFail, TransitionContext{}))
		f.load(t, "auth")

		assert.True(t, HasErrorCode(receive(t, done), ErrCodeDependencyFailure))
		select {
		case err := <-done:
			t.Fatalf("unexpected second result: %v", err)
		default:
		}
	})

	t.Run("timeout", func(t *testing.T) {
		f := newResolverFixture(t)
		var failures []DependencyFailedEvent
		var mu sync.Mutex
		f.bus.Subscribe(EventDependencyFailed, func(ev Event) {
			mu.Lock()
			failures = append(failures, ev.(DependencyFailedEvent))
			mu.Unlock()
		})
		f.load(t, "auth")
		f.startLoading(t, "db")

		opts := DefaultWaitOptions()
		opts.MaxWaitTime = 30 * time.Millisecond
		start := time.Now()
		err := f.resolver.WaitForDependencies(context.Background(), "api", []string{"auth", "db"}, opts)

		assert.True(t, HasErrorCode(err, ErrCodeDependencyTimeout))
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.True(t, f.logger.HasMessage("WARN", "Dependency wait timed out"))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, failures, 1)
		assert.Equal(t, "db", failures[0].Dependency)
		assert.True(t, failures[0].IsTimeout)
		assert.Empty(t, f.resolver.PendingWaits())
	})

	t.Run("conflicting_wait", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db")

		done := f.waitAsync(t, context.Background(), "api", []string{"db"}, DefaultWaitOptions())
		err := f.resolver.WaitForDependencies(context.Background(), "api", []string{"db"}, DefaultWaitOptions())
		assert.True(t, HasErrorCode(err, ErrCodeWaiterConflict))

		f.load(t, "db")
		assert.NoError(t, receive(t, done))
	})

	t.Run("context_cancelled", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db")

		ctx, cancel := context.WithCancel(context.Background())
		done := f.waitAsync(t, ctx, "api", []string{"db"}, DefaultWaitOptions())
		cancel()

		assert.ErrorIs(t, receive(t, done), context.Canceled)
		assert.Empty(t, f.resolver.PendingWaits())
	})

	t.Run("cancel_wait", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db")

		done := f.waitAsync(t, context.Background(), "api", []string{"db"}, DefaultWaitOptions())
		require.NoError(t, f.resolver.CancelWait("api"))

		assert.ErrorIs(t, receive(t, done), context.Canceled)
		assert.True(t, HasErrorCode(f.resolver.CancelWait("api"), ErrCodeWaiterNotFound))
	})

	t.Run("shutdown", func(t *testing.T) {
		f := newResolverFixture(t)
		f.startLoading(t, "db")

		done := f.waitAsync(t, context.Background(), "api", []string{"db"}, DefaultWaitOptions())
		f.resolver.Shutdown()

		assert.True(t, HasErrorCode(receive(t, done), ErrCodeResolverShutdown))
		err := f.resolver.WaitForDependencies(context.Background(), "billing", []string{"db"}, DefaultWaitOptions())
		assert.True(t, HasErrorCode(err, ErrCodeResolverShutdown))
		assert.Equal(t, 0, f.bus.SubscriberCount(EventPluginLoaded))
	})
}

type stubStates struct {
	mu     sync.Mutex
	states map[string]PluginState
}

func (s *stubStates) CurrentState(name string) (PluginState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	return state, ok
}

func (s *stubStates) set(name string, state PluginState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
}

// TestDependencyResolver_TimeoutRechecksStates tests that a wait whose
// dependencies loaded without an event resolves at its deadline
func TestDependencyResolver_TimeoutRechecksStates(t *testing.T) {
	logger := NewTestLogger()
	bus := NewEventBus(logger)
	states := &stubStates{states: map[string]PluginState{"db": StateLoading}}
	resolver, err := NewDependencyResolver(states, bus, logger)
	require.NoError(t, err)
	t.Cleanup(resolver.Shutdown)

	var mu sync.Mutex
	var resolved []DependencyResolvedEvent
	bus.Subscribe(EventDependencyResolved, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		resolved = append(resolved, ev.(DependencyResolvedEvent))
	})

	opts := DefaultWaitOptions()
	opts.MaxWaitTime = 50 * time.Millisecond
	done := make(chan error, 1)
	go func() {
		done <- resolver.WaitForDependencies(context.Background(), "api", []string{"db"}, opts)
	}()
	require.Eventually(t, func() bool { return len(resolver.PendingWaits()) == 1 }, time.Second, time.Millisecond)

	states.set("db", StateLoaded)
	require.NoError(t, receive(t, done))

	mu.Lock()
	require.Len(t, resolved, 1)
	assert.Equal(t, "db", resolved[0].Dependency)
	mu.Unlock()

	assert.Equal(t, []string{"api"}, resolver.TrackedPlugins())
	_, ok := resolver.ResolutionMetrics("api")
	assert.True(t, ok)
	assert.False(t, logger.HasMessage("WARN", "Dependency wait timed out"))
	assert.Empty(t, resolver.PendingWaits())
}

// TestDependencyResolver_PendingWaits tests the waiter listing
func TestDependencyResolver_PendingWaits(t *testing.T) {
	f := newResolverFixture(t)
	f.startLoading(t, "db")

	opts := DefaultWaitOptions()
	opts.MaxWaitTime = time.Minute
	f.waitAsync(t, context.Background(), "billing", []string{"db"}, opts)
	f.waitAsync(t, context.Background(), "api", []string{"db"}, opts)

	pending := f.resolver.PendingWaits()
	require.Len(t, pending, 2)
	assert.Equal(t, "api", pending[0].PluginName)
	assert.Equal(t, "billing", pending[1].PluginName)
	assert.Equal(t, []string{"db"}, pending[0].Dependencies)
	assert.WithinDuration(t, pending[0].StartTime.Add(time.Minute), pending[0].Deadline, time.Millisecond)
}

// TestDependencyResolver_MetricsPruning tests resolution metrics retention
func TestDependencyResolver_MetricsPruning(t *testing.T) {
	f := newResolverFixture(t, WithResolverConfig(ResolverConfig{
		DefaultMaxWaitTime:     time.Second,
		TrackResolutionMetrics: true,
		MetricsRetention:       10 * time.Millisecond,
		MaxMetricsEntries:      2,
	}))
	f.load(t, "db")

	opts := DefaultWaitOptions()
	require.NoError(t, f.resolver.WaitForDependencies(context.Background(), "a", []string{"db"}, opts))
	require.NoError(t, f.resolver.WaitForDependencies(context.Background(), "b", []string{"db"}, opts))
	assert.Equal(t, 2, f.resolver.ResolutionMetricsCount())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.resolver.WaitForDependencies(context.Background(), "c", []string{"db"}, opts))

	assert.Equal(t, 1, f.resolver.ResolutionMetricsCount())
	_, ok := f.resolver.ResolutionMetrics("c")
	assert.True(t, ok)

	opts.TrackResolutionMetrics = false
	require.NoError(t, f.resolver.WaitForDependencies(context.Background(), "d", []string{"db"}, opts))
	_, ok = f.resolver.ResolutionMetrics("d")
	assert.False(t, ok)
}

// TestDependencyResolver_Metrics tests the pending gauge and failure counter
func TestDependencyResolver_Metrics(t *testing.T) {
	metrics := NewDefaultMetricsCollector()
	f := newResolverFixture(t, WithResolverMetrics(metrics))
	f.startLoading(t, "db")

	done := f.waitAsync(t, context.Background(), "api", []string{"db"}, DefaultWaitOptions())
	assert.Eventually(t, func() bool {
		return metrics.Gauge(MetricPendingWaiters, nil) == 1.0
	}, time.Second, time.Millisecond)

	require.True(t, f.sm.Transition("db", TransitionFail, TransitionContext{}))
	receive(t, done)

	assert.Equal(t, 0.0, metrics.Gauge(MetricPendingWaiters, nil))
	assert.Equal(t, int64(1), metrics.Counter(MetricDependencyFailures, map[string]string{"reason": "failed"}))
}

// TestNewDependencyResolver_Validation tests constructor arguments
func TestNewDependencyResolver_Validation(t *testing.T) {
	_, err := NewDependencyResolver(nil, nil, nil)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))
}
