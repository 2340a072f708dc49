// state_machine_test.go: lifecycle transitions, guards and recovery policies
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordStateChanges subscribes to state changes and returns the captured slice.
func recordStateChanges(bus *EventBus) *[]StateChangedEvent {
	var events []StateChangedEvent
	bus.Subscribe(EventStateChanged, func(ev Event) {
		events = append(events, ev.(StateChangedEvent))
	})
	return &events
}

// TestStateMachine_DefaultLifecycle tests the full load and unload path
func TestStateMachine_DefaultLifecycle(t *testing.T) {
	bus := NewEventBus(nil)
	events := recordStateChanges(bus)
	sm := NewStateMachine(bus, nil)

	_, tracked := sm.CurrentState("auth")
	assert.False(t, tracked)

	steps := []struct {
		transition Transition
		to         PluginState
	}{
		{TransitionLoad, StateLoading},
		{TransitionComplete, StateLoaded},
		{TransitionUnload, StateUnloading},
		{TransitionComplete, StateUnloaded},
		{TransitionReset, StateDiscovered},
	}
	for _, step := range steps {
		require.True(t, sm.Transition("auth", step.transition, TransitionContext{Reason: "test"}), "transition %s", step.transition)
		state, ok := sm.CurrentState("auth")
		require.True(t, ok)
		assert.Equal(t, step.to, state)
	}

	require.Len(t, *events, len(steps))
	first := (*events)[0]
	assert.Equal(t, "auth", first.PluginName)
	assert.Equal(t, StateDiscovered, first.FromState)
	assert.Equal(t, StateLoading, first.ToState)
	assert.Equal(t, TransitionLoad, first.Transition)
	assert.Equal(t, "test", first.Context.Reason)
	assert.False(t, first.Forced)
}

// TestStateMachine_InvalidTransitions tests that illegal edges change nothing
func TestStateMachine_InvalidTransitions(t *testing.T) {
	bus := NewEventBus(nil)
	events := recordStateChanges(bus)
	sm := NewStateMachine(bus, nil)

	assert.False(t, sm.Transition("auth", TransitionComplete, TransitionContext{}))
	assert.False(t, sm.Transition("auth", TransitionUnload, TransitionContext{}))
	assert.False(t, sm.Transition("", TransitionLoad, TransitionContext{}))

	_, tracked := sm.CurrentState("auth")
	assert.False(t, tracked)
	assert.Empty(t, *events)

	require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	assert.False(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	assert.False(t, sm.CanTransition("auth", TransitionUnload, TransitionContext{}))
	assert.True(t, sm.CanTransition("auth", TransitionComplete, TransitionContext{}))
	assert.Len(t, *events, 1)
}

// TestStateMachine_FailFromEveryState tests that every non-failed state can fail
func TestStateMachine_FailFromEveryState(t *testing.T) {
	paths := map[PluginState][]Transition{
		StateDiscovered: nil,
		StateLoading:    {TransitionLoad},
		StateLoaded:     {TransitionLoad, TransitionComplete},
		StateUnloading:  {TransitionLoad, TransitionComplete, TransitionUnload},
		StateUnloaded:   {TransitionLoad, TransitionComplete, TransitionUnload, TransitionComplete},
	}
	for from, path := range paths {
		t.Run(string(from), func(t *testing.T) {
			sm := NewStateMachine(nil, nil)
			sm.Discover("auth")
			for _, transition := range path {
				require.True(t, sm.Transition("auth", transition, TransitionContext{}))
			}
			state, _ := sm.CurrentState("auth")
			require.Equal(t, from, state)

			assert.True(t, sm.Transition("auth", TransitionFail, TransitionContext{Err: errors.New("crash")}))
			state, _ = sm.CurrentState("auth")
			assert.Equal(t, StateFailed, state)
			assert.Len(t, sm.FailureHistory("auth"), 1)

			assert.False(t, sm.Transition("auth", TransitionFail, TransitionContext{}))
		})
	}
}

// TestStateMachine_Guards tests guard acceptance, rejection and panics
func TestStateMachine_Guards(t *testing.T) {
	t.Run("guard_rejects", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		require.NoError(t, sm.SetGuard(StateDiscovered, TransitionLoad, func(name string, tc TransitionContext) bool {
			return tc.Metadata["approved"] == true
		}))

		assert.False(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		assert.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{Metadata: map[string]any{"approved": true}}))
	})

	t.Run("guard_panic_is_rejection", func(t *testing.T) {
		logger := NewTestLogger()
		sm := NewStateMachine(nil, logger)
		require.NoError(t, sm.SetGuard(StateDiscovered, TransitionLoad, func(string, TransitionContext) bool {
			panic("guard exploded")
		}))

		assert.NotPanics(t, func() {
			assert.False(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		})
		assert.True(t, logger.HasMessage("ERROR", "Transition guard panicked"))
	})

	t.Run("guard_on_missing_edge", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		err := sm.SetGuard(StateLoaded, TransitionComplete, func(string, TransitionContext) bool { return true })
		assert.True(t, HasErrorCode(err, ErrCodeInvalidTransition))
	})
}

// TestStateMachine_FailureHistory tests failure recording
func TestStateMachine_FailureHistory(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	cause := errors.New("module not found")

	require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	require.True(t, sm.Transition("auth", TransitionFail, TransitionContext{Err: cause}))

	history := sm.FailureHistory("auth")
	require.Len(t, history, 1)
	assert.Equal(t, cause, history[0].Error)
	assert.Equal(t, "module not found", history[0].Message)
	assert.Equal(t, StateLoading, history[0].PreviousState)
	assert.Equal(t, TransitionLoad, history[0].Transition)
	assert.Equal(t, 1, history[0].Attempt)

	sm.ClearFailureHistory("auth")
	assert.Empty(t, sm.FailureHistory("auth"))
	assert.Nil(t, sm.FailureHistory("unknown"))
}

// TestStateMachine_RetryTransition tests recovery policies
func TestStateMachine_RetryTransition(t *testing.T) {
	fail := func(t *testing.T, sm *StateMachine, name string) {
		t.Helper()
		require.True(t, sm.Transition(name, TransitionFail, TransitionContext{Err: errors.New("load failed")}))
	}

	t.Run("retries_then_rolls_back", func(t *testing.T) {
		bus := NewEventBus(nil)
		events := recordStateChanges(bus)
		sm := NewStateMachine(bus, nil)
		require.NoError(t, sm.SetRecoveryPolicy(StateDiscovered, TransitionLoad, &RecoveryPolicy{
			MaxRetries:    2,
			RetryDelay:    time.Millisecond,
			RollbackState: StateUnloaded,
		}))

		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		for i := 0; i < 2; i++ {
			fail(t, sm, "auth")
			retried, err := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
			require.NoError(t, err)
			require.True(t, retried, "retry %d", i+1)
			state, _ := sm.CurrentState("auth")
			assert.Equal(t, StateLoading, state)
		}

		fail(t, sm, "auth")
		retried, err := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		require.NoError(t, err)
		assert.False(t, retried)

		state, _ := sm.CurrentState("auth")
		assert.Equal(t, StateUnloaded, state)

		last := (*events)[len(*events)-1]
		assert.True(t, last.Forced)
		assert.Equal(t, StateFailed, last.FromState)
		assert.Equal(t, StateUnloaded, last.ToState)
		assert.True(t, HasErrorCode(last.Context.Err, ErrCodeRetryExhausted))

		history := sm.FailureHistory("auth")
		require.Len(t, history, 4)
		assert.True(t, history[0].RecoveryAttempted)
		assert.Equal(t, 3, history[2].Attempt)
	})

	t.Run("failed_edge_policy_is_fallback", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		require.NoError(t, sm.SetRecoveryPolicy(StateFailed, TransitionLoad, &RecoveryPolicy{MaxRetries: 1}))

		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		fail(t, sm, "auth")

		retried, err := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		require.NoError(t, err)
		assert.True(t, retried)
	})

	t.Run("no_policy", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		fail(t, sm, "auth")

		retried, err := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		require.NoError(t, err)
		assert.False(t, retried)
		state, _ := sm.CurrentState("auth")
		assert.Equal(t, StateFailed, state)
	})

	t.Run("not_failed", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))

		retried, err := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		require.NoError(t, err)
		assert.False(t, retried)

		_, err = sm.RetryTransition(context.Background(), "", TransitionContext{})
		assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))
	})

	t.Run("can_retry_refuses", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		var seen FailureContext
		require.NoError(t, sm.SetRecoveryPolicy(StateDiscovered, TransitionLoad, &RecoveryPolicy{
			MaxRetries: 5,
			CanRetry: func(fc FailureContext) bool {
				seen = fc
				return false
			},
			RollbackState: StateUnloaded,
			CanRollback:   func(FailureContext) bool { return false },
		}))

		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		fail(t, sm, "auth")

		retried, err := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		require.NoError(t, err)
		assert.False(t, retried)
		assert.Equal(t, "load failed", seen.Message)

		// CanRollback refused, so the plugin stays failed.
		state, _ := sm.CurrentState("auth")
		assert.Equal(t, StateFailed, state)
	})

	t.Run("context_cancelled_during_delay", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		require.NoError(t, sm.SetRecoveryPolicy(StateDiscovered, TransitionLoad, &RecoveryPolicy{
			MaxRetries: 1,
			RetryDelay: time.Hour,
		}))
		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		fail(t, sm, "auth")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		retried, err := sm.RetryTransition(ctx, "auth", TransitionContext{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, retried)
		state, _ := sm.CurrentState("auth")
		assert.Equal(t, StateFailed, state)
	})

	t.Run("success_resets_budget", func(t *testing.T) {
		sm := NewStateMachine(nil, nil)
		require.NoError(t, sm.SetRecoveryPolicy(StateDiscovered, TransitionLoad, &RecoveryPolicy{MaxRetries: 1}))
		require.NoError(t, sm.SetRecoveryPolicy(StateUnloaded, TransitionLoad, &RecoveryPolicy{MaxRetries: 1}))

		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		fail(t, sm, "auth")
		retried, _ := sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		require.True(t, retried)
		require.True(t, sm.Transition("auth", TransitionComplete, TransitionContext{}))
		require.True(t, sm.Transition("auth", TransitionUnload, TransitionContext{}))
		require.True(t, sm.Transition("auth", TransitionComplete, TransitionContext{}))

		require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
		fail(t, sm, "auth")
		retried, _ = sm.RetryTransition(context.Background(), "auth", TransitionContext{})
		assert.True(t, retried)
	})
}

// TestRecoveryBackOff tests the delay sequence of recovery policies
func TestRecoveryBackOff(t *testing.T) {
	t.Run("exponential_doubles", func(t *testing.T) {
		b := newRecoveryBackOff(&RecoveryPolicy{MaxRetries: 3, RetryDelay: 10 * time.Millisecond, ExponentialBackoff: true})
		assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
		assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
		assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})

	t.Run("constant", func(t *testing.T) {
		b := newRecoveryBackOff(&RecoveryPolicy{MaxRetries: 2, RetryDelay: 5 * time.Millisecond})
		assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
		assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})

	t.Run("zero_retries", func(t *testing.T) {
		b := newRecoveryBackOff(&RecoveryPolicy{})
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})
}

// TestStateMachine_RollbackToState tests forced state changes
func TestStateMachine_RollbackToState(t *testing.T) {
	bus := NewEventBus(nil)
	events := recordStateChanges(bus)
	sm := NewStateMachine(bus, nil)

	require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	require.NoError(t, sm.RollbackToState("auth", StateUnloaded, TransitionContext{Reason: "operator"}))

	state, _ := sm.CurrentState("auth")
	assert.Equal(t, StateUnloaded, state)

	last := (*events)[len(*events)-1]
	assert.True(t, last.Forced)
	assert.Equal(t, TransitionReset, last.Transition)
	assert.Equal(t, StateLoading, last.FromState)

	history := sm.FailureHistory("auth")
	require.Len(t, history, 1)
	assert.Equal(t, StateLoading, history[0].PreviousState)

	err := sm.RollbackToState("auth", PluginState("bogus"), TransitionContext{})
	assert.True(t, HasErrorCode(err, ErrCodeUnknownState))
	err = sm.RollbackToState("", StateUnloaded, TransitionContext{})
	assert.True(t, HasErrorCode(err, ErrCodeInvalidArgument))
}

// TestStateMachine_Queries tests plugin listing helpers
func TestStateMachine_Queries(t *testing.T) {
	sm := NewStateMachine(nil, nil)

	assert.True(t, sm.Discover("storage"))
	assert.False(t, sm.Discover("storage"))
	assert.False(t, sm.Discover(""))

	require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	require.True(t, sm.Transition("api", TransitionLoad, TransitionContext{}))
	require.True(t, sm.Transition("api", TransitionComplete, TransitionContext{}))

	assert.Equal(t, []string{"api", "auth", "storage"}, sm.Plugins())
	assert.Equal(t, []string{"auth"}, sm.PluginsInState(StateLoading))
	assert.Equal(t, []string{"storage"}, sm.PluginsInState(StateDiscovered))

	sm.Reset("auth")
	assert.Equal(t, []string{"api", "storage"}, sm.Plugins())
	sm.ResetAll()
	assert.Empty(t, sm.Plugins())
}

// TestStateMachine_CustomTable tests replacing the edge table
func TestStateMachine_CustomTable(t *testing.T) {
	sm := NewStateMachine(nil, nil, WithTransitionTable([]TransitionEdge{
		{From: StateDiscovered, Transition: TransitionLoad, To: StateLoaded},
	}))

	assert.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	state, _ := sm.CurrentState("auth")
	assert.Equal(t, StateLoaded, state)
	assert.False(t, sm.Transition("auth", TransitionUnload, TransitionContext{}))
}

// TestStateMachine_Metrics tests transition counters
func TestStateMachine_Metrics(t *testing.T) {
	metrics := NewDefaultMetricsCollector()
	sm := NewStateMachine(nil, nil, WithStateMachineMetrics(metrics))

	require.True(t, sm.Transition("auth", TransitionLoad, TransitionContext{}))
	require.True(t, sm.Transition("auth", TransitionFail, TransitionContext{}))

	assert.Equal(t, int64(1), metrics.Counter(MetricTransitionsTotal, map[string]string{"from": "discovered", "to": "loading"}))
	assert.Equal(t, int64(1), metrics.Counter(MetricFailuresTotal, map[string]string{"from": "loading"}))
}

// TestStateMachine_ConcurrentTransitions tests that only one racer wins an edge
func TestStateMachine_ConcurrentTransitions(t *testing.T) {
	sm := NewStateMachine(nil, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.Transition("auth", TransitionLoad, TransitionContext{}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	state, _ := sm.CurrentState("auth")
	assert.Equal(t, StateLoading, state)
}
