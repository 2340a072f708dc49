// state_machine.go: Per-plugin lifecycle finite state machine
//
// The state machine owns the authoritative lifecycle state of every plugin.
// Transitions are looked up in an edge table keyed by (from state,
// transition); each edge may carry a guard and a recovery policy. Applied
// transitions are announced on the event bus, illegal ones are rejected
// without side effects.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cenkalti/backoff/v4"
)

// maxRecoveryDelay caps exponential retry delays.
const maxRecoveryDelay = 10 * time.Minute

// GuardFunc decides whether an edge may be taken for a plugin.
type GuardFunc func(pluginName string, tc TransitionContext) bool

// TransitionEdge is one row of the transition table.
type TransitionEdge struct {
	From       PluginState
	Transition Transition
	To         PluginState
	Guard      GuardFunc
	Recovery   *RecoveryPolicy
}

// StateReader is the narrow query interface other components use to read
// plugin state.
type StateReader interface {
	CurrentState(pluginName string) (PluginState, bool)
}

// DefaultTransitionTable returns the built-in lifecycle edges.
//
//	discovered --load--> loading --complete--> loaded
//	loaded --unload--> unloading --complete--> unloaded
//	unloaded --load|reload--> loading, loaded --reload--> loading
//	any non-failed state --fail--> failed
//	failed --load|reload--> loading, failed --unload--> unloading
//	failed|unloaded --reset--> discovered
func DefaultTransitionTable() []TransitionEdge {
	return []TransitionEdge{
		{From: StateDiscovered, Transition: TransitionLoad, To: StateLoading},
		{From: StateDiscovered, Transition: TransitionFail, To: StateFailed},
		{From: StateLoading, Transition: TransitionComplete, To: StateLoaded},
		{From: StateLoading, Transition: TransitionFail, To: StateFailed},
		{From: StateLoaded, Transition: TransitionUnload, To: StateUnloading},
		{From: StateLoaded, Transition: TransitionReload, To: StateLoading},
		{From: StateLoaded, Transition: TransitionFail, To: StateFailed},
		{From: StateUnloading, Transition: TransitionComplete, To: StateUnloaded},
		{From: StateUnloading, Transition: TransitionFail, To: StateFailed},
		{From: StateUnloaded, Transition: TransitionLoad, To: StateLoading},
		{From: StateUnloaded, Transition: TransitionReload, To: StateLoading},
		{From: StateUnloaded, Transition: TransitionReset, To: StateDiscovered},
		{From: StateUnloaded, Transition: TransitionFail, To: StateFailed},
		{From: StateFailed, Transition: TransitionLoad, To: StateLoading},
		{From: StateFailed, Transition: TransitionReload, To: StateLoading},
		{From: StateFailed, Transition: TransitionUnload, To: StateUnloading},
		{From: StateFailed, Transition: TransitionReset, To: StateDiscovered},
	}
}

type edgeKey struct {
	from       PluginState
	transition Transition
}

type pluginLifecycle struct {
	state    PluginState
	failures []FailureContext

	// originEdge is the edge that started the phase the plugin was in when it
	// failed. Retries re-attempt its transition and use its recovery policy.
	originEdge edgeKey
	attempts   int
	backoff    backoff.BackOff
}

// StateMachineOption configures a StateMachine.
type StateMachineOption func(*StateMachine)

// WithTransitionTable replaces the default edge table.
func WithTransitionTable(edges []TransitionEdge) StateMachineOption {
	return func(sm *StateMachine) {
		sm.edges = make(map[edgeKey]*TransitionEdge, len(edges))
		for i := range edges {
			edge := edges[i]
			sm.edges[edgeKey{edge.From, edge.Transition}] = &edge
		}
	}
}

// WithStateMachineMetrics sets the metrics collector.
func WithStateMachineMetrics(collector MetricsCollector) StateMachineOption {
	return func(sm *StateMachine) {
		if collector != nil {
			sm.metrics = collector
		}
	}
}

// StateMachine tracks the lifecycle state of every plugin.
//
// Example usage:
//
//	sm := NewStateMachine(bus, logger)
//	sm.Transition("auth", TransitionLoad, TransitionContext{Reason: "startup"})
//	if err := load(); err != nil {
//	    sm.Transition("auth", TransitionFail, TransitionContext{Err: err})
//	    if ok, _ := sm.RetryTransition(ctx, "auth", TransitionContext{}); ok {
//	        // loading again
//	    }
//	}
type StateMachine struct {
	bus     *EventBus
	logger  Logger
	metrics MetricsCollector

	mu      sync.RWMutex
	edges   map[edgeKey]*TransitionEdge
	plugins map[string]*pluginLifecycle
}

// NewStateMachine creates a state machine publishing on bus.
// A nil bus gets a private one.
func NewStateMachine(bus *EventBus, logger Logger, opts ...StateMachineOption) *StateMachine {
	logger = NewLogger(logger)
	if bus == nil {
		bus = NewEventBus(logger)
	}
	sm := &StateMachine{
		bus:     bus,
		logger:  logger.With("component", "state_machine"),
		metrics: NewNoOpMetricsCollector(),
		plugins: make(map[string]*pluginLifecycle),
	}
	WithTransitionTable(DefaultTransitionTable())(sm)
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// CurrentState returns the state of a plugin; ok is false for untracked plugins.
func (sm *StateMachine) CurrentState(pluginName string) (PluginState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if p, exists := sm.plugins[pluginName]; exists {
		return p.state, true
	}
	return "", false
}

// Discover starts tracking pluginName in the discovered state. It returns
// false, changing nothing, when the plugin is already tracked.
func (sm *StateMachine) Discover(pluginName string) bool {
	if pluginName == "" {
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.plugins[pluginName]; exists {
		return false
	}
	sm.plugins[pluginName] = &pluginLifecycle{state: StateDiscovered}
	return true
}

// Plugins returns the sorted names of every tracked plugin.
func (sm *StateMachine) Plugins() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	names := make([]string, 0, len(sm.plugins))
	for name := range sm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PluginsInState returns the sorted names of plugins currently in state.
func (sm *StateMachine) PluginsInState(state PluginState) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var names []string
	for name, p := range sm.plugins {
		if p.state == state {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SetGuard installs a guard on an existing edge.
func (sm *StateMachine) SetGuard(from PluginState, transition Transition, guard GuardFunc) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	edge, ok := sm.edges[edgeKey{from, transition}]
	if !ok {
		return NewInvalidTransitionError("", from, transition)
	}
	edge.Guard = guard
	return nil
}

// SetRecoveryPolicy installs a recovery policy on an existing edge.
func (sm *StateMachine) SetRecoveryPolicy(from PluginState, transition Transition, policy *RecoveryPolicy) error {
	if policy != nil && policy.RollbackState != "" && !policy.RollbackState.IsValid() {
		return NewUnknownStateError(policy.RollbackState)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	edge, ok := sm.edges[edgeKey{from, transition}]
	if !ok {
		return NewInvalidTransitionError("", from, transition)
	}
	edge.Recovery = policy
	return nil
}

// lookup returns the current state (discovered for untracked plugins) and
// the matching edge, if any.
func (sm *StateMachine) lookup(pluginName string, transition Transition) (PluginState, *TransitionEdge) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	from := StateDiscovered
	if p, ok := sm.plugins[pluginName]; ok {
		from = p.state
	}
	edge, ok := sm.edges[edgeKey{from, transition}]
	if !ok {
		return from, nil
	}
	copied := *edge
	return from, &copied
}

// CanTransition reports whether transition is legal for the plugin right now
// and its guard, if any, accepts tc.
func (sm *StateMachine) CanTransition(pluginName string, transition Transition, tc TransitionContext) bool {
	if pluginName == "" {
		return false
	}
	_, edge := sm.lookup(pluginName, transition)
	if edge == nil {
		return false
	}
	return sm.evaluateGuard(pluginName, edge, tc)
}

func (sm *StateMachine) evaluateGuard(pluginName string, edge *TransitionEdge, tc TransitionContext) bool {
	if edge.Guard == nil {
		return true
	}
	allowed := false
	completed := callRecovered(func(recovered interface{}, stack []byte) {
		sm.logger.Error("Transition guard panicked",
			"plugin", pluginName,
			"transition", string(edge.Transition),
			"panic", recovered)
	}, func() {
		allowed = edge.Guard(pluginName, tc)
	})
	return completed && allowed
}

// Transition applies transition to the plugin. It returns false, without
// mutating anything or publishing an event, when no edge exists from the
// current state or the edge guard rejects the context.
func (sm *StateMachine) Transition(pluginName string, transition Transition, tc TransitionContext) bool {
	if pluginName == "" {
		return false
	}

	from, edge := sm.lookup(pluginName, transition)
	if edge == nil {
		sm.logger.Debug("Rejected invalid transition",
			"plugin", pluginName,
			"from", string(from),
			"transition", string(transition))
		return false
	}
	if !sm.evaluateGuard(pluginName, edge, tc) {
		sm.logger.Debug("Transition guard rejected",
			"plugin", pluginName,
			"from", string(from),
			"transition", string(transition))
		return false
	}

	now := timecache.CachedTime()

	sm.mu.Lock()
	p, exists := sm.plugins[pluginName]
	current := StateDiscovered
	if exists {
		current = p.state
	}
	if current != from {
		// State moved while the guard ran; the evaluated edge no longer applies.
		sm.mu.Unlock()
		return false
	}
	if !exists {
		p = &pluginLifecycle{}
		sm.plugins[pluginName] = p
	}

	p.state = edge.To
	switch {
	case edge.To == StateFailed:
		attempt := p.attempts + 1
		p.failures = append(p.failures, FailureContext{
			Error:         tc.Err,
			Message:       failureMessage(tc),
			Attempt:       attempt,
			Timestamp:     now,
			PreviousState: from,
			Transition:    p.originEdge.transition,
		})
	case edge.To == StateLoaded || edge.To == StateUnloaded || edge.To == StateDiscovered:
		p.attempts = 0
		p.backoff = nil
	case from != StateFailed:
		p.originEdge = edgeKey{from, transition}
	}
	sm.mu.Unlock()

	labels := map[string]string{"from": string(from), "to": string(edge.To)}
	sm.metrics.IncrementCounter(MetricTransitionsTotal, labels, 1)
	if edge.To == StateFailed {
		sm.metrics.IncrementCounter(MetricFailuresTotal, map[string]string{"from": string(from)}, 1)
	}

	sm.logger.Debug("Plugin state changed",
		"plugin", pluginName,
		"from", string(from),
		"to", string(edge.To),
		"transition", string(transition))

	sm.bus.Publish(StateChangedEvent{
		PluginName: pluginName,
		FromState:  from,
		ToState:    edge.To,
		Transition: transition,
		Timestamp:  now,
		Context:    copyTransitionContext(tc),
	})
	return true
}

// RetryTransition re-attempts the transition that was in progress when the
// plugin failed, following the recovery policy of the edge that started it.
//
// The call waits for the policy delay (doubling per attempt with exponential
// backoff) before retrying. When the retry budget is exhausted, or CanRetry
// refuses, the plugin is forced to the policy RollbackState (if any and if
// CanRollback allows) and false is returned. Only an empty plugin name or a
// cancelled ctx produce an error.
func (sm *StateMachine) RetryTransition(ctx context.Context, pluginName string, tc TransitionContext) (bool, error) {
	if pluginName == "" {
		return false, NewInvalidArgumentError("plugin_name", "plugin name is required")
	}

	sm.mu.RLock()
	p, exists := sm.plugins[pluginName]
	if !exists || p.state != StateFailed || p.originEdge.transition == "" {
		sm.mu.RUnlock()
		return false, nil
	}
	origin := p.originEdge
	policy := sm.recoveryPolicyLocked(origin)
	var last FailureContext
	if n := len(p.failures); n > 0 {
		last = p.failures[n-1]
	}
	sm.mu.RUnlock()

	if policy == nil {
		sm.logger.Debug("No recovery policy for failed transition",
			"plugin", pluginName,
			"transition", string(origin.transition))
		return false, nil
	}

	if policy.CanRetry != nil && !policy.CanRetry(last) {
		return sm.exhaustRecovery(pluginName, policy, last, tc), nil
	}

	sm.mu.Lock()
	p, exists = sm.plugins[pluginName]
	if !exists || p.state != StateFailed {
		sm.mu.Unlock()
		return false, nil
	}
	if p.backoff == nil {
		p.backoff = newRecoveryBackOff(policy)
	}
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		sm.mu.Unlock()
		return sm.exhaustRecovery(pluginName, policy, last, tc), nil
	}
	p.attempts++
	attempt := p.attempts
	if n := len(p.failures); n > 0 {
		p.failures[n-1].RecoveryAttempted = true
	}
	sm.mu.Unlock()

	sm.metrics.IncrementCounter(MetricRetriesTotal, map[string]string{"transition": string(origin.transition)}, 1)
	sm.logger.Info("Retrying failed transition",
		"plugin", pluginName,
		"transition", string(origin.transition),
		"attempt", attempt,
		"max_retries", policy.MaxRetries,
		"delay", delay)

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return sm.Transition(pluginName, origin.transition, tc), nil
}

func (sm *StateMachine) recoveryPolicyLocked(origin edgeKey) *RecoveryPolicy {
	if edge, ok := sm.edges[origin]; ok && edge.Recovery != nil {
		return edge.Recovery
	}
	if edge, ok := sm.edges[edgeKey{StateFailed, origin.transition}]; ok {
		return edge.Recovery
	}
	return nil
}

func (sm *StateMachine) exhaustRecovery(pluginName string, policy *RecoveryPolicy, last FailureContext, tc TransitionContext) bool {
	sm.mu.RLock()
	attempts := 0
	if p, ok := sm.plugins[pluginName]; ok {
		attempts = p.attempts
	}
	sm.mu.RUnlock()

	sm.logger.Warn("Recovery exhausted",
		"plugin", pluginName,
		"attempts", attempts,
		"rollback_state", string(policy.RollbackState))

	if policy.RollbackState == "" {
		return false
	}
	if policy.CanRollback != nil && !policy.CanRollback(last) {
		return false
	}

	if tc.Err == nil {
		tc.Err = NewRetryExhaustedError(pluginName, attempts)
	}
	if tc.Reason == "" {
		tc.Reason = "recovery exhausted"
	}
	if err := sm.RollbackToState(pluginName, policy.RollbackState, tc); err != nil {
		sm.logger.Error("Recovery rollback failed", "plugin", pluginName, "error", err)
	}
	return false
}

// RollbackToState overwrites the plugin state without consulting the edge
// table. The override is recorded in the failure history and published as a
// forced state change. Intended for recovery and rollback paths only.
func (sm *StateMachine) RollbackToState(pluginName string, target PluginState, tc TransitionContext) error {
	if pluginName == "" {
		return NewInvalidArgumentError("plugin_name", "plugin name is required")
	}
	if !target.IsValid() {
		return NewUnknownStateError(target)
	}

	now := timecache.CachedTime()

	sm.mu.Lock()
	p, exists := sm.plugins[pluginName]
	if !exists {
		p = &pluginLifecycle{state: StateDiscovered}
		sm.plugins[pluginName] = p
	}
	from := p.state
	p.state = target
	p.failures = append(p.failures, FailureContext{
		Error:             tc.Err,
		Message:           "forced rollback from " + string(from) + " to " + string(target),
		Attempt:           p.attempts,
		Timestamp:         now,
		PreviousState:     from,
		Transition:        TransitionReset,
		RecoveryAttempted: true,
	})
	p.attempts = 0
	p.backoff = nil
	sm.mu.Unlock()

	sm.metrics.IncrementCounter(MetricTransitionsTotal, map[string]string{"from": string(from), "to": string(target)}, 1)
	sm.logger.Warn("Plugin state forced",
		"plugin", pluginName,
		"from", string(from),
		"to", string(target),
		"reason", tc.Reason)

	sm.bus.Publish(StateChangedEvent{
		PluginName: pluginName,
		FromState:  from,
		ToState:    target,
		Transition: TransitionReset,
		Timestamp:  now,
		Context:    copyTransitionContext(tc),
		Forced:     true,
	})
	return nil
}

// FailureHistory returns a copy of the plugin failure history, oldest first.
func (sm *StateMachine) FailureHistory(pluginName string) []FailureContext {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	p, ok := sm.plugins[pluginName]
	if !ok {
		return nil
	}
	out := make([]FailureContext, len(p.failures))
	copy(out, p.failures)
	return out
}

// ClearFailureHistory drops the failure history and retry budget of a plugin.
func (sm *StateMachine) ClearFailureHistory(pluginName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if p, ok := sm.plugins[pluginName]; ok {
		p.failures = nil
		p.attempts = 0
		p.backoff = nil
	}
}

// Reset forgets everything about a plugin.
func (sm *StateMachine) Reset(pluginName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.plugins, pluginName)
}

// ResetAll forgets every plugin.
func (sm *StateMachine) ResetAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.plugins = make(map[string]*pluginLifecycle)
}

func newRecoveryBackOff(policy *RecoveryPolicy) backoff.BackOff {
	var b backoff.BackOff
	if policy.ExponentialBackoff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = policy.RetryDelay
		eb.RandomizationFactor = 0
		eb.Multiplier = 2
		eb.MaxInterval = maxRecoveryDelay
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(policy.RetryDelay)
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

func failureMessage(tc TransitionContext) string {
	if tc.Err != nil {
		return tc.Err.Error()
	}
	return tc.Reason
}

func copyTransitionContext(tc TransitionContext) TransitionContext {
	tc.Metadata = cloneAnyMap(tc.Metadata)
	return tc
}
