// dependency_resolver.go: Event-driven dependency waiting for plugins
//
// A plugin that declares dependencies calls WaitForDependencies before
// finishing its own load. The resolver answers immediately when the outcome is
// already known and otherwise parks a waiter that is settled by bus events
// (dependency loaded or failed), by its timeout, by the caller's context or by
// Shutdown, whichever comes first.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/panjf2000/ants/v2"
)

// WaitOptions tunes a single WaitForDependencies call.
type WaitOptions struct {
	// MaxWaitTime bounds the wait. Zero uses the resolver default.
	MaxWaitTime time.Duration `json:"max_wait_time" yaml:"max_wait_time"`

	// EnableTimeoutWarnings logs a warning when the wait times out.
	EnableTimeoutWarnings bool `json:"enable_timeout_warnings" yaml:"enable_timeout_warnings"`

	// TrackResolutionMetrics records a ResolutionMetrics entry on success.
	TrackResolutionMetrics bool `json:"track_resolution_metrics" yaml:"track_resolution_metrics"`
}

// DefaultWaitOptions returns 30s waits with warnings and metrics enabled.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		MaxWaitTime:            30 * time.Second,
		EnableTimeoutWarnings:  true,
		TrackResolutionMetrics: true,
	}
}

// ResolutionMetrics describes how long a plugin waited for its dependencies.
type ResolutionMetrics struct {
	ResolveTime     time.Duration `json:"resolve_time"`
	DependencyCount int           `json:"dependency_count"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// PendingWait is a read-only view of a registered waiter.
type PendingWait struct {
	PluginName   string    `json:"plugin_name"`
	Dependencies []string  `json:"dependencies"`
	StartTime    time.Time `json:"start_time"`
	Deadline     time.Time `json:"deadline"`
}

// dependencyWaiter is settled exactly once through settle.
type dependencyWaiter struct {
	pluginName   string
	dependencies []string
	startTime    time.Time
	deadline     time.Time
	options      WaitOptions

	timer  *time.Timer
	once   sync.Once
	result chan error
}

func (w *dependencyWaiter) settle(err error) bool {
	settled := false
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.result <- err
		settled = true
	})
	return settled
}

func (w *dependencyWaiter) dependsOn(name string) bool {
	for _, dep := range w.dependencies {
		if dep == name {
			return true
		}
	}
	return false
}

// ResolverOption configures a DependencyResolver.
type ResolverOption func(*DependencyResolver)

// WithResolverConfig sets waiter defaults and metrics retention.
func WithResolverConfig(config ResolverConfig) ResolverOption {
	return func(r *DependencyResolver) {
		config.ApplyDefaults()
		r.config = config
	}
}

// WithHealthCheckConfig sets the dependency health sweep configuration.
func WithHealthCheckConfig(config HealthCheckConfig) ResolverOption {
	return func(r *DependencyResolver) {
		config.ApplyDefaults()
		r.healthConfig.Store(&config)
	}
}

// WithResponsivenessProbe replaces the synthetic probe used by health sweeps.
func WithResponsivenessProbe(probe ResponsivenessProbe) ResolverOption {
	return func(r *DependencyResolver) {
		if probe != nil {
			r.probe = probe
		}
	}
}

// WithResolverMetrics sets the metrics collector.
func WithResolverMetrics(collector MetricsCollector) ResolverOption {
	return func(r *DependencyResolver) {
		if collector != nil {
			r.metrics = collector
		}
	}
}

// DependencyResolver lets plugins wait for their dependencies without polling.
//
// Example usage:
//
//	resolver, err := NewDependencyResolver(sm, bus, logger)
//	if err != nil {
//	    return err
//	}
//	defer resolver.Shutdown()
//
//	err = resolver.WaitForDependencies(ctx, "billing", []string{"auth", "db"}, DefaultWaitOptions())
//	if HasErrorCode(err, ErrCodeDependencyTimeout) {
//	    // still pending after the deadline
//	}
type DependencyResolver struct {
	states  StateReader
	bus     *EventBus
	logger  Logger
	metrics MetricsCollector
	config  ResolverConfig

	mu          sync.Mutex
	waiters     map[string]*dependencyWaiter
	resolutions map[string]ResolutionMetrics
	closed      bool
	unsubscribe []func()

	// Health monitoring, see dependency_health.go.
	healthConfig atomic.Pointer[HealthCheckConfig]
	probe        ResponsivenessProbe
	pool         *ants.Pool
	healthMu     sync.Mutex
	tracked      map[string][]string
	healthChecks map[healthKey]*DependencyHealthCheck
	sweepMu      sync.Mutex
	loopMu       sync.Mutex
	running      atomic.Bool
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewDependencyResolver creates a resolver reading plugin states from states
// and listening on bus. The health sweep is not started; call Start.
func NewDependencyResolver(states StateReader, bus *EventBus, logger Logger, opts ...ResolverOption) (*DependencyResolver, error) {
	if states == nil {
		return nil, NewInvalidArgumentError("states", "a state reader is required")
	}
	logger = NewLogger(logger)
	if bus == nil {
		bus = NewEventBus(logger)
	}

	r := &DependencyResolver{
		states:       states,
		bus:          bus,
		logger:       logger.With("component", "dependency_resolver"),
		metrics:      NewNoOpMetricsCollector(),
		config:       DefaultResolverConfig(),
		waiters:      make(map[string]*dependencyWaiter),
		resolutions:  make(map[string]ResolutionMetrics),
		probe:        SyntheticProbe{},
		tracked:      make(map[string][]string),
		healthChecks: make(map[healthKey]*DependencyHealthCheck),
	}
	defaultHealth := DefaultHealthCheckConfig()
	r.healthConfig.Store(&defaultHealth)

	for _, opt := range opts {
		opt(r)
	}

	pool, err := ants.NewPool(r.healthConfig.Load().WorkerPoolSize, ants.WithPanicHandler(func(p interface{}) {
		r.logger.Error("Health probe worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, NewInvalidArgumentError("worker_pool_size", err.Error())
	}
	r.pool = pool

	r.unsubscribe = []func(){
		bus.Subscribe(EventPluginLoaded, r.handleEvent),
		bus.Subscribe(EventPluginLoadFailed, r.handleEvent),
		bus.Subscribe(EventStateChanged, r.handleEvent),
	}
	return r, nil
}

func (r *DependencyResolver) handleEvent(event Event) {
	switch ev := event.(type) {
	case PluginLoadedEvent:
		r.onDependencyLoaded(ev.PluginName)
	case PluginLoadFailedEvent:
		r.onDependencyFailed(ev.PluginName, ev.Error)
	case StateChangedEvent:
		switch ev.ToState {
		case StateLoaded:
			r.onDependencyLoaded(ev.PluginName)
		case StateFailed:
			r.onDependencyFailed(ev.PluginName, ev.Context.Err)
		}
	default:
		r.logger.Warn("Unexpected event delivered to resolver", "event", string(event.EventName()))
	}
}

// WaitForDependencies blocks until every dependency of pluginName is loaded.
//
// It returns nil at once for an empty list or when every dependency is
// already loaded, and fails at once when one is already failed. Otherwise the
// wait ends when the dependencies load, when one of them fails (fail-fast),
// when opts.MaxWaitTime elapses, when ctx is done or when the resolver shuts
// down. Only one wait per requesting plugin may be pending; a second
// concurrent call is rejected with ErrCodeWaiterConflict.
func (r *DependencyResolver) WaitForDependencies(ctx context.Context, pluginName string, dependencies []string, opts WaitOptions) error {
	if pluginName == "" {
		return NewInvalidArgumentError("plugin_name", "plugin name is required")
	}
	deps := uniqueNames(dependencies)
	if len(deps) == 0 {
		return nil
	}
	if opts.MaxWaitTime <= 0 {
		opts.MaxWaitTime = r.config.DefaultMaxWaitTime
	}

	now := timecache.CachedTime()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NewResolverShutdownError(pluginName)
	}

	var failed []string
	allLoaded := true
	for _, dep := range deps {
		state, _ := r.states.CurrentState(dep)
		switch state {
		case StateLoaded:
		case StateFailed:
			failed = append(failed, dep)
			allLoaded = false
		default:
			allLoaded = false
		}
	}

	if allLoaded {
		if opts.TrackResolutionMetrics {
			r.recordResolutionLocked(pluginName, 0, len(deps), now)
		}
		r.mu.Unlock()
		r.Track(pluginName, deps)
		return nil
	}

	if len(failed) > 0 {
		r.mu.Unlock()
		err := NewDependencyFailureError(pluginName, failed, nil)
		for _, dep := range failed {
			r.publishFailure(pluginName, dep, err, false)
		}
		return err
	}

	if _, exists := r.waiters[pluginName]; exists {
		r.mu.Unlock()
		return NewWaiterConflictError(pluginName)
	}

	w := &dependencyWaiter{
		pluginName:   pluginName,
		dependencies: deps,
		startTime:    now,
		deadline:     now.Add(opts.MaxWaitTime),
		options:      opts,
		result:       make(chan error, 1),
	}
	w.timer = time.AfterFunc(opts.MaxWaitTime, func() { r.onTimeout(w) })
	r.waiters[pluginName] = w
	pending := len(r.waiters)
	r.mu.Unlock()

	r.metrics.SetGauge(MetricPendingWaiters, nil, float64(pending))
	r.logger.Debug("Waiting for dependencies",
		"plugin", pluginName,
		"dependencies", deps,
		"max_wait", opts.MaxWaitTime)

	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
		if r.removeWaiter(w) {
			w.settle(ctx.Err())
		}
		return <-w.result
	}
}

// removeWaiter deletes w if it is still the registered waiter of its plugin.
// The caller that removes the waiter owns its settlement.
func (r *DependencyResolver) removeWaiter(w *dependencyWaiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiters[w.pluginName] != w {
		return false
	}
	delete(r.waiters, w.pluginName)
	r.metrics.SetGauge(MetricPendingWaiters, nil, float64(len(r.waiters)))
	return true
}

// onDependencyLoaded settles every waiter whose dependencies are now all
// loaded. The plugin named by the event counts as loaded; the others are
// re-read from the state machine.
func (r *DependencyResolver) onDependencyLoaded(name string) {
	now := timecache.CachedTime()

	r.mu.Lock()
	var ready []*dependencyWaiter
	for plugin, w := range r.waiters {
		if !w.dependsOn(name) {
			continue
		}
		if !r.allLoadedLocked(w.dependencies, name) {
			continue
		}
		delete(r.waiters, plugin)
		ready = append(ready, w)
		if w.options.TrackResolutionMetrics {
			r.recordResolutionLocked(plugin, now.Sub(w.startTime), len(w.dependencies), now)
		}
	}
	pending := len(r.waiters)
	r.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	r.metrics.SetGauge(MetricPendingWaiters, nil, float64(pending))

	for _, w := range ready {
		r.resolveWaiter(w, now)
	}
}

// resolveWaiter settles an already removed waiter successfully.
func (r *DependencyResolver) resolveWaiter(w *dependencyWaiter, now time.Time) {
	elapsed := now.Sub(w.startTime)
	if elapsed < 0 {
		elapsed = 0
	}
	for _, dep := range w.dependencies {
		r.bus.Publish(DependencyResolvedEvent{
			PluginName:       w.pluginName,
			Dependency:       dep,
			ResolutionTimeMs: elapsed.Milliseconds(),
			Timestamp:        now,
		})
	}
	r.metrics.RecordHistogram(MetricResolutionSeconds, nil, elapsed.Seconds())
	r.logger.Info("Dependencies resolved",
		"plugin", w.pluginName,
		"dependencies", w.dependencies,
		"elapsed", elapsed)
	r.Track(w.pluginName, w.dependencies)
	w.settle(nil)
}

func (r *DependencyResolver) allLoadedLocked(deps []string, justLoaded string) bool {
	for _, dep := range deps {
		if dep == justLoaded {
			continue
		}
		if state, _ := r.states.CurrentState(dep); state != StateLoaded {
			return false
		}
	}
	return true
}

// onDependencyFailed rejects every waiter depending on name.
func (r *DependencyResolver) onDependencyFailed(name string, cause error) {
	r.mu.Lock()
	var rejected []*dependencyWaiter
	for plugin, w := range r.waiters {
		if w.dependsOn(name) {
			delete(r.waiters, plugin)
			rejected = append(rejected, w)
		}
	}
	pending := len(r.waiters)
	r.mu.Unlock()

	if len(rejected) == 0 {
		return
	}
	r.metrics.SetGauge(MetricPendingWaiters, nil, float64(pending))

	for _, w := range rejected {
		err := NewDependencyFailureError(w.pluginName, []string{name}, cause)
		r.publishFailure(w.pluginName, name, err, false)
		r.logger.Warn("Dependency failed while waiting",
			"plugin", w.pluginName,
			"dependency", name,
			"error", err)
		w.settle(err)
	}
}

func (r *DependencyResolver) onTimeout(w *dependencyWaiter) {
	if !r.removeWaiter(w) {
		return
	}

	var pending []string
	for _, dep := range w.dependencies {
		if state, _ := r.states.CurrentState(dep); state != StateLoaded {
			pending = append(pending, dep)
		}
	}
	if len(pending) == 0 {
		// Every dependency reached loaded without an event reaching us.
		now := timecache.CachedTime()
		if w.options.TrackResolutionMetrics {
			r.mu.Lock()
			r.recordResolutionLocked(w.pluginName, now.Sub(w.startTime), len(w.dependencies), now)
			r.mu.Unlock()
		}
		r.resolveWaiter(w, now)
		return
	}

	waited := w.options.MaxWaitTime
	err := NewDependencyTimeoutError(w.pluginName, pending, waited.String())

	for _, dep := range pending {
		r.publishFailure(w.pluginName, dep, err, true)
	}

	if w.options.EnableTimeoutWarnings {
		r.logger.Warn("Dependency wait timed out",
			"plugin", w.pluginName,
			"pending", pending,
			"waited", waited)
	} else {
		r.logger.Debug("Dependency wait timed out",
			"plugin", w.pluginName,
			"pending", pending)
	}
	w.settle(err)
}

func (r *DependencyResolver) publishFailure(pluginName, dependency string, err error, isTimeout bool) {
	reason := "failed"
	if isTimeout {
		reason = "timeout"
	}
	r.metrics.IncrementCounter(MetricDependencyFailures, map[string]string{"reason": reason}, 1)
	r.bus.Publish(DependencyFailedEvent{
		PluginName: pluginName,
		Dependency: dependency,
		Error:      err,
		IsTimeout:  isTimeout,
		Timestamp:  timecache.CachedTime(),
	})
}

func (r *DependencyResolver) recordResolutionLocked(pluginName string, elapsed time.Duration, count int, now time.Time) {
	r.resolutions[pluginName] = ResolutionMetrics{
		ResolveTime:     elapsed,
		DependencyCount: count,
		RecordedAt:      now,
	}
	if len(r.resolutions) <= r.config.MaxMetricsEntries {
		return
	}
	cutoff := now.Add(-r.config.MetricsRetention)
	for name, m := range r.resolutions {
		if m.RecordedAt.Before(cutoff) {
			delete(r.resolutions, name)
		}
	}
}

// ResolutionMetrics returns the last resolution recorded for a plugin.
func (r *DependencyResolver) ResolutionMetrics(pluginName string) (ResolutionMetrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.resolutions[pluginName]
	return m, ok
}

// ResolutionMetricsCount returns the number of stored resolution entries.
func (r *DependencyResolver) ResolutionMetricsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolutions)
}

// PendingWaits lists registered waiters sorted by plugin name.
func (r *DependencyResolver) PendingWaits() []PendingWait {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingWait, 0, len(r.waiters))
	for _, w := range r.waiters {
		out = append(out, PendingWait{
			PluginName:   w.pluginName,
			Dependencies: cloneStrings(w.dependencies),
			StartTime:    w.startTime,
			Deadline:     w.deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginName < out[j].PluginName })
	return out
}

// CancelWait rejects the pending wait of pluginName with ctx-style
// cancellation. It returns ErrCodeWaiterNotFound when nothing is pending.
func (r *DependencyResolver) CancelWait(pluginName string) error {
	r.mu.Lock()
	w, ok := r.waiters[pluginName]
	r.mu.Unlock()
	if !ok || !r.removeWaiter(w) {
		return NewWaiterNotFoundError(pluginName)
	}
	w.settle(context.Canceled)
	return nil
}

// Shutdown stops the health sweep, rejects every pending waiter, detaches
// from the bus and clears all tables. The resolver cannot be reused.
func (r *DependencyResolver) Shutdown() {
	r.Stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	waiters := r.waiters
	r.waiters = make(map[string]*dependencyWaiter)
	r.resolutions = make(map[string]ResolutionMetrics)
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	for _, w := range waiters {
		w.settle(NewResolverShutdownError(w.pluginName))
	}

	r.healthMu.Lock()
	r.tracked = make(map[string][]string)
	r.healthChecks = make(map[healthKey]*DependencyHealthCheck)
	r.healthMu.Unlock()

	if r.pool != nil {
		r.pool.Release()
	}
	r.metrics.SetGauge(MetricPendingWaiters, nil, 0)
	r.logger.Info("Dependency resolver shut down", "rejected_waiters", len(waiters))
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
