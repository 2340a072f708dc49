// host.go: Plugin host facade wiring the lifecycle components together
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-timecache"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type hostOptions struct {
	logger         Logger
	metrics        MetricsCollector
	probe          ResponsivenessProbe
	loader         ModuleLoader
	sampler        PerformanceSampler
	tracerProvider trace.TracerProvider
}

// HostOption configures a Host.
type HostOption func(*hostOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(logger any) HostOption {
	return func(o *hostOptions) { o.logger = NewLogger(logger) }
}

// WithMetrics sets the metrics collector shared by every component.
func WithMetrics(collector MetricsCollector) HostOption {
	return func(o *hostOptions) { o.metrics = collector }
}

// WithProbe sets the responsiveness probe used by dependency health sweeps.
func WithProbe(probe ResponsivenessProbe) HostOption {
	return func(o *hostOptions) { o.probe = probe }
}

// WithLoader sets the module loader used by LoadPlugin and rollback reloads.
func WithLoader(loader ModuleLoader) HostOption {
	return func(o *hostOptions) { o.loader = loader }
}

// WithSampler sets the performance sampler attached to snapshots.
func WithSampler(sampler PerformanceSampler) HostOption {
	return func(o *hostOptions) { o.sampler = sampler }
}

// WithTracing sets the OpenTelemetry provider for rollback spans.
func WithTracing(provider trace.TracerProvider) HostOption {
	return func(o *hostOptions) { o.tracerProvider = provider }
}

// Host owns one event bus, state machine, dependency resolver, plugin store
// and rollback service.
//
// Example usage:
//
//	host, err := NewHost(DefaultConfig(), WithLogger(logger), WithLoader(loader))
//	if err != nil {
//	    return err
//	}
//	if err := host.Start(); err != nil {
//	    return err
//	}
//	defer host.Shutdown(context.Background())
//
//	err = host.LoadPlugins(ctx, []PluginRecord{authRecord, apiRecord})
type Host struct {
	logger  Logger
	metrics MetricsCollector
	loader  ModuleLoader

	bus          *EventBus
	stateMachine *StateMachine
	resolver     *DependencyResolver
	store        *MemoryPluginStore
	rollback     *RollbackService

	configMu sync.RWMutex
	config   Config

	started atomic.Bool
	closed  atomic.Bool
}

// NewHost validates config and builds every component.
func NewHost(config Config, opts ...HostOption) (*Host, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := hostOptions{logger: DefaultLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		if config.Metrics.Enabled {
			o.metrics = NewPrometheusMetrics(prometheus.NewRegistry(), config.Metrics.Namespace, o.logger)
		} else {
			o.metrics = NewNoOpMetricsCollector()
		}
	}

	bus := NewEventBus(o.logger)
	bus.SetMetricsCollector(o.metrics)

	sm := NewStateMachine(bus, o.logger, WithStateMachineMetrics(o.metrics))
	if policy := config.StateMachine.DefaultRecovery; policy != nil {
		for _, from := range []PluginState{StateDiscovered, StateUnloaded} {
			if err := sm.SetRecoveryPolicy(from, TransitionLoad, policy); err != nil {
				return nil, err
			}
		}
	}

	resolverOpts := []ResolverOption{
		WithResolverConfig(config.Resolver),
		WithHealthCheckConfig(config.HealthCheck),
		WithResolverMetrics(o.metrics),
	}
	if o.probe != nil {
		resolverOpts = append(resolverOpts, WithResponsivenessProbe(o.probe))
	}
	resolver, err := NewDependencyResolver(sm, bus, o.logger, resolverOpts...)
	if err != nil {
		return nil, err
	}

	store := NewMemoryPluginStore()

	rollbackOpts := []RollbackOption{
		WithSnapshotConfig(config.Snapshots),
		WithRollbackConfig(config.Rollback),
		WithRollbackMetrics(o.metrics),
		WithModuleLoader(o.loader),
	}
	if o.sampler != nil {
		rollbackOpts = append(rollbackOpts, WithPerformanceSampler(o.sampler))
	}
	if o.tracerProvider != nil {
		rollbackOpts = append(rollbackOpts, WithTracerProvider(o.tracerProvider))
	}
	rollback, err := NewRollbackService(sm, store, bus, o.logger, rollbackOpts...)
	if err != nil {
		resolver.Shutdown()
		return nil, err
	}

	return &Host{
		logger:       o.logger.With("component", "host"),
		metrics:      o.metrics,
		loader:       o.loader,
		bus:          bus,
		stateMachine: sm,
		resolver:     resolver,
		store:        store,
		rollback:     rollback,
		config:       config,
	}, nil
}

// Bus returns the shared event bus.
func (h *Host) Bus() *EventBus { return h.bus }

// StateMachine returns the lifecycle state machine.
func (h *Host) StateMachine() *StateMachine { return h.stateMachine }

// Resolver returns the dependency resolver.
func (h *Host) Resolver() *DependencyResolver { return h.resolver }

// Store returns the plugin store.
func (h *Host) Store() *MemoryPluginStore { return h.store }

// Rollbacks returns the rollback service.
func (h *Host) Rollbacks() *RollbackService { return h.rollback }

// Metrics returns the metrics collector.
func (h *Host) Metrics() MetricsCollector { return h.metrics }

// Config returns the active configuration.
func (h *Host) Config() Config {
	h.configMu.RLock()
	defer h.configMu.RUnlock()
	return h.config
}

// Start launches the dependency health sweep and the snapshot retention sweep.
func (h *Host) Start() error {
	if h.closed.Load() {
		return NewResolverShutdownError("")
	}
	h.started.Store(true)
	h.resolver.Start()
	return h.rollback.Start()
}

// Register stores record and starts tracking the plugin as discovered.
func (h *Host) Register(record PluginRecord) error {
	if err := h.store.Put(record); err != nil {
		return err
	}
	h.stateMachine.Discover(record.Name())
	return nil
}

// LoadPlugin registers record and drives it to loaded: load transition, wait
// for dependencies, module load, complete. A failed attempt moves the plugin
// to failed and is retried while the edge recovery policy allows; the last
// attempt's error is returned.
func (h *Host) LoadPlugin(ctx context.Context, record PluginRecord) error {
	if h.closed.Load() {
		return NewResolverShutdownError(record.Name())
	}
	name := record.Name()
	tc := TransitionContext{Reason: "load requested", Metadata: map[string]any{"version": record.Manifest.Version}}
	if name != "" && !h.stateMachine.CanTransition(name, TransitionLoad, tc) {
		state, _ := h.stateMachine.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionLoad)
	}

	previous, hadPrevious := h.store.Record(name)
	if err := h.Register(record); err != nil {
		return err
	}
	if !h.stateMachine.Transition(name, TransitionLoad, tc) {
		if hadPrevious {
			_ = h.store.Put(previous)
		}
		state, _ := h.stateMachine.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionLoad)
	}

	for {
		err := h.loadAttempt(ctx, record)
		if err == nil {
			return nil
		}

		h.stateMachine.Transition(name, TransitionFail, TransitionContext{Reason: "load failed", Err: err})
		h.bus.Publish(PluginLoadFailedEvent{PluginName: name, Error: err, Timestamp: timecache.CachedTime()})

		retried, retryErr := h.stateMachine.RetryTransition(ctx, name, TransitionContext{Reason: "retry load"})
		if retryErr != nil {
			return retryErr
		}
		if !retried {
			return err
		}
	}
}

func (h *Host) loadAttempt(ctx context.Context, record PluginRecord) error {
	name := record.Name()
	opts := h.Config().Resolver.WaitOptions()

	if err := h.resolver.WaitForDependencies(ctx, name, record.Manifest.Dependencies, opts); err != nil {
		return err
	}

	if h.loader != nil {
		module, err := h.loader.LoadModule(ctx, record)
		if err != nil {
			return err
		}
		record.Module = module
		if err := h.store.Put(record); err != nil {
			return err
		}
	}

	if !h.stateMachine.Transition(name, TransitionComplete, TransitionContext{Reason: "load complete"}) {
		state, _ := h.stateMachine.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionComplete)
	}

	h.logger.Info("Plugin loaded", "plugin", name, "version", record.Manifest.Version)
	h.bus.Publish(PluginLoadedEvent{PluginName: name, Version: record.Manifest.Version, Timestamp: timecache.CachedTime()})
	return nil
}

// LoadPlugins loads every record concurrently. The combined dependency graph
// is checked for cycles before anything is registered. Each plugin waits on
// its own dependencies, so the outcome does not depend on the order of
// records. The first error is returned after all loads settle.
func (h *Host) LoadPlugins(ctx context.Context, records []PluginRecord) error {
	graph := h.store.Graph().Copy()
	names := make([]string, 0, len(records))
	byName := make(map[string]PluginRecord, len(records))
	for _, record := range records {
		if err := graph.AddPlugin(record.Name(), record.Manifest.Version, record.Manifest.Dependencies); err != nil {
			return err
		}
		names = append(names, record.Name())
		byName[record.Name()] = record
	}
	order, err := graph.LoadOrderFor(names)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(order))
	for i, name := range order {
		record, ok := byName[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, record PluginRecord) {
			defer wg.Done()
			defer withStackRecover(h.logger, "plugin", record.Name())()
			errs[i] = h.LoadPlugin(ctx, record)
		}(i, record)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// UnloadPlugin drives a loaded or failed plugin to unloaded. It refuses while
// loaded plugins still depend on it unless force is set, in which case those
// dependents are unloaded first, deepest first.
func (h *Host) UnloadPlugin(ctx context.Context, name string, force bool) error {
	state, ok := h.stateMachine.CurrentState(name)
	if !ok {
		return NewPluginNotFoundError(name)
	}

	dependents := h.store.Graph().TransitiveDependents(name, 0)
	var loaded []string
	for _, dependent := range dependents {
		if s, _ := h.stateMachine.CurrentState(dependent); s == StateLoaded {
			loaded = append(loaded, dependent)
		}
	}
	if len(loaded) > 0 && !force {
		return NewDependentsLoadedError(name, loaded)
	}

	for i := len(loaded) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.unloadOne(loaded[i], "dependency "+name+" unloading"); err != nil {
			return err
		}
	}

	if state == StateUnloaded || state == StateDiscovered {
		return nil
	}
	return h.unloadOne(name, "unload requested")
}

func (h *Host) unloadOne(name, reason string) error {
	tc := TransitionContext{Reason: reason}
	if !h.stateMachine.Transition(name, TransitionUnload, tc) {
		state, _ := h.stateMachine.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionUnload)
	}
	h.resolver.Untrack(name)
	if !h.stateMachine.Transition(name, TransitionComplete, tc) {
		state, _ := h.stateMachine.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionComplete)
	}
	h.logger.Info("Plugin unloaded", "plugin", name, "reason", reason)
	return nil
}

// LoadOrder sorts names and their dependencies so dependencies come first.
// An empty list sorts every registered plugin.
func (h *Host) LoadOrder(names []string) ([]string, error) {
	if len(names) == 0 {
		return h.store.Graph().CalculateLoadOrder()
	}
	return h.store.Graph().LoadOrderFor(names)
}

// RollbackPlugin delegates to the rollback service.
func (h *Host) RollbackPlugin(ctx context.Context, name string, opts RollbackOptions) (*RollbackResult, error) {
	return h.rollback.RollbackPlugin(ctx, name, opts)
}

// RegisterHealthChecks exposes dependency health on handler.
func (h *Host) RegisterHealthChecks(handler healthcheck.Handler) {
	h.resolver.RegisterHealthChecks(handler)
}

// ApplyConfig implements ConfigApplier. Health check and snapshot settings
// take effect immediately; other sections apply to later operations. Once
// the host is started, a change to the sweep interval or enablement restarts
// or stops the sweep.
func (h *Host) ApplyConfig(config Config) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	h.configMu.Lock()
	previous := h.config
	h.config = config
	h.configMu.Unlock()

	h.resolver.UpdateHealthConfig(config.HealthCheck)
	healthChanged := previous.HealthCheck.Interval != config.HealthCheck.Interval ||
		previous.HealthCheck.Enabled != config.HealthCheck.Enabled
	if healthChanged && h.started.Load() && !h.closed.Load() {
		h.resolver.Restart()
	}
	h.rollback.UpdateSnapshotConfig(config.Snapshots)

	h.logger.Info("Host configuration applied",
		"health_interval", config.HealthCheck.Interval,
		"max_snapshots", config.Snapshots.MaxSnapshotsPerPlugin)
	return nil
}

// Shutdown stops every background loop, rejects pending waits and closes the
// bus. It returns ctx.Err() if ctx ends first; shutdown still completes in
// the background.
func (h *Host) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer withStackRecover(h.logger, "operation", "shutdown")()
		h.resolver.Shutdown()
		h.rollback.Shutdown()
		h.bus.Close()
	}()

	select {
	case <-done:
		h.logger.Info("Plugin host shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
