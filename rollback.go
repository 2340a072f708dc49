// rollback.go: Single-flight plugin rollback driven through the state machine
//
// A rollback unloads the plugin, restores an earlier snapshot into the plugin
// store and, depending on the strategy, reloads it or verifies the restored
// dependency edges. At most one rollback per plugin runs at a time. Failures
// never escape as errors once the rollback has started: they are folded into
// the returned RollbackResult.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agilira/plugin-host"

// RollbackStrategy selects how a rollback target is chosen and applied.
type RollbackStrategy string

const (
	// RollbackStrategySnapshot restores a snapshot and leaves the plugin unloaded.
	RollbackStrategySnapshot RollbackStrategy = "snapshot"
	// RollbackStrategyVersion restores the newest snapshot of a version and reloads.
	RollbackStrategyVersion RollbackStrategy = "version"
	// RollbackStrategyDependencyGraph analyses dependents, optionally cascades,
	// then follows the version path.
	RollbackStrategyDependencyGraph RollbackStrategy = "dependency-graph"
)

// IsValid reports whether s is a known strategy.
func (s RollbackStrategy) IsValid() bool {
	switch s {
	case RollbackStrategySnapshot, RollbackStrategyVersion, RollbackStrategyDependencyGraph:
		return true
	}
	return false
}

// LifecycleController is the part of the state machine the rollback service
// drives.
type LifecycleController interface {
	StateReader
	Transition(pluginName string, transition Transition, tc TransitionContext) bool
	RollbackToState(pluginName string, target PluginState, tc TransitionContext) error
	PluginsInState(state PluginState) []string
}

// RollbackOptions parameterise a rollback or a rollback plan.
type RollbackOptions struct {
	Reason           string           `json:"reason"`
	TargetVersion    string           `json:"target_version,omitempty"`
	TargetSnapshot   string           `json:"target_snapshot,omitempty"`
	CascadeRollback  bool             `json:"cascade_rollback"`
	MaxRollbackDepth int              `json:"max_rollback_depth"`
	RollbackTimeout  time.Duration    `json:"rollback_timeout"`
	Strategy         RollbackStrategy `json:"strategy"`
	DryRun           bool             `json:"dry_run"`
}

// RollbackResult reports the outcome of a rollback. Success is true only when
// Errors is empty.
type RollbackResult struct {
	ID                string           `json:"id"`
	PluginName        string           `json:"plugin_name"`
	Strategy          RollbackStrategy `json:"strategy"`
	Success           bool             `json:"success"`
	DryRun            bool             `json:"dry_run"`
	FromVersion       string           `json:"from_version,omitempty"`
	ToVersion         string           `json:"to_version,omitempty"`
	SnapshotID        string           `json:"snapshot_id,omitempty"`
	Steps             []RollbackStep   `json:"steps"`
	RolledBackPlugins []string         `json:"rolled_back_plugins,omitempty"`
	Errors            []string         `json:"errors,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	Duration          time.Duration    `json:"duration"`
}

func (r *RollbackResult) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

func (r *RollbackResult) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func (r *RollbackResult) clone() RollbackResult {
	out := *r
	out.Steps = append([]RollbackStep(nil), r.Steps...)
	out.RolledBackPlugins = cloneStrings(r.RolledBackPlugins)
	out.Errors = cloneStrings(r.Errors)
	out.Warnings = cloneStrings(r.Warnings)
	return out
}

// RollbackHistoryEntry is the audit record of one rollback attempt.
type RollbackHistoryEntry struct {
	ID          string           `json:"id"`
	PluginName  string           `json:"plugin_name"`
	Reason      string           `json:"reason"`
	Strategy    RollbackStrategy `json:"strategy"`
	Success     bool             `json:"success"`
	FromVersion string           `json:"from_version,omitempty"`
	ToVersion   string           `json:"to_version,omitempty"`
	SnapshotID  string           `json:"snapshot_id,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Duration    time.Duration    `json:"duration"`
}

type inflightRollback struct {
	id     string
	cancel context.CancelFunc
	start  time.Time
}

// RollbackOption configures a RollbackService.
type RollbackOption func(*RollbackService)

// WithSnapshotConfig sets snapshot capacity, retention and capture options.
func WithSnapshotConfig(config SnapshotConfig) RollbackOption {
	return func(rs *RollbackService) {
		config.ApplyDefaults()
		rs.snapshotConfig.Store(&config)
	}
}

// WithRollbackConfig sets rollback defaults.
func WithRollbackConfig(config RollbackConfig) RollbackOption {
	return func(rs *RollbackService) {
		config.ApplyDefaults()
		rs.rollbackConfig = config
	}
}

// WithModuleLoader sets the loader used when a rollback reloads a plugin.
func WithModuleLoader(loader ModuleLoader) RollbackOption {
	return func(rs *RollbackService) { rs.loader = loader }
}

// WithPerformanceSampler sets the sampler attached to snapshots.
func WithPerformanceSampler(sampler PerformanceSampler) RollbackOption {
	return func(rs *RollbackService) {
		if sampler != nil {
			rs.sampler = sampler
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider for rollback spans.
func WithTracerProvider(provider trace.TracerProvider) RollbackOption {
	return func(rs *RollbackService) {
		if provider != nil {
			rs.tracer = provider.Tracer(tracerName)
		}
	}
}

// WithRollbackMetrics sets the metrics collector.
func WithRollbackMetrics(collector MetricsCollector) RollbackOption {
	return func(rs *RollbackService) {
		if collector != nil {
			rs.metrics = collector
		}
	}
}

// RollbackService captures snapshots and rolls plugins back to them.
//
// Example usage:
//
//	rs, err := NewRollbackService(sm, store, bus, logger)
//	if err != nil {
//	    return err
//	}
//	rs.Start()
//	defer rs.Shutdown()
//
//	result, err := rs.RollbackPlugin(ctx, "auth", RollbackOptions{
//	    Reason:        "bad release",
//	    Strategy:      RollbackStrategyVersion,
//	    TargetVersion: "1.4.2",
//	})
//	if err == nil && !result.Success {
//	    log.Printf("rollback failed: %v", result.Errors)
//	}
type RollbackService struct {
	lifecycle LifecycleController
	store     PluginStore
	bus       *EventBus
	logger    Logger
	metrics   MetricsCollector
	tracer    trace.Tracer
	sampler   PerformanceSampler
	loader    ModuleLoader

	snapshotConfig atomic.Pointer[SnapshotConfig]
	rollbackConfig RollbackConfig

	mu          sync.RWMutex
	snapshots   map[string]map[string]*PluginSnapshot
	snapshotSeq uint64
	history     []RollbackHistoryEntry

	inflight cmap.ConcurrentMap[string, *inflightRollback]

	cronMu      sync.Mutex
	scheduler   *cron.Cron
	unsubscribe []func()
	closed      atomic.Bool
}

// NewRollbackService creates a service driving lifecycle and restoring into
// store. Automatic snapshots start immediately; the retention sweep starts
// with Start.
func NewRollbackService(lifecycle LifecycleController, store PluginStore, bus *EventBus, logger Logger, opts ...RollbackOption) (*RollbackService, error) {
	if lifecycle == nil {
		return nil, NewInvalidArgumentError("lifecycle", "a lifecycle controller is required")
	}
	if store == nil {
		return nil, NewInvalidArgumentError("store", "a plugin store is required")
	}
	logger = NewLogger(logger)
	if bus == nil {
		bus = NewEventBus(logger)
	}

	rs := &RollbackService{
		lifecycle:      lifecycle,
		store:          store,
		bus:            bus,
		logger:         logger.With("component", "rollback_service"),
		metrics:        NewNoOpMetricsCollector(),
		tracer:         otel.Tracer(tracerName),
		sampler:        NewProcessSampler(logger),
		rollbackConfig: DefaultRollbackConfig(),
		snapshots:      make(map[string]map[string]*PluginSnapshot),
		inflight:       cmap.New[*inflightRollback](),
	}
	defaultSnapshots := DefaultSnapshotConfig()
	rs.snapshotConfig.Store(&defaultSnapshots)

	for _, opt := range opts {
		opt(rs)
	}

	rs.unsubscribe = []func(){
		bus.Subscribe(EventPluginLoaded, rs.onLifecycleEvent),
		bus.Subscribe(EventStateChanged, rs.onLifecycleEvent),
	}
	return rs, nil
}

// SnapshotConfig returns the active snapshot configuration.
func (rs *RollbackService) SnapshotConfig() SnapshotConfig {
	return *rs.snapshotConfig.Load()
}

// UpdateSnapshotConfig swaps the snapshot configuration. A changed cleanup
// schedule applies after the next Start.
func (rs *RollbackService) UpdateSnapshotConfig(config SnapshotConfig) {
	config.ApplyDefaults()
	rs.snapshotConfig.Store(&config)
}

// Start schedules the snapshot retention sweep.
func (rs *RollbackService) Start() error {
	rs.cronMu.Lock()
	defer rs.cronMu.Unlock()

	if rs.scheduler != nil || rs.closed.Load() {
		return nil
	}
	scheduler := cron.New()
	schedule := rs.SnapshotConfig().CleanupSchedule
	_, err := scheduler.AddFunc(schedule, func() {
		defer withStackRecover(rs.logger, "job", "snapshot_cleanup")()
		rs.CleanupExpiredSnapshots()
	})
	if err != nil {
		return NewConfigValidationError("invalid snapshot cleanup schedule " + schedule + ": " + err.Error())
	}
	scheduler.Start()
	rs.scheduler = scheduler
	return nil
}

// InFlight reports whether a rollback of pluginName is running.
func (rs *RollbackService) InFlight(pluginName string) bool {
	return rs.inflight.Has(pluginName)
}

// CancelRollback cancels the running rollback of pluginName. The rollback
// stops at its next step boundary and reports a cancellation error.
func (rs *RollbackService) CancelRollback(pluginName string) bool {
	flight, ok := rs.inflight.Get(pluginName)
	if !ok {
		return false
	}
	flight.cancel()
	rs.logger.Info("Rollback cancellation requested", "plugin", pluginName, "rollback_id", flight.id)
	return true
}

// RollbackHistory returns up to limit entries, most recent first. A limit of
// zero or less returns everything.
func (rs *RollbackService) RollbackHistory(limit int) []RollbackHistoryEntry {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	n := len(rs.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RollbackHistoryEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		entry := rs.history[i]
		entry.Errors = cloneStrings(entry.Errors)
		out = append(out, entry)
	}
	return out
}

func (rs *RollbackService) appendHistory(result *RollbackResult, reason string) {
	entry := RollbackHistoryEntry{
		ID:          result.ID,
		PluginName:  result.PluginName,
		Reason:      reason,
		Strategy:    result.Strategy,
		Success:     result.Success,
		FromVersion: result.FromVersion,
		ToVersion:   result.ToVersion,
		SnapshotID:  result.SnapshotID,
		Errors:      cloneStrings(result.Errors),
		Timestamp:   result.EndTime,
		Duration:    result.Duration,
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.history = append(rs.history, entry)
	if excess := len(rs.history) - rs.rollbackConfig.HistorySize; excess > 0 {
		rs.history = append([]RollbackHistoryEntry(nil), rs.history[excess:]...)
	}
}

func (rs *RollbackService) normalizeOptions(opts RollbackOptions) RollbackOptions {
	if opts.Strategy == "" {
		opts.Strategy = rs.rollbackConfig.DefaultStrategy
	}
	if opts.MaxRollbackDepth <= 0 {
		opts.MaxRollbackDepth = rs.rollbackConfig.MaxRollbackDepth
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = rs.rollbackConfig.DefaultTimeout
	}
	return opts
}

// RollbackPlugin rolls pluginName back according to opts.
//
// An error is returned only for invalid arguments, an unknown strategy, a
// closed service or a rollback of the same plugin already in flight
// (ErrCodeRollbackConflict, with no work done). Every other failure is
// reported through the result.
func (rs *RollbackService) RollbackPlugin(ctx context.Context, pluginName string, opts RollbackOptions) (*RollbackResult, error) {
	if pluginName == "" {
		return nil, NewInvalidArgumentError("plugin_name", "plugin name is required")
	}
	opts = rs.normalizeOptions(opts)
	if !opts.Strategy.IsValid() {
		return nil, NewRollbackStrategyError(opts.Strategy)
	}
	if rs.closed.Load() {
		return nil, NewRollbackFailedError(pluginName, "rollback service is shut down", nil)
	}

	start := time.Now()
	result := &RollbackResult{
		ID:         uuid.NewString(),
		PluginName: pluginName,
		Strategy:   opts.Strategy,
		DryRun:     opts.DryRun,
		StartTime:  start,
	}

	if opts.DryRun {
		plan, err := rs.GenerateRollbackPlan(pluginName, opts)
		if err != nil {
			result.addError(err)
		} else {
			rs.applyPlan(result, plan)
			result.Warnings = append(result.Warnings, plan.Risks...)
		}
		result.Success = len(result.Errors) == 0
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(start)
		return result, nil
	}

	rbCtx, cancel := context.WithTimeout(ctx, opts.RollbackTimeout)
	defer cancel()

	flight := &inflightRollback{id: result.ID, cancel: cancel, start: start}
	if !rs.inflight.SetIfAbsent(pluginName, flight) {
		rs.metrics.IncrementCounter(MetricRollbacksTotal,
			map[string]string{"strategy": string(opts.Strategy), "outcome": "conflict"}, 1)
		return nil, NewRollbackConflictError(pluginName)
	}
	defer rs.inflight.Remove(pluginName)

	rbCtx, span := rs.tracer.Start(rbCtx, "pluginhost.rollback",
		trace.WithAttributes(
			attribute.String("plugin.name", pluginName),
			attribute.String("rollback.strategy", string(opts.Strategy)),
			attribute.String("rollback.id", result.ID),
		))
	defer span.End()

	rs.logger.Info("Rollback started",
		"plugin", pluginName,
		"rollback_id", result.ID,
		"strategy", string(opts.Strategy),
		"reason", opts.Reason)
	rs.publishRollback(EventRollbackStarted, result)

	if record, ok := rs.store.Record(pluginName); ok {
		result.FromVersion = record.Manifest.Version
	}

	plan, err := rs.GenerateRollbackPlan(pluginName, opts)
	if err != nil {
		result.addError(err)
	} else {
		rs.execute(rbCtx, plan, opts, result)
	}

	result.Success = len(result.Errors) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(start)

	outcome := "success"
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		outcome = "failure"
		span.SetStatus(codes.Error, result.Errors[0])
	}
	span.SetAttributes(
		attribute.Int("rollback.steps", len(result.Steps)),
		attribute.Int("rollback.errors", len(result.Errors)),
		attribute.Int("rollback.warnings", len(result.Warnings)),
	)

	rs.metrics.IncrementCounter(MetricRollbacksTotal,
		map[string]string{"strategy": string(opts.Strategy), "outcome": outcome}, 1)
	rs.metrics.RecordHistogram(MetricRollbackDurationSecond,
		map[string]string{"strategy": string(opts.Strategy)}, result.Duration.Seconds())
	rs.appendHistory(result, opts.Reason)

	if result.Success {
		rs.logger.Info("Rollback completed",
			"plugin", pluginName,
			"rollback_id", result.ID,
			"to_version", result.ToVersion,
			"duration", result.Duration)
		rs.publishRollback(EventRollbackCompleted, result)
	} else {
		rs.logger.Error("Rollback failed",
			"plugin", pluginName,
			"rollback_id", result.ID,
			"errors", result.Errors)
		rs.publishRollback(EventRollbackFailed, result)
	}
	return result, nil
}

// applyPlan copies the plan target and steps into a dry-run result.
func (rs *RollbackService) applyPlan(result *RollbackResult, plan *RollbackPlan) {
	result.SnapshotID = plan.TargetSnapshotID
	result.ToVersion = plan.TargetVersion
	result.Steps = append([]RollbackStep(nil), plan.Steps...)
	if record, ok := rs.store.Record(plan.PluginName); ok {
		result.FromVersion = record.Manifest.Version
	}
}

func (rs *RollbackService) execute(ctx context.Context, plan *RollbackPlan, opts RollbackOptions, result *RollbackResult) {
	snapshot, err := rs.Snapshot(plan.PluginName, plan.TargetSnapshotID)
	if err != nil {
		result.addError(err)
		return
	}
	result.SnapshotID = snapshot.ID
	result.ToVersion = snapshot.Version

	reload := opts.Strategy != RollbackStrategySnapshot
	if opts.Strategy == RollbackStrategyDependencyGraph && len(plan.AffectedPlugins) > 0 && !opts.CascadeRollback {
		result.addWarning("dependents not rolled back: " + joinNames(plan.AffectedPlugins))
	}

	if !rs.restoreSnapshot(ctx, snapshot, reload, opts.Reason, result) {
		return
	}
	result.RolledBackPlugins = append(result.RolledBackPlugins, plan.PluginName)

	if opts.Strategy != RollbackStrategyDependencyGraph || !opts.CascadeRollback {
		return
	}
	for _, dependent := range plan.AffectedPlugins {
		if err := ctx.Err(); err != nil {
			result.addError(NewRollbackCancelledError(plan.PluginName, err))
			return
		}
		rs.cascade(ctx, dependent, opts.Reason, result)
	}
}

// cascade rolls a dependent back to its newest snapshot.
func (rs *RollbackService) cascade(ctx context.Context, dependent, reason string, result *RollbackResult) {
	snapshot, err := rs.LatestSnapshot(dependent)
	if err != nil {
		result.addWarning("cascade skipped for " + dependent + ": no snapshot")
		return
	}

	flight := &inflightRollback{id: result.ID, cancel: func() {}, start: time.Now()}
	if !rs.inflight.SetIfAbsent(dependent, flight) {
		result.addWarning("cascade skipped for " + dependent + ": rollback already in progress")
		return
	}
	defer rs.inflight.Remove(dependent)

	if rs.restoreSnapshot(ctx, snapshot, true, reason, result) {
		result.RolledBackPlugins = append(result.RolledBackPlugins, dependent)
	}
}

// restoreSnapshot unloads the plugin, restores snapshot into the store and
// then reloads it or verifies the restored dependencies. It reports whether
// every step succeeded.
func (rs *RollbackService) restoreSnapshot(ctx context.Context, snapshot *PluginSnapshot, reload bool, reason string, result *RollbackResult) bool {
	name := snapshot.PluginName
	tc := TransitionContext{
		Reason:   "rollback: " + reason,
		Metadata: map[string]any{"rollback_id": result.ID, "snapshot_id": snapshot.ID},
	}

	// The unload step runs even when the rollback was already cancelled so
	// the plugin is never left half loaded.
	step := rs.beginStep(result, StepUnload, name, snapshot.ID)
	rs.unload(name, tc, result)
	rs.endStep(result, step, nil)

	if err := ctx.Err(); err != nil {
		result.addError(NewRollbackCancelledError(name, err))
		return false
	}

	step = rs.beginStep(result, StepRestoreSnapshot, name, snapshot.ID)
	err := rs.store.Restore(snapshot.Record())
	rs.endStep(result, step, err)
	if err != nil {
		result.addError(NewRollbackFailedError(name, "restore snapshot "+snapshot.ID, err))
		return false
	}

	if err := ctx.Err(); err != nil {
		result.addError(NewRollbackCancelledError(name, err))
		return false
	}

	if !reload {
		step = rs.beginStep(result, StepSystemRestore, name, snapshot.ID)
		for _, dep := range snapshot.Dependencies {
			if state, _ := rs.lifecycle.CurrentState(dep); state != StateLoaded {
				result.addWarning("restored dependency " + dep + " of " + name + " is not loaded")
			}
		}
		rs.endStep(result, step, nil)
		return true
	}

	step = rs.beginStep(result, StepReload, name, snapshot.ID)
	err = rs.reload(ctx, snapshot, tc)
	rs.endStep(result, step, err)
	if err != nil {
		result.addError(err)
		return false
	}
	return true
}

// unload drives the plugin to unloaded, forcing the state when the edge table
// offers no path.
func (rs *RollbackService) unload(name string, tc TransitionContext, result *RollbackResult) {
	state, ok := rs.lifecycle.CurrentState(name)
	if !ok || state == StateUnloaded || state == StateDiscovered {
		return
	}

	if state == StateLoading {
		rs.lifecycle.Transition(name, TransitionFail, tc)
	}
	if rs.lifecycle.Transition(name, TransitionUnload, tc) && rs.lifecycle.Transition(name, TransitionComplete, tc) {
		return
	}

	current, _ := rs.lifecycle.CurrentState(name)
	result.addWarning("unload of " + name + " forced from state " + string(current))
	if err := rs.lifecycle.RollbackToState(name, StateUnloaded, tc); err != nil {
		result.addError(err)
	}
}

func (rs *RollbackService) reload(ctx context.Context, snapshot *PluginSnapshot, tc TransitionContext) error {
	name := snapshot.PluginName
	if !rs.lifecycle.Transition(name, TransitionLoad, tc) {
		state, _ := rs.lifecycle.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionLoad)
	}

	if rs.loader != nil {
		module, err := rs.loader.LoadModule(ctx, snapshot.Record())
		if err != nil {
			failure := tc
			failure.Err = err
			rs.lifecycle.Transition(name, TransitionFail, failure)
			rs.bus.Publish(PluginLoadFailedEvent{PluginName: name, Error: err, Timestamp: timecache.CachedTime()})
			return NewRollbackFailedError(name, "reload", err)
		}
		record := snapshot.Record()
		record.Module = module
		if err := rs.store.Restore(record); err != nil {
			rs.logger.Warn("Failed to store reloaded module descriptor", "plugin", name, "error", err)
		}
	}

	if !rs.lifecycle.Transition(name, TransitionComplete, tc) {
		state, _ := rs.lifecycle.CurrentState(name)
		return NewInvalidTransitionError(name, state, TransitionComplete)
	}
	rs.bus.Publish(PluginLoadedEvent{PluginName: name, Version: snapshot.Version, Timestamp: timecache.CachedTime()})
	return nil
}

func (rs *RollbackService) beginStep(result *RollbackResult, action RollbackStepAction, pluginName, snapshotID string) int {
	result.Steps = append(result.Steps, RollbackStep{
		Order:      len(result.Steps) + 1,
		Action:     action,
		PluginName: pluginName,
		SnapshotID: snapshotID,
		Started:    time.Now(),
	})
	return len(result.Steps) - 1
}

func (rs *RollbackService) endStep(result *RollbackResult, index int, err error) {
	step := &result.Steps[index]
	step.Duration = time.Since(step.Started)
	step.Completed = err == nil
	if err != nil {
		step.Error = err.Error()
	}
}

func (rs *RollbackService) publishRollback(name EventName, result *RollbackResult) {
	rs.bus.Publish(RollbackEvent{
		Name:       name,
		PluginName: result.PluginName,
		Result:     result.clone(),
		Timestamp:  timecache.CachedTime(),
	})
}

// Shutdown stops the retention sweep, cancels running rollbacks, detaches
// from the bus and drops every snapshot and history entry.
func (rs *RollbackService) Shutdown() {
	if !rs.closed.CompareAndSwap(false, true) {
		return
	}

	rs.cronMu.Lock()
	if rs.scheduler != nil {
		<-rs.scheduler.Stop().Done()
		rs.scheduler = nil
	}
	rs.cronMu.Unlock()

	for _, fn := range rs.unsubscribe {
		fn()
	}
	rs.unsubscribe = nil

	for item := range rs.inflight.IterBuffered() {
		item.Val.cancel()
	}

	rs.mu.Lock()
	rs.snapshots = make(map[string]map[string]*PluginSnapshot)
	rs.history = nil
	rs.mu.Unlock()

	rs.metrics.SetGauge(MetricSnapshotsStored, nil, 0)
	rs.logger.Info("Rollback service shut down")
}
