// dependency_health.go: Periodic health monitoring of plugin dependencies
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
	"github.com/heptiolabs/healthcheck"
)

// ResponsivenessProbe checks that a loaded dependency actually answers.
// Implementations must honour ctx; the sweep enforces the probe timeout anyway.
type ResponsivenessProbe interface {
	Probe(ctx context.Context, pluginName, dependency string) error
}

// ProbeFunc adapts a function to ResponsivenessProbe.
type ProbeFunc func(ctx context.Context, pluginName, dependency string) error

// Probe implements ResponsivenessProbe.
func (f ProbeFunc) Probe(ctx context.Context, pluginName, dependency string) error {
	return f(ctx, pluginName, dependency)
}

// SyntheticProbe is the default probe. It only fails when ctx is already done.
type SyntheticProbe struct{}

// Probe implements ResponsivenessProbe.
func (SyntheticProbe) Probe(ctx context.Context, _, _ string) error {
	return ctx.Err()
}

// DependencyHealthCheck is the health record of one (plugin, dependency) pair.
type DependencyHealthCheck struct {
	PluginName          string    `json:"plugin_name"`
	Dependency          string    `json:"dependency"`
	LastCheck           time.Time `json:"last_check"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           error     `json:"-"`
}

type healthKey struct {
	plugin     string
	dependency string
}

// Track registers the dependency pairs of pluginName for health sweeps,
// replacing any previous set for that plugin.
func (r *DependencyResolver) Track(pluginName string, dependencies []string) {
	deps := uniqueNames(dependencies)

	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	if len(deps) == 0 {
		delete(r.tracked, pluginName)
		return
	}
	r.tracked[pluginName] = deps
	for _, dep := range deps {
		key := healthKey{pluginName, dep}
		if _, ok := r.healthChecks[key]; !ok {
			r.healthChecks[key] = &DependencyHealthCheck{
				PluginName: pluginName,
				Dependency: dep,
				IsHealthy:  true,
			}
		}
	}
}

// Untrack removes pluginName from health sweeps. Its records are pruned by
// the next sweep.
func (r *DependencyResolver) Untrack(pluginName string) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	delete(r.tracked, pluginName)
}

// TrackedPlugins returns the sorted names of tracked plugins.
func (r *DependencyResolver) TrackedPlugins() []string {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	names := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck returns the record of one pair.
func (r *DependencyResolver) HealthCheck(pluginName, dependency string) (DependencyHealthCheck, bool) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	check, ok := r.healthChecks[healthKey{pluginName, dependency}]
	if !ok {
		return DependencyHealthCheck{}, false
	}
	return *check, true
}

// HealthChecks returns every record sorted by plugin then dependency.
func (r *DependencyResolver) HealthChecks() []DependencyHealthCheck {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return r.healthChecksLocked()
}

func (r *DependencyResolver) healthChecksLocked() []DependencyHealthCheck {
	out := make([]DependencyHealthCheck, 0, len(r.healthChecks))
	for _, check := range r.healthChecks {
		out = append(out, *check)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PluginName != out[j].PluginName {
			return out[i].PluginName < out[j].PluginName
		}
		return out[i].Dependency < out[j].Dependency
	})
	return out
}

// UpdateHealthConfig swaps the sweep configuration. The new interval takes
// effect after the running sweep loop is restarted.
func (r *DependencyResolver) UpdateHealthConfig(config HealthCheckConfig) {
	config.ApplyDefaults()
	r.healthConfig.Store(&config)
	if r.pool != nil {
		r.pool.Tune(config.WorkerPoolSize)
	}
}

// HealthConfig returns the active sweep configuration.
func (r *DependencyResolver) HealthConfig() HealthCheckConfig {
	return *r.healthConfig.Load()
}

// CheckHealth runs one sweep synchronously and returns the updated records.
//
// Each tracked pair is healthy when the dependency is loaded and the
// responsiveness probe answers within ProbeTimeout. Records of pairs that are
// no longer tracked are pruned first.
func (r *DependencyResolver) CheckHealth(ctx context.Context) []DependencyHealthCheck {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	config := r.HealthConfig()

	r.healthMu.Lock()
	r.pruneUntrackedLocked()
	keys := make([]healthKey, 0, len(r.healthChecks))
	for key := range r.healthChecks {
		keys = append(keys, key)
	}
	r.healthMu.Unlock()

	results := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		i, key := i, key
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = r.probeDependency(ctx, key, config.ProbeTimeout)
		}
		if r.pool == nil || r.pool.IsClosed() {
			task()
			continue
		}
		if err := r.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	now := timecache.CachedTime()
	var events []Event
	unhealthy := 0

	r.healthMu.Lock()
	for i, key := range keys {
		check, ok := r.healthChecks[key]
		if !ok {
			continue
		}
		check.LastCheck = now
		err := results[i]
		if err == nil {
			if !check.IsHealthy {
				events = append(events, DependencyHealthEvent{
					Name:                EventDependencyRecovered,
					PluginName:          key.plugin,
					Dependency:          key.dependency,
					ConsecutiveFailures: check.ConsecutiveFailures,
					Timestamp:           now,
				})
			}
			check.IsHealthy = true
			check.ConsecutiveFailures = 0
			check.LastError = nil
			continue
		}

		check.ConsecutiveFailures++
		check.LastError = err
		events = append(events, DependencyHealthEvent{
			Name:                EventDependencyHealthFail,
			PluginName:          key.plugin,
			Dependency:          key.dependency,
			ConsecutiveFailures: check.ConsecutiveFailures,
			LastError:           err,
			Timestamp:           now,
		})
		if check.ConsecutiveFailures == config.MaxConsecutiveFailures {
			check.IsHealthy = false
			events = append(events, DependencyHealthEvent{
				Name:                EventDependencyUnhealthy,
				PluginName:          key.plugin,
				Dependency:          key.dependency,
				ConsecutiveFailures: check.ConsecutiveFailures,
				LastError:           err,
				Timestamp:           now,
			})
		}
	}
	for _, check := range r.healthChecks {
		if !check.IsHealthy {
			unhealthy++
		}
	}
	snapshot := r.healthChecksLocked()
	r.healthMu.Unlock()

	r.metrics.SetGauge(MetricUnhealthyDependencies, nil, float64(unhealthy))
	for _, ev := range events {
		if he, ok := ev.(DependencyHealthEvent); ok {
			switch he.Name {
			case EventDependencyHealthFail:
				r.metrics.IncrementCounter(MetricHealthProbeFailures, nil, 1)
			case EventDependencyUnhealthy:
				r.logger.Warn("Dependency unhealthy",
					"plugin", he.PluginName,
					"dependency", he.Dependency,
					"consecutive_failures", he.ConsecutiveFailures,
					"error", he.LastError)
			case EventDependencyRecovered:
				r.logger.Info("Dependency recovered",
					"plugin", he.PluginName,
					"dependency", he.Dependency)
			}
		}
		r.bus.Publish(ev)
	}
	return snapshot
}

func (r *DependencyResolver) pruneUntrackedLocked() {
	for key := range r.healthChecks {
		deps, ok := r.tracked[key.plugin]
		if !ok || !containsName(deps, key.dependency) {
			delete(r.healthChecks, key)
		}
	}
	for plugin, deps := range r.tracked {
		for _, dep := range deps {
			key := healthKey{plugin, dep}
			if _, ok := r.healthChecks[key]; !ok {
				r.healthChecks[key] = &DependencyHealthCheck{PluginName: plugin, Dependency: dep, IsHealthy: true}
			}
		}
	}
}

func (r *DependencyResolver) probeDependency(ctx context.Context, key healthKey, timeout time.Duration) error {
	state, ok := r.states.CurrentState(key.dependency)
	if !ok || state != StateLoaded {
		return NewHealthProbeFailedError(key.plugin, key.dependency, nil)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		callRecovered(func(recovered interface{}, stack []byte) {
			err = NewHealthProbePanicError(key.plugin, key.dependency, recovered)
		}, func() {
			err = r.probe.Probe(probeCtx, key.plugin, key.dependency)
		})
		done <- err
	}()

	select {
	case err := <-done:
		switch {
		case err == nil:
			return nil
		case HasErrorCode(err, ErrCodeHealthProbeFailed):
			return err
		default:
			return NewHealthProbeFailedError(key.plugin, key.dependency, err)
		}
	case <-probeCtx.Done():
		return NewHealthProbeTimeoutError(key.plugin, key.dependency, timeout.String())
	}
}

// Start launches the periodic health sweep. It is a no-op when health
// checking is disabled or the sweep already runs.
func (r *DependencyResolver) Start() {
	config := r.HealthConfig()
	if !config.Enabled {
		return
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.running.Load() {
		return
	}
	r.stopChan = make(chan struct{})
	r.doneChan = make(chan struct{})
	r.running.Store(true)
	go r.run(config.Interval, r.stopChan, r.doneChan)
}

// Stop halts the sweep and waits for an in-flight sweep to finish.
func (r *DependencyResolver) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	close(r.stopChan)
	<-r.doneChan
	r.stopChan, r.doneChan = nil, nil
}

// Restart stops a running sweep and starts it again with the current
// configuration. The sweep stays stopped when health checking is disabled.
func (r *DependencyResolver) Restart() {
	r.Stop()
	r.Start()
}

// IsRunning reports whether the sweep loop is active.
func (r *DependencyResolver) IsRunning() bool {
	return r.running.Load()
}

func (r *DependencyResolver) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer withStackRecover(r.logger, "loop", "dependency_health")()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CheckHealth(ctx)
		case <-stop:
			return
		}
	}
}

// RegisterHealthChecks exposes dependency health as readiness checks on
// handler. The aggregate check fails while any tracked pair is unhealthy.
//
// Example usage:
//
//	health := healthcheck.NewHandler()
//	resolver.RegisterHealthChecks(health)
//	go http.ListenAndServe(":8086", health)
func (r *DependencyResolver) RegisterHealthChecks(handler healthcheck.Handler) {
	handler.AddReadinessCheck("plugin-dependencies", r.readinessCheck)
	handler.AddLivenessCheck("plugin-dependency-sweep", func() error {
		if r.HealthConfig().Enabled && !r.IsRunning() {
			return NewHealthSweepStoppedError()
		}
		return nil
	})
}

func (r *DependencyResolver) readinessCheck() error {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	var unhealthy []string
	for key, check := range r.healthChecks {
		if !check.IsHealthy {
			unhealthy = append(unhealthy, key.plugin+"->"+key.dependency)
		}
	}
	if len(unhealthy) == 0 {
		return nil
	}
	sort.Strings(unhealthy)
	return NewUnhealthyDependenciesError(unhealthy)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
