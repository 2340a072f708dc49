// rollback_plan.go: Non-mutating rollback planning
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-timecache"
)

// RollbackStepAction names a rollback step.
type RollbackStepAction string

const (
	StepUnload          RollbackStepAction = "unload"
	StepRestoreSnapshot RollbackStepAction = "restore-snapshot"
	StepReload          RollbackStepAction = "reload"
	StepSystemRestore   RollbackStepAction = "system-restore"
	StepCascadeRollback RollbackStepAction = "cascade-rollback"
)

// Per-step duration estimates used by plans.
var stepEstimates = map[RollbackStepAction]time.Duration{
	StepUnload:          500 * time.Millisecond,
	StepRestoreSnapshot: 200 * time.Millisecond,
	StepReload:          time.Second,
	StepSystemRestore:   300 * time.Millisecond,
	StepCascadeRollback: 2 * time.Second,
}

// staleSnapshotAge marks snapshots worth a risk note in plans.
const staleSnapshotAge = 7 * 24 * time.Hour

// RollbackStep is one planned or executed step.
type RollbackStep struct {
	Order             int                `json:"order"`
	Action            RollbackStepAction `json:"action"`
	PluginName        string             `json:"plugin_name"`
	SnapshotID        string             `json:"snapshot_id,omitempty"`
	Description       string             `json:"description,omitempty"`
	EstimatedDuration time.Duration      `json:"estimated_duration,omitempty"`
	Started           time.Time          `json:"started,omitempty"`
	Duration          time.Duration      `json:"duration,omitempty"`
	Completed         bool               `json:"completed"`
	Error             string             `json:"error,omitempty"`
}

// RollbackPlan describes what a rollback would do.
type RollbackPlan struct {
	PluginName        string           `json:"plugin_name"`
	Strategy          RollbackStrategy `json:"strategy"`
	TargetSnapshotID  string           `json:"target_snapshot_id"`
	TargetVersion     string           `json:"target_version"`
	Steps             []RollbackStep   `json:"steps"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	AffectedPlugins   []string         `json:"affected_plugins,omitempty"`
	Risks             []string         `json:"risks,omitempty"`
}

func (p *RollbackPlan) addStep(action RollbackStepAction, pluginName, snapshotID, description string) {
	estimate := stepEstimates[action]
	p.Steps = append(p.Steps, RollbackStep{
		Order:             len(p.Steps) + 1,
		Action:            action,
		PluginName:        pluginName,
		SnapshotID:        snapshotID,
		Description:       description,
		EstimatedDuration: estimate,
	})
	p.EstimatedDuration += estimate
}

// GenerateRollbackPlan computes the steps, duration estimate and risks of a
// rollback without changing anything. It fails when no usable target
// snapshot exists.
func (rs *RollbackService) GenerateRollbackPlan(pluginName string, opts RollbackOptions) (*RollbackPlan, error) {
	if pluginName == "" {
		return nil, NewInvalidArgumentError("plugin_name", "plugin name is required")
	}
	opts = rs.normalizeOptions(opts)
	if !opts.Strategy.IsValid() {
		return nil, NewRollbackStrategyError(opts.Strategy)
	}

	target, err := rs.selectTarget(pluginName, opts)
	if err != nil {
		return nil, err
	}

	now := timecache.CachedTime()
	age := now.Sub(target.Timestamp)
	if age > rs.SnapshotConfig().Retention {
		return nil, NewSnapshotExpiredError(pluginName, target.ID, age.String())
	}

	plan := &RollbackPlan{
		PluginName:       pluginName,
		Strategy:         opts.Strategy,
		TargetSnapshotID: target.ID,
		TargetVersion:    target.Version,
	}

	if age > staleSnapshotAge {
		plan.Risks = append(plan.Risks, "target snapshot is "+formatDays(age)+" old")
	}

	plan.addStep(StepUnload, pluginName, target.ID, "unload current "+pluginName)
	plan.addStep(StepRestoreSnapshot, pluginName, target.ID, "restore "+pluginName+" "+target.Version)
	if opts.Strategy == RollbackStrategySnapshot {
		plan.addStep(StepSystemRestore, pluginName, target.ID, "verify restored dependency edges")
	} else {
		plan.addStep(StepReload, pluginName, target.ID, "reload "+pluginName+" "+target.Version)
		if rs.loader == nil {
			plan.Risks = append(plan.Risks, "no module loader configured; reload only updates lifecycle state")
		}
	}

	direct := rs.store.Dependents(pluginName)
	switch {
	case opts.Strategy == RollbackStrategyDependencyGraph:
		plan.AffectedPlugins = rs.transitiveDependents(pluginName, opts.MaxRollbackDepth)
		if opts.CascadeRollback {
			for _, dependent := range plan.AffectedPlugins {
				snapshotID := ""
				if latest, err := rs.LatestSnapshot(dependent); err == nil {
					snapshotID = latest.ID
				} else {
					plan.Risks = append(plan.Risks, "dependent "+dependent+" has no snapshot and will not be rolled back")
				}
				plan.addStep(StepCascadeRollback, dependent, snapshotID, "roll back dependent "+dependent)
			}
			if deeper := rs.transitiveDependents(pluginName, 0); len(deeper) > len(plan.AffectedPlugins) {
				plan.Risks = append(plan.Risks, "cascade truncated at depth "+strconv.Itoa(opts.MaxRollbackDepth))
			}
		} else if loaded := rs.loadedAmong(plan.AffectedPlugins); len(loaded) > 0 {
			plan.Risks = append(plan.Risks, "dependents may break without cascade: "+joinNames(loaded))
		}
	default:
		if loaded := rs.loadedAmong(direct); len(loaded) > 0 {
			plan.Risks = append(plan.Risks, "dependents may break without cascade: "+joinNames(loaded))
		}
	}

	return plan, nil
}

// selectTarget picks the snapshot a rollback restores.
func (rs *RollbackService) selectTarget(pluginName string, opts RollbackOptions) (*PluginSnapshot, error) {
	if opts.TargetSnapshot != "" {
		return rs.Snapshot(pluginName, opts.TargetSnapshot)
	}

	snapshots := rs.Snapshots(pluginName)
	if opts.Strategy == RollbackStrategySnapshot || opts.TargetVersion == "" {
		if len(snapshots) == 0 {
			return nil, NewSnapshotNotFoundError(pluginName, "")
		}
		return &snapshots[0], nil
	}

	for i := range snapshots {
		if versionMatches(snapshots[i].Version, opts.TargetVersion) {
			return &snapshots[i], nil
		}
	}
	return nil, NewSnapshotNotFoundError(pluginName, "version "+opts.TargetVersion)
}

func (rs *RollbackService) transitiveDependents(pluginName string, maxDepth int) []string {
	visited := map[string]bool{pluginName: true}
	var out []string
	frontier := []string{pluginName}
	for depth := 1; len(frontier) > 0 && (maxDepth <= 0 || depth <= maxDepth); depth++ {
		var next []string
		for _, current := range frontier {
			for _, dependent := range rs.store.Dependents(current) {
				if !visited[dependent] {
					visited[dependent] = true
					next = append(next, dependent)
				}
			}
		}
		out = append(out, next...)
		frontier = next
	}
	return out
}

func (rs *RollbackService) loadedAmong(names []string) []string {
	var loaded []string
	for _, name := range names {
		if state, _ := rs.lifecycle.CurrentState(name); state == StateLoaded {
			loaded = append(loaded, name)
		}
	}
	return loaded
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}

func formatDays(d time.Duration) string {
	return strconv.Itoa(int(d.Hours()/24)) + " days"
}
