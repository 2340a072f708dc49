// performance_sampler.go: Process resource sampling for snapshots
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// PerformanceMetrics is a coarse resource sample attached to a snapshot.
type PerformanceMetrics struct {
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	CPUPercent     float64 `json:"cpu_percent"`
	Goroutines     int     `json:"goroutines"`
}

// PerformanceSampler produces a PerformanceMetrics sample. Returning nil
// means no sample is available.
type PerformanceSampler interface {
	Sample() *PerformanceMetrics
}

// ProcessSampler samples the current process through gopsutil.
type ProcessSampler struct {
	logger Logger

	once sync.Once
	proc *process.Process
	err  error
}

// NewProcessSampler creates a sampler for the running process.
func NewProcessSampler(logger Logger) *ProcessSampler {
	return &ProcessSampler{logger: NewLogger(logger)}
}

// Sample implements PerformanceSampler. Metrics that cannot be read are left
// at zero.
func (ps *ProcessSampler) Sample() *PerformanceMetrics {
	ps.once.Do(func() {
		ps.proc, ps.err = process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pid fits in int32
		if ps.err != nil {
			ps.logger.Warn("Process sampling unavailable", "error", ps.err)
		}
	})

	sample := &PerformanceMetrics{Goroutines: runtime.NumGoroutine()}
	if ps.err != nil {
		return sample
	}

	if mem, err := ps.proc.MemoryInfo(); err == nil && mem != nil {
		sample.MemoryRSSBytes = mem.RSS
	}
	if cpu, err := ps.proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	return sample
}

// noopSampler disables performance capture.
type noopSampler struct{}

func (noopSampler) Sample() *PerformanceMetrics { return nil }
