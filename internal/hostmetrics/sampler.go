// Package hostmetrics samples host memory, swap, load and disk usage and
// turns threshold crossings into alerts.
package hostmetrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// DiskUsage is the usage of one mounted path.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Sample is one observation of the host.
type Sample struct {
	MemoryTotalBytes     uint64      `json:"memory_total_bytes"`
	MemoryAvailableBytes uint64      `json:"memory_available_bytes"`
	MemoryUsedPercent    float64     `json:"memory_used_percent"`
	SwapUsedBytes        uint64      `json:"swap_used_bytes"`
	SwapUsedPercent      float64     `json:"swap_used_percent"`
	Load1                float64     `json:"load1"`
	Load5                float64     `json:"load5"`
	Load15               float64     `json:"load15"`
	CPUs                 int         `json:"cpus"`
	Disks                []DiskUsage `json:"disks"`
	Goroutines           int         `json:"goroutines"`
	CollectedAt          time.Time   `json:"collected_at"`
}

// Sampler observes the host.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads the host through gopsutil.
type SystemSampler struct {
	// Paths are the mount points checked for free space.
	Paths []string

	mu   sync.Mutex
	last Sample
}

// NewSystemSampler returns a sampler checking paths for disk space.
func NewSystemSampler(paths ...string) *SystemSampler {
	return &SystemSampler{Paths: paths}
}

// Sample implements Sampler. Memory is required; load and disk failures
// leave their fields zero.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("hostmetrics: memory: %w", err)
	}
	out := Sample{
		MemoryTotalBytes:     vm.Total,
		MemoryAvailableBytes: vm.Available,
		MemoryUsedPercent:    vm.UsedPercent,
		CPUs:                 runtime.NumCPU(),
		Goroutines:           runtime.NumGoroutine(),
		CollectedAt:          time.Now(),
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		out.SwapUsedBytes = sw.Used
		out.SwapUsedPercent = sw.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load1, out.Load5, out.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	for _, path := range s.Paths {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			continue
		}
		out.Disks = append(out.Disks, DiskUsage{
			Path:        usage.Path,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}
	s.mu.Lock()
	s.last = out
	s.mu.Unlock()
	return out, nil
}

// Last returns the most recent sample.
func (s *SystemSampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
