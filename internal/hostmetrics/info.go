package hostmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
)

// HostInfo is the static part of system.info.
type HostInfo struct {
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	Version       string    `json:"platform_version"`
	Kernel        string    `json:"kernel"`
	Arch          string    `json:"arch"`
	Model         string    `json:"model"`
	PhysicalCores int       `json:"physical_cores"`
	LogicalCores  int       `json:"cores"`
	BootTime      time.Time `json:"boottime"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
}

// ReadHostInfo collects host identity through gopsutil.
func ReadHostInfo(ctx context.Context) (HostInfo, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("hostmetrics: host info: %w", err)
	}
	info := HostInfo{
		Hostname:      h.Hostname,
		Platform:      h.Platform,
		Version:       h.PlatformVersion,
		Kernel:        h.KernelVersion,
		Arch:          h.KernelArch,
		BootTime:      time.Unix(int64(h.BootTime), 0).UTC(),
		UptimeSeconds: h.Uptime,
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		info.PhysicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.LogicalCores = n
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.Model = cpus[0].ModelName
	}
	return info, nil
}
