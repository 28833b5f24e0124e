// Package sysinfo captures a best-effort snapshot of the machine a
// benchmark ran on, for embedding in run reports.
package sysinfo

import (
	"context"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// CPUInfo describes the host CPU.
type CPUInfo struct {
	Model        string  `json:"model,omitempty"`
	LogicalCores int     `json:"logical_cores,omitempty"`
	MHz          float64 `json:"mhz,omitempty"`
}

// Snapshot is a point-in-time description of the benchmark host. Probes
// that fail leave their fields zeroed rather than failing the run.
type Snapshot struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	Arch          string `json:"arch,omitempty"`

	CPU CPUInfo `json:"cpu"`

	MemoryTotalBytes uint64 `json:"memory_total_bytes,omitempty"`
	MemoryTotal      string `json:"memory_total,omitempty"`

	Load1  float64 `json:"load1,omitempty"`
	Load5  float64 `json:"load5,omitempty"`
	Load15 float64 `json:"load15,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collect probes the host. Individual probe failures are logged at
// debug level and never abort the snapshot.
func Collect(ctx context.Context, log logrus.FieldLogger) *Snapshot {
	snap := &Snapshot{CollectedAt: time.Now()}

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read host info")
	} else {
		snap.Hostname = info.Hostname
		snap.OS = info.OS
		snap.Platform = info.Platform
		snap.KernelVersion = info.KernelVersion
		snap.Arch = info.KernelArch
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err != nil {
		log.WithError(err).Debug("Failed to count CPUs")
	} else {
		snap.CPU.LogicalCores = counts
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read CPU info")
	} else if len(infos) > 0 {
		snap.CPU.Model = infos[0].ModelName
		snap.CPU.MHz = infos[0].Mhz
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read memory info")
	} else {
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryTotal = units.BytesSize(float64(vm.Total))
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read load averages")
	} else {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	return snap
}
