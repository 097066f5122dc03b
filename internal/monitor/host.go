package monitor

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// HostSnapshot is a point-in-time view of the machine for status reports.
type HostSnapshot struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
	Load1             float64 `json:"load1"`
	LogicalCores      int     `json:"logical_cores"`
	Arch              string  `json:"arch"`
}

// Host collects a HostSnapshot. Individual probe failures are logged at
// debug level and leave their fields zero.
func Host() HostSnapshot {
	snap := HostSnapshot{Arch: runtime.GOARCH}
	log := GetLogger()

	if pct, err := cpu.Percent(0, false); err != nil {
		log.Debug("cpu percent unavailable", logger.Error(err))
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		log.Debug("memory info unavailable", logger.Error(err))
	} else {
		snap.MemoryUsedPercent = vm.UsedPercent
		snap.MemoryTotalBytes = vm.Total
	}
	if avg, err := load.Avg(); err != nil {
		log.Debug("load average unavailable", logger.Error(err))
	} else {
		snap.Load1 = avg.Load1
	}
	if n, err := cpu.Counts(true); err == nil {
		snap.LogicalCores = n
	} else {
		snap.LogicalCores = runtime.NumCPU()
	}
	return snap
}
