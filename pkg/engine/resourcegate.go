package engine

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostResourceGate implements ResourceGate against the live host,
// refusing new claims once CPU or memory utilization crosses the
// configured ceiling (spec §4.4 backpressure).
type HostResourceGate struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

// Allow samples current CPU and memory utilization and compares them
// against the configured ceilings.
func (g *HostResourceGate) Allow() (bool, string) {
	if g.MaxCPUPercent > 0 {
		percents, err := cpu.Percent(0, false)
		if err == nil && len(percents) > 0 && percents[0] > g.MaxCPUPercent {
			return false, fmt.Sprintf("cpu at %.1f%%, ceiling %.1f%%", percents[0], g.MaxCPUPercent)
		}
	}
	if g.MaxMemoryPercent > 0 {
		vm, err := mem.VirtualMemory()
		if err == nil && vm.UsedPercent > g.MaxMemoryPercent {
			return false, fmt.Sprintf("memory at %.1f%%, ceiling %.1f%%", vm.UsedPercent, g.MaxMemoryPercent)
		}
	}
	return true, ""
}
