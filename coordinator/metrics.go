package coordinator

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is a point-in-time view of worker usage and host memory.
type SystemMetrics struct {
	WorkersActive map[Kind]int `json:"workers_active"`
	WorkersTotal  map[Kind]int `json:"workers_total"`
	MemoryUsedGB  float64      `json:"memory_used_gb"`
	MemoryTotalGB float64      `json:"memory_total_gb"`
	MemoryPercent float64      `json:"memory_percent"`
}

// GetSystemMetrics returns current worker and memory usage. Memory fields
// stay zero when the host does not report them.
func (c *Coordinator) GetSystemMetrics() SystemMetrics {
	m := SystemMetrics{
		WorkersActive: make(map[Kind]int),
		WorkersTotal:  make(map[Kind]int),
	}
	for kind, p := range c.pools {
		m.WorkersActive[kind] = int(p.active.Load())
		m.WorkersTotal[kind] = p.workers
	}

	if vm, err := c.memory(); err == nil && vm.Total > 0 {
		m.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(vm.Total-vm.Available) / 1024 / 1024 / 1024
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	return m
}

// UnderMemoryPressure reports whether host memory use is above the
// configured threshold. A zero threshold disables the check.
func (c *Coordinator) UnderMemoryPressure() bool {
	if c.cfg.MemoryHighWaterPercent <= 0 {
		return false
	}
	vm, err := c.memory()
	if err != nil {
		return false
	}
	return vm.UsedPercent >= c.cfg.MemoryHighWaterPercent
}

// memory returns the host memory sample, read at most once per
// MemorySampleInterval. The scheduler asks on every step.
func (c *Coordinator) memory() (*mem.VirtualMemoryStat, error) {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	now := time.Now()
	if c.memSample != nil && now.Sub(c.memSampledAt) < c.cfg.MemorySampleInterval {
		return c.memSample, nil
	}
	vm, err := c.readMemory()
	if err != nil {
		return nil, err
	}
	c.memSample, c.memSampledAt = vm, now
	return vm, nil
}

// checkMemoryPressure returns a warning when fetch bodies held by every
// worker at once could exhaust available memory, empty string if OK.
func (c *Coordinator) checkMemoryPressure() string {
	vm, err := c.memory()
	if err != nil || vm.Total == 0 {
		return ""
	}
	total := 0
	for _, p := range c.pools {
		total += p.workers
	}
	const bodyBudget = 64 << 20 // rough per-worker allowance for a fetched body
	if need := uint64(total) * bodyBudget; need > vm.Available {
		return fmt.Sprintf("%d workers may hold %d MiB of fetched content but only %d MiB is available",
			total, need>>20, vm.Available>>20)
	}
	if c.cfg.MemoryHighWaterPercent > 0 && vm.UsedPercent >= c.cfg.MemoryHighWaterPercent {
		return fmt.Sprintf("memory at %.1f%%, above the %.1f%% high-water mark", vm.UsedPercent, c.cfg.MemoryHighWaterPercent)
	}
	return ""
}
