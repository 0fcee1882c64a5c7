// Package metrics provides process health collection for the sync server.
package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/actionsync/pkg/types"
)

// CountsProvider reports how many devices are known and how many of them
// hold a live WebSocket connection.
type CountsProvider interface {
	Counts() (devices, sockets int)
}

// Collector gathers server health with caching.
type Collector struct {
	counts CountsProvider // may be nil

	startTime time.Time

	// Cached process metrics with TTL
	mu            sync.RWMutex
	cachedProcess *types.ServerHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new health collector.
func NewCollector(counts CountsProvider) *Collector {
	return &Collector{
		counts:        counts,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// ServerHealth returns the current server health. Process metrics are
// cached for 30 seconds since sampling them reads /proc; device and socket
// counts are always fresh.
func (c *Collector) ServerHealth() types.ServerHealth {
	c.mu.RLock()
	cached := c.cachedProcess
	fresh := cached != nil && time.Now().Before(c.cacheExpiry)
	c.mu.RUnlock()

	var health types.ServerHealth
	if fresh {
		health = *cached
	} else {
		health = c.collectProcessHealth()
		c.mu.Lock()
		c.cachedProcess = &health
		c.cacheExpiry = time.Now().Add(c.cacheDuration)
		c.mu.Unlock()
	}

	health.UptimeSeconds = int64(time.Since(c.startTime).Seconds())
	if c.counts != nil {
		health.Devices, health.Sockets = c.counts.Counts()
	}
	return health
}

func (c *Collector) collectProcessHealth() types.ServerHealth {
	health := types.ServerHealth{
		Status:     "healthy",
		Goroutines: runtime.NumGoroutine(),
	}

	// Get process metrics using gopsutil
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}
