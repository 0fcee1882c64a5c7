package metrics

import (
	"testing"
	"time"
)

type fakeCounts struct {
	devices, sockets int
}

func (f *fakeCounts) Counts() (int, int) { return f.devices, f.sockets }

func TestServerHealth(t *testing.T) {
	counts := &fakeCounts{devices: 3, sockets: 1}
	c := NewCollector(counts)

	health := c.ServerHealth()
	if health.Status != "healthy" && health.Status != "degraded" {
		t.Errorf("unexpected status %q", health.Status)
	}
	if health.Goroutines <= 0 {
		t.Errorf("goroutines = %d, want > 0", health.Goroutines)
	}
	if health.Devices != 3 || health.Sockets != 1 {
		t.Errorf("counts = %d/%d, want 3/1", health.Devices, health.Sockets)
	}
	if health.MemoryMB <= 0 {
		t.Errorf("memory = %f MB, want > 0", health.MemoryMB)
	}
}

func TestServerHealthCountsBypassCache(t *testing.T) {
	counts := &fakeCounts{devices: 1}
	c := NewCollector(counts)
	first := c.ServerHealth()

	counts.devices, counts.sockets = 5, 2
	second := c.ServerHealth()

	if second.Devices != 5 || second.Sockets != 2 {
		t.Errorf("counts = %d/%d, want 5/2", second.Devices, second.Sockets)
	}
	if second.Goroutines != first.Goroutines {
		t.Errorf("process metrics not served from cache: %d vs %d", first.Goroutines, second.Goroutines)
	}
}

func TestServerHealthCacheExpiry(t *testing.T) {
	c := NewCollector(nil)
	c.cacheDuration = time.Millisecond
	c.ServerHealth()

	c.mu.RLock()
	expiry := c.cacheExpiry
	c.mu.RUnlock()

	time.Sleep(5 * time.Millisecond)
	c.ServerHealth()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.cacheExpiry.After(expiry) {
		t.Error("cache was not refreshed after expiry")
	}
}
