// Package worker provides background workers for the sync server.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/actionsync/pkg/types"
)

// JanitorBridge defines the registry operations the janitor needs.
type JanitorBridge interface {
	// PruneExpired drops TTL-expired actions from every queue and returns
	// how many were removed.
	PruneExpired() int

	// PingConnections pings every bound WebSocket and drops the ones that
	// cannot be written to.
	PingConnections() int

	// Status returns a snapshot of every known device.
	Status() types.StatusResponse
}

// JanitorConfig holds configuration for the janitor.
type JanitorConfig struct {
	// Interval between prune and presence passes.
	Interval time.Duration

	// PingInterval between WebSocket keepalive pings.
	PingInterval time.Duration
}

// DefaultJanitorConfig returns sensible defaults.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:     30 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Janitor keeps the registry tidy between syncs: it prunes expired actions
// of devices that stopped polling, reports online/offline transitions and
// keeps idle WebSocket connections alive.
type Janitor struct {
	bridge JanitorBridge
	config JanitorConfig
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once

	online map[string]bool // last observed presence per device; run goroutine only
}

// NewJanitor creates a new janitor.
func NewJanitor(bridge JanitorBridge, config JanitorConfig, logger *slog.Logger) *Janitor {
	defaults := DefaultJanitorConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	return &Janitor{
		bridge: bridge,
		config: config,
		logger: logger.With("component", "janitor"),
		stopCh: make(chan struct{}),
		online: make(map[string]bool),
	}
}

// Start begins the janitor in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	go j.run(ctx)
}

// Stop signals the janitor to stop. Safe to call more than once.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
}

func (j *Janitor) run(ctx context.Context) {
	j.logger.Info("janitor started",
		"interval", j.config.Interval,
		"ping_interval", j.config.PingInterval,
	)

	sweep := time.NewTicker(j.config.Interval)
	defer sweep.Stop()
	ping := time.NewTicker(j.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopping (context cancelled)")
			return
		case <-j.stopCh:
			j.logger.Info("janitor stopping (stop signal)")
			return
		case <-sweep.C:
			j.runOnce()
		case <-ping.C:
			j.pingOnce()
		}
	}
}

// runOnce prunes expired actions and logs presence transitions.
func (j *Janitor) runOnce() {
	pruned := j.bridge.PruneExpired()
	wentOnline, wentOffline := j.trackPresence(j.bridge.Status().Devices)

	if pruned > 0 || wentOnline > 0 || wentOffline > 0 {
		j.logger.Info("janitor cycle complete",
			"expired_actions", pruned,
			"online_transitions", wentOnline,
			"offline_transitions", wentOffline,
		)
	}
}

// trackPresence compares device presence against the previous pass. A
// device seen for the first time counts as a transition only when online.
func (j *Janitor) trackPresence(devices []types.DeviceStatus) (wentOnline, wentOffline int) {
	for _, d := range devices {
		was, known := j.online[d.ID]
		j.online[d.ID] = d.Online
		switch {
		case d.Online && (!known || !was):
			wentOnline++
			j.logger.Info("device online", "device_id", d.ID, "ip", d.IP, "transport", d.Transport)
		case !d.Online && known && was:
			wentOffline++
			j.logger.Warn("device offline", "device_id", d.ID, "last_seen", d.LastSeen)
		}
	}
	return wentOnline, wentOffline
}

func (j *Janitor) pingOnce() {
	if dropped := j.bridge.PingConnections(); dropped > 0 {
		j.logger.Info("dropped dead ws connections", "count", dropped)
	}
}
