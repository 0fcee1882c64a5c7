package bridge

import (
	"maps"

	"github.com/pilot-net/actionsync/pkg/types"
)

// Status returns a snapshot of every known device in registration order.
func (b *Bridge) Status() types.StatusResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	devices := make([]types.DeviceStatus, 0, len(b.order))
	for _, id := range b.order {
		d := b.devices[id]
		transport := types.TransportHTTP
		if d.conn != nil && d.conn.Alive() {
			transport = types.TransportWebSocket
		}
		devices = append(devices, types.DeviceStatus{
			ID:        d.id,
			LastSeen:  types.UnixSeconds(d.lastSeen),
			IP:        d.addr,
			Info:      maps.Clone(d.info),
			Queue:     len(d.queue),
			Logs:      len(d.logs),
			Results:   len(d.results),
			Transport: transport,
			Online:    !d.lastSeen.IsZero() && now.Sub(d.lastSeen) <= b.cfg.DeviceTimeout,
		})
	}

	return types.StatusResponse{
		OK:           true,
		ServerTS:     now.UnixMilli(),
		Devices:      devices,
		LastDeviceID: b.lastDeviceID,
	}
}

// Logs returns up to limit of the newest log entries of a device (all of
// them when limit <= 0) and the resolved device id. Unknown devices have no
// logs.
func (b *Bridge) Logs(deviceID string, limit int) (string, []types.LogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.resolveLocked(deviceID)
	if target == "" {
		return "", nil, ErrNoDevice
	}
	d, ok := b.devices[target]
	if !ok {
		return target, []types.LogEntry{}, nil
	}
	logs := d.logs
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	out := make([]types.LogEntry, len(logs))
	copy(out, logs)
	return target, out, nil
}

// Counts returns the number of known devices and bound live connections.
func (b *Bridge) Counts() (devices, sockets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.conn != nil && d.conn.Alive() {
			sockets++
		}
	}
	return len(b.devices), sockets
}

// PruneExpired drops TTL-expired actions from every queue and returns how
// many were removed.
func (b *Bridge) PruneExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for _, d := range b.devices {
		removed += d.prune(nil, now)
	}
	return removed
}
