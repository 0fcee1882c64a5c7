package bridge

import (
	"maps"
	"strings"
	"time"

	"github.com/pilot-net/actionsync/control-plane/internal/wsframe"
	"github.com/pilot-net/actionsync/pkg/types"
)

// device is the per-device record. All fields are guarded by Bridge.mu.
type device struct {
	id        string
	createdAt time.Time
	lastSeen  time.Time
	addr      string
	info      map[string]any

	conn *wsframe.Conn

	queue   []*queuedAction
	logs    []types.LogEntry
	results []types.ResultEntry
}

// getOrCreateLocked returns the record for id, creating it on first use.
// Records are never removed. Caller must hold b.mu.
func (b *Bridge) getOrCreateLocked(id string) *device {
	if d, ok := b.devices[id]; ok {
		return d
	}
	d := &device{
		id:        id,
		createdAt: b.now(),
		info:      make(map[string]any),
	}
	b.devices[id] = d
	b.order = append(b.order, id)
	return d
}

// resolveLocked maps a device reference to a concrete id. Empty and "last"
// resolve to the last device that synced, falling back to the first device
// ever registered. Returns "" when nothing is known. Caller must hold b.mu.
func (b *Bridge) resolveLocked(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref != "" && ref != LastDevice {
		return ref
	}
	if b.lastDeviceID != "" {
		return b.lastDeviceID
	}
	if len(b.order) > 0 {
		return b.order[0]
	}
	return ""
}

// ResolveDevice resolves a device reference the same way QueueAction does.
func (b *Bridge) ResolveDevice(ref string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.resolveLocked(ref)
	if id == "" {
		return "", ErrNoDevice
	}
	return id, nil
}

// mergeInfo merges top-level keys of info into the device metadata.
func (d *device) mergeInfo(info map[string]any) {
	maps.Copy(d.info, info)
}

// log appends a diagnostic line, evicting the oldest beyond limit.
func (d *device) log(now time.Time, text, level string, limit int) {
	d.logs = append(d.logs, types.LogEntry{
		TS:    types.UnixSeconds(now),
		Text:  text,
		Level: level,
	})
	d.logs = trimFront(d.logs, limit)
}

// trimFront keeps the newest limit elements of s, preserving order.
func trimFront[T any](s []T, limit int) []T {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	kept := make([]T, limit)
	copy(kept, s[len(s)-limit:])
	return kept
}
