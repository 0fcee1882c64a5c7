package bridge

import (
	"context"
	"time"

	"github.com/pilot-net/actionsync/pkg/types"
)

// appendResults stores every well formed result item (a JSON object with a
// non-empty id), stamped with the receive time, and returns the accepted ids.
func (d *device) appendResults(items []any, now time.Time, limit int) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := stringValue(m["id"])
		if id == "" {
			continue
		}
		ok, _ = m["ok"].(bool)
		d.results = append(d.results, types.ResultEntry{
			TS:     types.UnixSeconds(now),
			ID:     id,
			OK:     ok,
			Action: stringValue(m["action"]),
			Data:   m["data"],
			Error:  stringValue(m["error"]),
		})
		ids = append(ids, id)
	}
	d.results = trimFront(d.results, limit)
	return ids
}

// findResult returns the index of the result for actionID.
func (d *device) findResult(actionID string) (int, bool) {
	for i, r := range d.results {
		if r.ID == actionID {
			return i, true
		}
	}
	return -1, false
}

// takeResult returns the result for actionID, removing it when pop is set.
func (d *device) takeResult(actionID string, pop bool) (types.ResultEntry, bool) {
	i, ok := d.findResult(actionID)
	if !ok {
		return types.ResultEntry{}, false
	}
	entry := d.results[i]
	if pop {
		d.results = append(d.results[:i], d.results[i+1:]...)
	}
	return entry, true
}

// notifyResultsLocked wakes every WaitResult caller. Caller must hold b.mu.
func (b *Bridge) notifyResultsLocked() {
	close(b.resultSignal)
	b.resultSignal = make(chan struct{})
}

// GetResult returns the stored result of an action. A missing result is not
// an error: found is false. ErrNoDevice is returned only when a "last"
// reference cannot be resolved.
func (b *Bridge) GetResult(deviceID, actionID string, pop bool) (entry types.ResultEntry, found bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.resolveLocked(deviceID)
	if target == "" {
		return types.ResultEntry{}, false, ErrNoDevice
	}
	d, ok := b.devices[target]
	if !ok {
		return types.ResultEntry{}, false, nil
	}
	entry, found = d.takeResult(actionID, pop)
	return entry, found, nil
}

// WaitResult blocks until the result of actionID is reported, timeout
// elapses (ErrResultTimeout) or ctx is cancelled. It wakes on every result
// append instead of polling and never holds the registry lock while waiting.
func (b *Bridge) WaitResult(ctx context.Context, deviceID, actionID string, timeout time.Duration, pop bool) (types.ResultEntry, error) {
	target, err := b.ResolveDevice(deviceID)
	if err != nil {
		return types.ResultEntry{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		var (
			entry types.ResultEntry
			found bool
		)
		if d, ok := b.devices[target]; ok {
			entry, found = d.takeResult(actionID, pop)
		}
		signal := b.resultSignal
		b.mu.Unlock()

		if found {
			return entry, nil
		}

		select {
		case <-signal:
		case <-timer.C:
			return types.ResultEntry{}, ErrResultTimeout
		case <-ctx.Done():
			return types.ResultEntry{}, ctx.Err()
		}
	}
}
