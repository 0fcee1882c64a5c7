package bridge

import (
	"time"

	"github.com/pilot-net/actionsync/pkg/types"
)

// queuedAction is one command waiting for delivery to a device.
type queuedAction struct {
	id        string
	action    string
	payload   any
	ttl       time.Duration
	createdAt time.Time
	sentAt    time.Time // zero until the first delivery attempt
}

// live reports whether the action is still inside its TTL window.
func (a *queuedAction) live(now time.Time) bool {
	return now.Sub(a.createdAt) < a.ttl
}

// expired reports whether the action has outlived its TTL and should be
// pruned.
func (a *queuedAction) expired(now time.Time) bool {
	return now.Sub(a.createdAt) > a.ttl
}

// due reports whether the action may be (re)sent now.
func (a *queuedAction) due(now time.Time, resendAfter time.Duration) bool {
	return a.sentAt.IsZero() || now.Sub(a.sentAt) >= resendAfter
}

func (a *queuedAction) wire() types.Action {
	return types.Action{
		ID:      a.id,
		Action:  a.action,
		Payload: a.payload,
		TTL:     int(a.ttl / time.Second),
		TS:      types.UnixSeconds(a.createdAt),
	}
}

// enqueue appends a new action and evicts the oldest entries beyond limit.
func (d *device) enqueue(id, action string, payload any, ttl time.Duration, now time.Time, limit int) {
	d.queue = append(d.queue, &queuedAction{
		id:        id,
		action:    action,
		payload:   payload,
		ttl:       ttl,
		createdAt: now,
	})
	d.queue = trimFront(d.queue, limit)
}

// collectDue returns the actions that are live and due for (re)delivery, in
// queue order, and stamps them as sent at now.
func (d *device) collectDue(now time.Time, resendAfter time.Duration) []types.Action {
	actions := make([]types.Action, 0, len(d.queue))
	for _, a := range d.queue {
		if !a.live(now) || !a.due(now, resendAfter) {
			continue
		}
		a.sentAt = now
		actions = append(actions, a.wire())
	}
	return actions
}

// prune drops acknowledged and expired actions, keeping the order of the
// rest. It returns the number of actions removed.
func (d *device) prune(ack map[string]struct{}, now time.Time) int {
	kept := d.queue[:0]
	for _, a := range d.queue {
		if _, acked := ack[a.id]; acked {
			continue
		}
		if a.expired(now) {
			continue
		}
		kept = append(kept, a)
	}
	removed := len(d.queue) - len(kept)
	// Clear the tail so dropped actions can be collected.
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = kept
	return removed
}
