package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/actionsync/control-plane/internal/wsframe"
	"github.com/pilot-net/actionsync/pkg/types"
)

// QueueAction enqueues an action for a device and returns its id together
// with the resolved device id. deviceID may be empty or "last". A nil
// payload becomes an empty object and a non-positive ttl the configured
// default.
//
// If the device has a live WebSocket bound, due actions are pushed right
// away; otherwise they wait for the next sync.
func (b *Bridge) QueueAction(deviceID, action string, payload any, ttl time.Duration) (actionID, resolved string, err error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return "", "", ErrMissingAction
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if ttl <= 0 {
		ttl = b.cfg.DefaultTTL
	}
	actionID = b.newID()

	b.mu.Lock()
	resolved = b.resolveLocked(deviceID)
	if resolved == "" {
		b.mu.Unlock()
		return "", "", ErrNoDevice
	}
	now := b.now()
	d := b.getOrCreateLocked(resolved)
	d.enqueue(actionID, action, payload, ttl, now, b.cfg.MaxQueue)
	d.log(now, fmt.Sprintf("queued %s id=%s", action, actionID), types.LogLevelInfo, b.cfg.MaxLogs)

	var (
		conn *wsframe.Conn
		due  []types.Action
	)
	if d.conn != nil && d.conn.Alive() {
		conn = d.conn
		due = d.collectDue(now, b.cfg.ResendAfter)
	}
	b.mu.Unlock()

	b.logger.Info("action queued",
		"device_id", resolved,
		"action", action,
		"action_id", actionID,
		"ttl", ttl,
		"push", conn != nil,
	)

	if conn != nil && len(due) > 0 {
		b.push(conn, resolved, due)
	}
	return actionID, resolved, nil
}
