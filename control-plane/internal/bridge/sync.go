package bridge

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pilot-net/actionsync/pkg/types"
)

// SyncError is a rejected sync. Status is the HTTP status the transport
// should report and Code the stable machine-readable error string.
type SyncError struct {
	Status int
	Code   string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync rejected: %s (%d)", e.Code, e.Status)
}

var (
	errInvalidPayload  = &SyncError{Status: http.StatusBadRequest, Code: "invalid_payload"}
	errUnauthorized    = &SyncError{Status: http.StatusUnauthorized, Code: "unauthorized"}
	errMissingDeviceID = &SyncError{Status: http.StatusBadRequest, Code: "missing_device_id"}
)

// HandleSync applies one inbound sync payload and returns the actions now due
// for the device. It is the only state transition used by both transports:
//
//  1. the payload must be a JSON object
//  2. when a token is configured, payload.token must match
//  3. device_id must be present
//  4. last-seen, source address and info are updated
//  5. logs are appended
//  6. results are stored
//  7. explicit acks plus reported result ids form the ack set
//  8. acked and expired actions are pruned
//  9. due actions are collected and stamped as sent
//
// Steps 4 to 9 run under the registry lock. Rejections are *SyncError and
// leave the state untouched.
func (b *Bridge) HandleSync(payload any, sourceAddr string) (*types.SyncResponse, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, errInvalidPayload
	}

	if b.cfg.Token != "" {
		token, _ := m["token"].(string)
		if subtle.ConstantTimeCompare([]byte(token), []byte(b.cfg.Token)) != 1 {
			return nil, errUnauthorized
		}
	}

	deviceID := strings.TrimSpace(stringValue(m["device_id"]))
	if deviceID == "" {
		return nil, errMissingDeviceID
	}

	b.mu.Lock()
	now := b.now()
	d := b.getOrCreateLocked(deviceID)
	d.lastSeen = now
	d.addr = sourceAddr
	if info, ok := m["info"].(map[string]any); ok {
		d.mergeInfo(info)
	}
	b.lastDeviceID = deviceID

	if logs, ok := m["logs"].([]any); ok {
		for _, entry := range logs {
			text, level := parseLogEntry(entry)
			if text != "" {
				d.log(now, text, level, b.cfg.MaxLogs)
			}
		}
	}

	ack := make(map[string]struct{})
	if results, ok := m["results"].([]any); ok {
		for _, id := range d.appendResults(results, now, b.cfg.MaxResults) {
			ack[id] = struct{}{}
		}
		if len(results) > 0 {
			b.notifyResultsLocked()
		}
	}
	if ids, ok := m["ack"].([]any); ok {
		for _, raw := range ids {
			if id := stringValue(raw); id != "" {
				ack[id] = struct{}{}
			}
		}
	}

	pruned := d.prune(ack, now)
	actions := d.collectDue(now, b.cfg.ResendAfter)
	b.mu.Unlock()

	b.logger.Debug("sync",
		"device_id", deviceID,
		"remote_addr", sourceAddr,
		"acked", len(ack),
		"pruned", pruned,
		"actions", len(actions),
	)

	return &types.SyncResponse{
		OK:       true,
		DeviceID: deviceID,
		ServerTS: now.UnixMilli(),
		Actions:  actions,
	}, nil
}

// parseLogEntry accepts a plain string or an object with a text field and an
// optional level.
func parseLogEntry(entry any) (text, level string) {
	level = types.LogLevelInfo
	switch v := entry.(type) {
	case string:
		return v, level
	case map[string]any:
		if l, ok := v["level"].(string); ok && l != "" {
			level = l
		}
		return stringValue(v["text"]), level
	default:
		return "", level
	}
}

// stringValue renders scalar JSON values as strings. Objects, arrays and
// null yield "".
func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
