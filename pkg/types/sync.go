// Package types defines the wire types shared between the sync server, devices
// and controllers.
//
// # Timestamps
//
// Entry timestamps (`ts`) are Unix seconds with a fractional part. Server
// timestamps (`server_ts`, `/health` `ts`) are Unix milliseconds.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ACTIONS
// =============================================================================

// Action is a queued command as delivered to a device.
type Action struct {
	ID      string  `json:"id"`
	Action  string  `json:"action"`
	Payload any     `json:"payload"`
	TTL     int     `json:"ttl"` // seconds
	TS      float64 `json:"ts"`  // creation time
}

// ResultEntry is the outcome of one action as reported by a device.
type ResultEntry struct {
	TS     float64 `json:"ts"` // server receive time
	ID     string  `json:"id"`
	OK     bool    `json:"ok"`
	Action string  `json:"action"`
	Data   any     `json:"data"`
	Error  string  `json:"error"`
}

// LogEntry is a diagnostic line stored against a device.
type LogEntry struct {
	TS    float64 `json:"ts"`
	Text  string  `json:"text"`
	Level string  `json:"level"`
}

// Log levels used for server generated entries.
const (
	LogLevelInfo  = "info"
	LogLevelError = "error"
)

// =============================================================================
// SYNC
// =============================================================================

// Message types carried in the `type` field of WebSocket frames.
const (
	MessageSync = "sync" // reply to an inbound frame
	MessagePush = "push" // unsolicited delivery after an enqueue
)

// SyncRequest is the body a device sends to /sync or as a WebSocket frame.
//
// The server decodes sync payloads leniently from a generic JSON object; this
// struct is the shape device-side clients are expected to produce.
type SyncRequest struct {
	DeviceID string         `json:"device_id"`
	Token    string         `json:"token,omitempty"`
	Info     map[string]any `json:"info,omitempty"`
	Logs     []any          `json:"logs,omitempty"`
	Results  []ResultEntry  `json:"results,omitempty"`
	Ack      []string       `json:"ack,omitempty"`
}

// SyncResponse carries the actions due for a device.
type SyncResponse struct {
	OK       bool     `json:"ok"`
	DeviceID string   `json:"device_id"`
	ServerTS int64    `json:"server_ts"`
	Actions  []Action `json:"actions"`
	Type     string   `json:"type,omitempty"`
}

// ErrorResponse is the body of every failed request. Code, Type and DeviceID
// are only set on WebSocket replies; DeviceID names the device the socket is
// currently bound to, if any.
type ErrorResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	DeviceID string `json:"device_id,omitempty"`
	Code     int    `json:"code,omitempty"`
	Type     string `json:"type,omitempty"`
}

// =============================================================================
// CONTROLLER API
// =============================================================================

// QueueRequest enqueues an action for a device. An empty DeviceID or "last"
// targets the most recently active device.
type QueueRequest struct {
	DeviceID string  `json:"device_id,omitempty"`
	Action   string  `json:"action"`
	Payload  any     `json:"payload,omitempty"`
	TTL      Seconds `json:"ttl,omitempty"`
	Token    string  `json:"token,omitempty"`
}

// ErrInvalidSeconds is returned when a Seconds value is neither a number nor
// a numeric string.
var ErrInvalidSeconds = errors.New("invalid seconds value")

// Seconds is a duration in seconds. It decodes from a JSON number, a numeric
// string or null, so "ttl": 60, "ttl": 1.5 and "ttl": "60" are all accepted.
type Seconds float64

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = 0
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return ErrInvalidSeconds
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*s = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return ErrInvalidSeconds
	}
	if math.IsNaN(f) {
		return ErrInvalidSeconds
	}
	*s = Seconds(f)
	return nil
}

// Duration converts s to a time.Duration. Non-positive values return zero and
// values beyond the time.Duration range saturate at its maximum.
func (s Seconds) Duration() time.Duration {
	f := float64(s)
	if !(f > 0) {
		return 0
	}
	if f >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f * float64(time.Second))
}

// QueueResponse reports the id assigned to a queued action.
type QueueResponse struct {
	OK       bool   `json:"ok"`
	ActionID string `json:"action_id"`
	DeviceID string `json:"device_id"`
}

// ResultResponse wraps a stored result.
type ResultResponse struct {
	OK     bool        `json:"ok"`
	Result ResultEntry `json:"result"`
}

// LogsResponse is the tail of a device's log.
type LogsResponse struct {
	OK       bool       `json:"ok"`
	DeviceID string     `json:"device_id"`
	Logs     []LogEntry `json:"logs"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK bool  `json:"ok"`
	TS int64 `json:"ts"`
}

// =============================================================================
// HELPERS
// =============================================================================

// UnixSeconds converts t to fractional Unix seconds. The zero time maps to 0.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
