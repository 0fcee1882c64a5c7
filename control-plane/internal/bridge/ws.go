package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pilot-net/actionsync/control-plane/internal/wsframe"
	"github.com/pilot-net/actionsync/pkg/types"
)

// ServeConn runs the read loop of one upgraded connection until the peer
// closes it, a protocol error occurs or the connection is evicted by a newer
// one for the same device. Every text frame is handled exactly like a POST
// /sync body; the first successful sync binds the connection to its device.
func (b *Bridge) ServeConn(conn *wsframe.Conn, sourceAddr string) {
	conn.SetReadLimit(b.cfg.MaxFrameBytes)
	conn.SetWriteTimeout(b.cfg.WriteTimeout)
	logger := b.logger.With("remote_addr", sourceAddr)
	logger.Debug("ws connection opened")

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		b.unbind(conn)
		conn.Close()
		logger.Debug("ws connection closed", "device_id", conn.DeviceID())
	}()

	for conn.Alive() {
		msg, err := conn.ReadText()
		if err != nil {
			if !wsframe.IsClosed(err) {
				logger.Warn("ws read failed", "device_id", conn.DeviceID(), "error", err)
				b.logDevice(conn.DeviceID(), fmt.Sprintf("ws error: %v", err), types.LogLevelError)
			}
			return
		}
		if msg == "" {
			continue
		}

		var payload any
		if err := json.Unmarshal([]byte(msg), &payload); err != nil {
			reply := types.ErrorResponse{Error: "invalid_json", DeviceID: conn.DeviceID(), Type: types.MessageSync}
			if err := conn.SendJSON(reply); err != nil {
				return
			}
			continue
		}

		var reply any
		resp, err := b.HandleSync(payload, sourceAddr)
		if err != nil {
			out := types.ErrorResponse{
				Error:    "internal_error",
				DeviceID: conn.DeviceID(),
				Code:     http.StatusInternalServerError,
				Type:     types.MessageSync,
			}
			var syncErr *SyncError
			if errors.As(err, &syncErr) {
				out.Error = syncErr.Code
				out.Code = syncErr.Status
			}
			reply = out
		} else {
			b.bind(resp.DeviceID, conn)
			resp.Type = types.MessageSync
			reply = resp
		}

		if err := conn.SendJSON(reply); err != nil {
			if !wsframe.IsClosed(err) && !errors.Is(err, wsframe.ErrClosed) {
				logger.Warn("ws reply failed", "device_id", conn.DeviceID(), "error", err)
				b.logDevice(conn.DeviceID(), fmt.Sprintf("ws error: %v", err), types.LogLevelError)
			}
			return
		}
	}
}

// bind makes conn the push channel of deviceID. A different connection
// already bound to the device is evicted and closed.
func (b *Bridge) bind(deviceID string, conn *wsframe.Conn) {
	b.mu.Lock()
	if prev := conn.DeviceID(); prev != "" && prev != deviceID {
		if d, ok := b.devices[prev]; ok && d.conn == conn {
			d.conn = nil
		}
	}
	conn.SetDeviceID(deviceID)

	d := b.getOrCreateLocked(deviceID)
	evicted := d.conn
	d.conn = conn
	b.mu.Unlock()

	if evicted != nil && evicted != conn {
		b.logger.Info("ws connection replaced",
			"device_id", deviceID,
			"old_addr", evicted.RemoteAddr(),
			"new_addr", conn.RemoteAddr(),
		)
		evicted.Close()
	}
}

// unbind detaches conn from its device, but only while the device still
// points at this exact connection; a newer bind is left alone.
func (b *Bridge) unbind(conn *wsframe.Conn) {
	deviceID := conn.DeviceID()
	if deviceID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[deviceID]; ok && d.conn == conn {
		d.conn = nil
	}
}

// push sends due actions unsolicited over a bound connection. A failed send
// tears the connection down; the actions stay queued for the next poll.
func (b *Bridge) push(conn *wsframe.Conn, deviceID string, actions []types.Action) {
	msg := types.SyncResponse{
		OK:       true,
		DeviceID: deviceID,
		ServerTS: b.now().UnixMilli(),
		Actions:  actions,
		Type:     types.MessagePush,
	}
	if err := conn.SendJSON(msg); err != nil {
		b.logger.Warn("ws push failed", "device_id", deviceID, "error", err)
		conn.Close()
		b.unbind(conn)
		b.logDevice(deviceID, fmt.Sprintf("ws push failed: %v", err), types.LogLevelError)
		return
	}
	b.logger.Debug("pushed actions", "device_id", deviceID, "actions", len(actions))
}

// PingConnections pings every bound connection and drops the ones whose
// ping cannot be written. It returns the number of connections dropped.
func (b *Bridge) PingConnections() int {
	type bound struct {
		deviceID string
		conn     *wsframe.Conn
	}

	b.mu.Lock()
	conns := make([]bound, 0)
	for _, id := range b.order {
		if c := b.devices[id].conn; c != nil {
			conns = append(conns, bound{id, c})
		}
	}
	b.mu.Unlock()

	dropped := 0
	for _, c := range conns {
		if err := c.conn.SendPing([]byte("ping")); err != nil {
			b.logger.Info("dropping unresponsive ws connection", "device_id", c.deviceID, "error", err)
			c.conn.Close()
			b.unbind(c.conn)
			dropped++
		}
	}
	return dropped
}

// CloseAll closes every open connection, bound or not. Used on shutdown,
// since hijacked connections are not tracked by the HTTP server.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	conns := make([]*wsframe.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	for _, d := range b.devices {
		if d.conn != nil {
			if _, tracked := b.conns[d.conn]; !tracked {
				conns = append(conns, d.conn)
			}
			d.conn = nil
		}
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// logDevice appends a server generated log line to a known device.
func (b *Bridge) logDevice(deviceID, text, level string) {
	if deviceID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[deviceID]; ok {
		d.log(b.now(), text, level, b.cfg.MaxLogs)
	}
}
