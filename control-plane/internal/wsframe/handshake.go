package wsframe

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// acceptGUID is the fixed GUID from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrMissingKey is returned by Upgrade when the request has no
// Sec-WebSocket-Key header. The 400 response has already been written.
var ErrMissingKey = errors.New("wsframe: missing Sec-WebSocket-Key")

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IsUpgradeRequest reports whether r asks for a WebSocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Upgrade completes the opening handshake and takes over the connection.
//
// A missing key is answered with 400 {"ok":false,"error":"missing_ws_key"}.
// After a successful upgrade the caller owns the returned Conn and must
// close it; w must not be used again.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "missing_ws_key"})
		return nil, ErrMissingKey
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return nil, errors.New("wsframe: response writer does not support hijacking")
	}

	netConn, rw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}

	// The HTTP server's read/write timeouts must not apply to a long-lived
	// socket.
	netConn.SetDeadline(time.Time{})

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"
	if _, err := rw.WriteString(resp); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("writing handshake: %w", err)
	}
	if err := rw.Flush(); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("writing handshake: %w", err)
	}

	return newConn(netConn, rw.Reader), nil
}
