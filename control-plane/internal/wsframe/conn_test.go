package wsframe

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAcceptKey(t *testing.T) {
	// RFC 6455 section 1.3.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBUswR12bl+ep4hlnzOo/w=" {
		t.Errorf("AcceptKey = %q", got)
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	tests := []struct {
		name       string
		upgrade    string
		connection string
		want       bool
	}{
		{"standard", "websocket", "Upgrade", true},
		{"mixed case", "WebSocket", "keep-alive, Upgrade", true},
		{"no upgrade", "", "Upgrade", false},
		{"no connection", "websocket", "", false},
		{"other protocol", "h2c", "Upgrade", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.upgrade != "" {
				r.Header.Set("Upgrade", tt.upgrade)
			}
			if tt.connection != "" {
				r.Header.Set("Connection", tt.connection)
			}
			if got := IsUpgradeRequest(r); got != tt.want {
				t.Errorf("IsUpgradeRequest = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpgradeMissingKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	w := httptest.NewRecorder()

	conn, err := Upgrade(w, r)
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("err = %v, want ErrMissingKey", err)
	}
	if conn != nil {
		t.Fatal("expected no connection")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["error"] != "missing_ws_key" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestUpgradeHandshake(t *testing.T) {
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		accepted <- conn
	}))
	defer srv.Close()

	raw, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: example\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := io.WriteString(raw, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != "s3pPLMBUswR12bl+ep4hlnzOo/w=" {
		t.Errorf("Sec-WebSocket-Accept = %q", got)
	}

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer server.Close()

	if err := WriteMaskedFrame(raw, OpText, []byte(`{"device_id":"dev1"}`), [4]byte{9, 8, 7, 6}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	text, err := server.ReadText()
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if text != `{"device_id":"dev1"}` {
		t.Errorf("text = %q", text)
	}

	if err := server.SendFrame(OpText, []byte("reply")); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	f, err := ReadFrame(br)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if f.Masked {
		t.Error("server frames must not be masked")
	}
	if string(f.Payload) != "reply" {
		t.Errorf("payload = %q", f.Payload)
	}
}

// pipe returns a server Conn and the raw client end of an in-memory stream.
func pipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConn(server), client
}

func TestConnPingAutoPong(t *testing.T) {
	conn, client := pipe(t)

	go WriteMaskedFrame(client, OpPing, []byte("are you there"), [4]byte{1, 2, 3, 4})

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := conn.ReadText()
		done <- result{text, err}
	}()

	f, err := ReadFrame(client)
	if err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if f.Opcode != OpPong {
		t.Errorf("opcode = %#x, want pong", f.Opcode)
	}
	if string(f.Payload) != "are you there" {
		t.Errorf("pong payload = %q", f.Payload)
	}

	res := <-done
	if res.err != nil || res.text != "" {
		t.Errorf("ReadText = (%q, %v), want empty non-terminal result", res.text, res.err)
	}
	if !conn.Alive() {
		t.Error("ping must not end the connection")
	}
}

func TestConnPongAndUnknownOpcodes(t *testing.T) {
	for _, op := range []byte{OpPong, OpBinary, 0x3} {
		conn, client := pipe(t)
		go WriteMaskedFrame(client, op, []byte("x"), [4]byte{})
		text, err := conn.ReadText()
		if err != nil || text != "" {
			t.Errorf("opcode %#x: ReadText = (%q, %v)", op, text, err)
		}
	}
}

func TestConnCloseFrameEndsStream(t *testing.T) {
	conn, client := pipe(t)
	go WriteMaskedFrame(client, OpClose, nil, [4]byte{})

	_, err := conn.ReadText()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if conn.Alive() {
		t.Error("connection should be dead after close frame")
	}
	if err := conn.SendFrame(OpText, []byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: err = %v, want ErrClosed", err)
	}
}

func TestConnInvalidUTF8Replaced(t *testing.T) {
	conn, client := pipe(t)
	go WriteMaskedFrame(client, OpText, []byte{'o', 'k', 0xff}, [4]byte{5, 5, 5, 5})

	text, err := conn.ReadText()
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if text != "ok\uFFFD" {
		t.Errorf("text = %q", text)
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	conn, client := pipe(t)

	frames := make(chan Frame, 4)
	go func() {
		for {
			f, err := ReadFrame(client)
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	var got []Frame
	for f := range frames {
		got = append(got, f)
	}
	if len(got) != 1 || got[0].Opcode != OpClose {
		t.Errorf("frames = %+v, want exactly one close frame", got)
	}
}

func TestConnCloseDoesNotBlockOnStalledPeer(t *testing.T) {
	conn, _ := pipe(t)

	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeWriteTimeout + 2*time.Second):
		t.Fatal("Close blocked on a peer that never reads")
	}
}

func TestConnWriteTimesOutOnStalledPeer(t *testing.T) {
	conn, _ := pipe(t)
	conn.SetWriteTimeout(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- conn.SendPing([]byte("ping")) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write blocked on a peer that never reads")
	}
	if err == nil {
		t.Fatal("expected a write error")
	}
	if !IsClosed(err) {
		t.Errorf("IsClosed(%v) = false, want a timeout", err)
	}
	if conn.Alive() {
		t.Error("connection should be dead after a failed write")
	}
	if err := conn.SendFrame(OpText, []byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after timeout: err = %v, want ErrClosed", err)
	}
}

func TestSetWriteTimeoutDefault(t *testing.T) {
	conn, _ := pipe(t)
	if conn.writeTimeout != DefaultWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", conn.writeTimeout, DefaultWriteTimeout)
	}
	conn.SetWriteTimeout(time.Second)
	conn.SetWriteTimeout(0)
	if conn.writeTimeout != DefaultWriteTimeout {
		t.Errorf("writeTimeout after reset = %v", conn.writeTimeout)
	}
}

func TestConnConcurrentWritesAreFramed(t *testing.T) {
	conn, client := pipe(t)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.SendFrame(OpText, []byte(strings.Repeat("z", 300)))
		}()
	}

	for i := 0; i < writers; i++ {
		f, err := ReadFrame(client)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(f.Payload) != 300 {
			t.Fatalf("frame %d: payload length %d", i, len(f.Payload))
		}
	}
	wg.Wait()
}

func TestConnDeviceID(t *testing.T) {
	conn, _ := pipe(t)
	if conn.DeviceID() != "" {
		t.Errorf("DeviceID = %q, want empty", conn.DeviceID())
	}
	conn.SetDeviceID("dev1")
	if conn.DeviceID() != "dev1" {
		t.Errorf("DeviceID = %q", conn.DeviceID())
	}
}
