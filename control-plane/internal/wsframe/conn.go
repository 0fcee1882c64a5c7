package wsframe

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// closeWriteTimeout bounds the best-effort close frame so a peer that stopped
// reading cannot wedge Close.
const closeWriteTimeout = 2 * time.Second

// DefaultWriteTimeout bounds every frame write. A write that misses it
// fails and marks the connection dead.
const DefaultWriteTimeout = 10 * time.Second

// ErrClosed is returned by send operations on a connection that is no
// longer alive.
var ErrClosed = errors.New("wsframe: connection closed")

// Conn is an upgraded WebSocket connection.
type Conn struct {
	netConn net.Conn
	reader  io.Reader

	writeMu sync.Mutex
	alive   atomic.Bool
	closed  sync.Once

	readLimit    uint64
	writeTimeout time.Duration
	deviceID     atomic.Value // string
}

// NewConn wraps an already upgraded stream. Upgrade is the usual entry
// point; NewConn exists for callers that perform the handshake themselves.
func NewConn(c net.Conn) *Conn {
	return newConn(c, bufio.NewReader(c))
}

func newConn(c net.Conn, r io.Reader) *Conn {
	conn := &Conn{netConn: c, reader: r, writeTimeout: DefaultWriteTimeout}
	conn.alive.Store(true)
	conn.deviceID.Store("")
	return conn
}

// SetReadLimit caps the payload size of inbound frames. Zero disables the cap.
func (c *Conn) SetReadLimit(n int64) {
	if n < 0 {
		n = 0
	}
	c.readLimit = uint64(n)
}

// SetWriteTimeout sets the deadline applied to each frame write. Zero or
// negative restores DefaultWriteTimeout. Call it before the connection is
// shared between goroutines.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultWriteTimeout
	}
	c.writeTimeout = d
}

// Alive reports whether the connection has not been closed by either side.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// DeviceID returns the device this connection identified as, if any.
func (c *Conn) DeviceID() string {
	return c.deviceID.Load().(string)
}

// SetDeviceID records the device this connection belongs to.
func (c *Conn) SetDeviceID(id string) {
	c.deviceID.Store(id)
}

// ReadText blocks until the next frame and interprets it:
//
//   - text: returned decoded as UTF-8, invalid sequences replaced
//   - close: the connection is marked dead and io.EOF is returned
//   - ping: a pong with the same payload is sent, "" is returned
//   - pong and anything else: "" is returned
//
// Any read failure ends the stream; IsClosed reports whether the error is an
// ordinary end of stream rather than a protocol fault.
func (c *Conn) ReadText() (string, error) {
	f, err := readFrame(c.reader, c.readLimit)
	if err != nil {
		c.alive.Store(false)
		return "", err
	}

	switch f.Opcode {
	case OpText:
		return strings.ToValidUTF8(string(f.Payload), "\uFFFD"), nil
	case OpClose:
		c.alive.Store(false)
		return "", io.EOF
	case OpPing:
		if err := c.SendPong(f.Payload); err != nil && !errors.Is(err, ErrClosed) {
			return "", err
		}
		return "", nil
	default:
		return "", nil
	}
}

// SendFrame writes one frame. Writes from concurrent goroutines are
// serialized. A failed or timed out write leaves a partial frame on the
// wire, so the connection is marked dead and later sends get ErrClosed.
func (c *Conn) SendFrame(opcode byte, payload []byte) error {
	if !c.alive.Load() {
		return ErrClosed
	}
	err := c.writeFrame(opcode, payload, c.writeTimeout)
	if err != nil {
		c.alive.Store(false)
	}
	return err
}

func (c *Conn) writeFrame(opcode byte, payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	return WriteFrame(c.netConn, opcode, payload)
}

// SendJSON marshals v and sends it as a text frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendFrame(OpText, data)
}

// SendPing sends a ping control frame.
func (c *Conn) SendPing(payload []byte) error {
	return c.SendFrame(OpPing, payload)
}

// SendPong sends a pong control frame.
func (c *Conn) SendPong(payload []byte) error {
	return c.SendFrame(OpPong, payload)
}

// Close sends a close frame (best effort) and closes the stream. Calling
// Close more than once is a no-op.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		wasAlive := c.alive.Swap(false)
		if wasAlive {
			c.writeFrame(OpClose, nil, closeWriteTimeout)
		}
		err = c.netConn.Close()
	})
	return err
}

// IsClosed reports whether err is an ordinary end of stream: a clean close,
// a short read, a timeout or a use of a closed connection.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
