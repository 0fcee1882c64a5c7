// Package wsframe implements the subset of RFC 6455 the sync server needs:
// the opening handshake and single-frame text messaging over a hijacked
// HTTP connection.
//
// # Framing
//
// Frames are read with ReadFrame and written with WriteFrame. Both are pure
// functions over io.Reader / io.Writer so they can be tested without a
// network. Fragmented messages (continuation frames) are not reassembled;
// devices send each sync payload as one text frame.
//
// # Connections
//
// Conn wraps an upgraded stream. Reads happen on one goroutine (the
// connection's read loop); writes may come from any goroutine and are
// serialized by a per-connection mutex.
package wsframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Opcodes defined by RFC 6455 section 5.2.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	maxInlineLength = 125
	length16        = 126
	length64        = 127

	// Payloads up to this size are read into a buffer allocated up front;
	// larger ones grow only as bytes actually arrive.
	preallocLimit = 64 << 10
)

// ErrFrameTooLarge is returned when a frame header announces a payload
// larger than the reader's limit.
var ErrFrameTooLarge = errors.New("wsframe: frame payload too large")

// ErrInvalidLength is returned for a 64-bit payload length with the most
// significant bit set (RFC 6455 section 5.2) or one this platform cannot
// address.
var ErrInvalidLength = errors.New("wsframe: invalid payload length")

// Frame is one decoded frame. Payload is already unmasked.
type Frame struct {
	Fin     bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

// ReadFrame decodes one frame from r. Any short read is reported as
// io.ErrUnexpectedEOF (or io.EOF when nothing was read at all).
func ReadFrame(r io.Reader) (Frame, error) {
	return readFrame(r, 0)
}

// readFrame is ReadFrame with an optional payload cap (0 means unlimited).
func readFrame(r io.Reader, limit uint64) (Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    header[0]&finBit != 0,
		Opcode: header[0] & 0x0F,
		Masked: header[1]&maskBit != 0,
	}

	length := uint64(header[1] & 0x7F)
	switch length {
	case length16:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case length64:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length&(1<<63) != 0 || length > math.MaxInt {
			return Frame{}, fmt.Errorf("%w: %#x", ErrInvalidLength, length)
		}
	}

	if limit > 0 && length > limit {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	var mask [4]byte
	if f.Masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return Frame{}, unexpected(err)
		}
	}

	payload, err := readPayload(r, length)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = payload

	if f.Masked {
		maskBytes(mask, f.Payload)
	}
	return f, nil
}

// readPayload reads exactly n bytes. A header announcing more than the
// stream holds costs only what was really received.
func readPayload(r io.Reader, n uint64) ([]byte, error) {
	if n <= preallocLimit {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, unexpected(err)
		}
		return buf, nil
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, unexpected(err)
	}
	return buf.Bytes(), nil
}

// WriteFrame writes a single unmasked, final frame. Server to client frames
// are never masked.
func WriteFrame(w io.Writer, opcode byte, payload []byte) error {
	_, err := w.Write(AppendFrame(nil, opcode, payload, nil))
	return err
}

// WriteMaskedFrame writes a final frame masked with key, the form clients
// must use when talking to a server.
func WriteMaskedFrame(w io.Writer, opcode byte, payload []byte, key [4]byte) error {
	_, err := w.Write(AppendFrame(nil, opcode, payload, &key))
	return err
}

// AppendFrame appends the encoded frame to dst. When mask is non-nil the
// payload copy is masked with it; payload itself is not modified.
func AppendFrame(dst []byte, opcode byte, payload []byte, mask *[4]byte) []byte {
	dst = append(dst, finBit|(opcode&0x0F))

	var maskFlag byte
	if mask != nil {
		maskFlag = maskBit
	}

	n := len(payload)
	switch {
	case n <= maxInlineLength:
		dst = append(dst, maskFlag|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, maskFlag|length16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, maskFlag|length64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if mask == nil {
		return append(dst, payload...)
	}

	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(*mask, dst[start:])
	return dst
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// unexpected turns a clean EOF in the middle of a frame into
// io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
