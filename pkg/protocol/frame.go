package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is a WebSocket frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame opcode.
func (o Opcode) IsControl() bool {
	return o >= OpClose
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(%d)", byte(o))
}

var (
	// ErrIncompleteFrame means the buffer does not yet hold a whole frame.
	// The caller keeps the bytes and waits for more.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrFrameTooLarge is returned for payloads over the framer limit or
	// when the 64-bit length has its most significant bit set.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrMalformedFrame)
)

// Frame is one unit of transport framing.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// Framer splits a byte stream into frames and builds outgoing frames.
type Framer interface {
	// Frame wraps a payload for the wire.
	Frame(op Opcode, payload []byte) ([]byte, error)

	// Next extracts the first complete frame from buf and returns the number
	// of bytes it consumed. It returns ErrIncompleteFrame when buf holds only
	// part of a frame.
	Next(buf []byte) (Frame, int, error)
}

// DefaultMaxPayload caps a single WebSocket frame payload.
const DefaultMaxPayload = 16 << 20

// WebSocketFramer implements RFC 6455 framing. Clients set Mask.
type WebSocketFramer struct {
	Mask       bool
	MaxPayload int64
}

// Frame builds a single FIN frame.
func (f WebSocketFramer) Frame(op Opcode, payload []byte) ([]byte, error) {
	if !op.valid() {
		return nil, fmt.Errorf("%w: invalid opcode %d", ErrMalformedFrame, op)
	}
	if op.IsControl() && len(payload) > 125 {
		return nil, fmt.Errorf("%w: control frame payload over 125 bytes", ErrMalformedFrame)
	}

	n := len(payload)
	head := make([]byte, 0, 14+n)
	head = append(head, 0x80|byte(op))

	var maskBit byte
	if f.Mask {
		maskBit = 0x80
	}
	switch {
	case n > 0xFFFF:
		head = append(head, maskBit|127)
		head = binary.BigEndian.AppendUint64(head, uint64(n))
	case n > 125:
		head = append(head, maskBit|126)
		head = binary.BigEndian.AppendUint16(head, uint16(n))
	default:
		head = append(head, maskBit|byte(n))
	}

	if !f.Mask {
		return append(head, payload...), nil
	}

	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate frame mask: %w", err)
	}
	head = append(head, key[:]...)
	start := len(head)
	head = append(head, payload...)
	applyMask(head[start:], key)
	return head, nil
}

// Next parses the frame at the start of buf.
func (f WebSocketFramer) Next(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncompleteFrame
	}

	b0, b1 := buf[0], buf[1]
	if b0&0x70 != 0 {
		return Frame{}, 0, fmt.Errorf("%w: reserved bits set", ErrMalformedFrame)
	}
	frame := Frame{Fin: b0&0x80 != 0, Opcode: Opcode(b0 & 0x0F)}
	if !frame.Opcode.valid() {
		return Frame{}, 0, fmt.Errorf("%w: invalid opcode %d", ErrMalformedFrame, frame.Opcode)
	}
	masked := b1&0x80 != 0

	offset := 2
	length := uint64(b1 & 0x7F)
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		if length>>63 != 0 {
			return Frame{}, 0, ErrFrameTooLarge
		}
		offset += 8
	}

	if frame.Opcode.IsControl() && (!frame.Fin || length > 125) {
		return Frame{}, 0, fmt.Errorf("%w: fragmented or oversized control frame", ErrMalformedFrame)
	}
	limit := f.MaxPayload
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	if length > uint64(limit) {
		return Frame{}, 0, ErrFrameTooLarge
	}

	var key [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		copy(key[:], buf[offset:offset+4])
		offset += 4
	}

	end := offset + int(length)
	if len(buf) < end {
		return Frame{}, 0, ErrIncompleteFrame
	}

	frame.Payload = make([]byte, length)
	copy(frame.Payload, buf[offset:end])
	if masked {
		applyMask(frame.Payload, key)
	}
	return frame, end, nil
}

func applyMask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// LineFramer frames packets as newline terminated lines. It is used for the
// pipes of supervised processes. Lines longer than MaxPayload, default
// DefaultMaxPayload, are rejected.
type LineFramer struct {
	MaxPayload int64
}

// Frame appends a newline to the payload. Only data opcodes are supported.
func (LineFramer) Frame(op Opcode, payload []byte) ([]byte, error) {
	if op != OpText && op != OpBinary {
		return nil, fmt.Errorf("%w: line framing carries data frames only", ErrMalformedFrame)
	}
	if bytes.IndexByte(payload, '\n') >= 0 {
		return nil, fmt.Errorf("%w: payload contains newline", ErrMalformedFrame)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, '\n'), nil
}

// Next returns the first line in buf without its terminator.
func (f LineFramer) Next(buf []byte) (Frame, int, error) {
	limit := f.MaxPayload
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if int64(len(buf)) > limit {
			return Frame{}, 0, ErrFrameTooLarge
		}
		return Frame{}, 0, ErrIncompleteFrame
	}
	line := bytes.TrimRight(buf[:i], "\r")
	if int64(len(line)) > limit {
		return Frame{}, 0, ErrFrameTooLarge
	}
	payload := make([]byte, len(line))
	copy(payload, line)
	return Frame{Fin: true, Opcode: OpText, Payload: payload}, i + 1, nil
}
