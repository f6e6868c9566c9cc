package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// Opcode identifies a frame's type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

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
	default:
		return fmt.Sprintf("opcode(%#x)", byte(o))
	}
}

func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) known() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

const (
	finBit  = 0x80
	rsvBits = 0x70
	opMask  = 0x0f
	maskBit = 0x80
	lenMask = 0x7f

	maxControlPayload = 125
	maxHeaderSize     = 14
)

// Frame is a single decoded frame. Payload is always unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// DecodeFrame decodes the frame at the front of buf and consumes it. It
// returns ok=false with a nil error when more bytes are needed. Payloads
// longer than maxPayload (when positive) fail with ErrFrameTooLarge before
// they are buffered.
func DecodeFrame(buf *Buffer, maxPayload int64) (*Frame, bool, error) {
	data := buf.Bytes()
	if len(data) < 2 {
		return nil, false, nil
	}

	b0, b1 := data[0], data[1]
	op := Opcode(b0 & opMask)
	if !op.known() {
		return nil, false, fmt.Errorf("%w: %#x", ErrUnknownOpcode, byte(op))
	}
	if b0&rsvBits != 0 {
		return nil, false, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}

	fin := b0&finBit != 0
	masked := b1&maskBit != 0
	length := uint64(b1 & lenMask)
	pos := 2

	switch length {
	case 126:
		if len(data) < pos+2 {
			return nil, false, nil
		}
		length = uint64(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
	case 127:
		if len(data) < pos+8 {
			return nil, false, nil
		}
		length = binary.BigEndian.Uint64(data[pos:])
		pos += 8
		if length > math.MaxInt64 {
			return nil, false, fmt.Errorf("%w: 64-bit length has its high bit set", ErrProtocol)
		}
	}

	if op.IsControl() {
		if !fin {
			return nil, false, fmt.Errorf("%w: fragmented %s frame", ErrProtocol, op)
		}
		if length > maxControlPayload {
			return nil, false, fmt.Errorf("%w: %s payload of %d bytes", ErrProtocol, op, length)
		}
	}
	if maxPayload > 0 && length > uint64(maxPayload) {
		return nil, false, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, length, maxPayload)
	}

	var key [4]byte
	if masked {
		if len(data) < pos+4 {
			return nil, false, nil
		}
		copy(key[:], data[pos:pos+4])
		pos += 4
	}

	if uint64(len(data)-pos) < length {
		return nil, false, nil
	}

	payload := make([]byte, length)
	copy(payload, data[pos:pos+int(length)])
	if masked {
		maskBytes(key, payload)
	}
	buf.Consume(pos + int(length))

	return &Frame{Fin: fin, Opcode: op, Masked: masked, Payload: payload}, true, nil
}

// EncodeFrame encodes a final frame. When mask is set a fresh random key
// from crypto/rand is used.
func EncodeFrame(op Opcode, payload []byte, mask bool) ([]byte, error) {
	return encodeFrame(true, op, payload, mask)
}

func encodeFrame(fin bool, op Opcode, payload []byte, mask bool) ([]byte, error) {
	if !op.known() {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownOpcode, byte(op))
	}
	if op.IsControl() && len(payload) > maxControlPayload {
		return nil, fmt.Errorf("%w: %s payload of %d bytes", ErrProtocol, op, len(payload))
	}

	out := make([]byte, 0, maxHeaderSize+len(payload))

	b0 := byte(op)
	if fin {
		b0 |= finBit
	}
	out = append(out, b0)

	var b1 byte
	if mask {
		b1 = maskBit
	}
	switch n := len(payload); {
	case n <= 125:
		out = append(out, b1|byte(n))
	case n <= math.MaxUint16:
		out = append(out, b1|126)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, b1|127)
		out = binary.BigEndian.AppendUint64(out, uint64(n))
	}

	if !mask {
		return append(out, payload...), nil
	}

	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate mask key: %w", err)
	}
	out = append(out, key[:]...)
	start := len(out)
	out = append(out, payload...)
	maskBytes(key, out[start:])
	return out, nil
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

func closePayload(code CloseCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	out := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), uint16(code))
	return append(out, reason...)
}

func parseClosePayload(p []byte) (CloseCode, string, error) {
	switch {
	case len(p) == 0:
		return CloseNoStatus, "", nil
	case len(p) == 1:
		return 0, "", fmt.Errorf("%w: one byte close payload", ErrProtocol)
	}
	code := CloseCode(binary.BigEndian.Uint16(p))
	if !code.sendable() {
		return 0, "", fmt.Errorf("%w: invalid close code %d", ErrProtocol, code)
	}
	return code, string(p[2:]), nil
}
