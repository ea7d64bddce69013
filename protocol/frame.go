// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding and masking logic.
//
// The header parser works on whatever bytes are currently buffered and
// reports whether the header is complete, so the framing context can be fed
// arbitrary slices of the stream.

package protocol

import (
	"encoding/binary"
	"errors"
)

// Frame is one outbound or inbound protocol unit.
type Frame struct {
	Opcode  Opcode
	Fin     bool
	Payload []byte
}

// FrameHeader describes a frame as soon as its header has been parsed.
type FrameHeader struct {
	Fin        bool
	Rsv        byte // RSV1..RSV3 as the high nibble bits 0x70
	Opcode     Opcode
	Masked     bool
	MaskKey    [4]byte
	PayloadLen int64
}

var errBadLength = errors.New("frame length has most significant bit set")

// parseHeader decodes a frame header from the front of raw.
// It returns the number of header bytes consumed, or 0 when raw does not yet
// hold a complete header.
func parseHeader(raw []byte) (FrameHeader, int, error) {
	var h FrameHeader
	if len(raw) < 2 {
		return h, 0, nil
	}
	h.Fin = raw[0]&FinBit != 0
	h.Rsv = raw[0] & RsvBits
	h.Opcode = Opcode(raw[0] & 0x0F)
	h.Masked = raw[1]&MaskBit != 0
	length := int64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return h, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return h, 0, nil
		}
		v := binary.BigEndian.Uint64(raw[offset:])
		if v>>63 != 0 {
			return h, 0, errBadLength
		}
		length = int64(v)
		offset += 8
	}

	if h.Masked {
		if len(raw) < offset+4 {
			return h, 0, nil
		}
		copy(h.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}
	h.PayloadLen = length
	return h, offset, nil
}

// appendFrame serializes a frame onto dst. A non-nil mask key sets the MASK
// bit and masks the payload copy; the caller's payload is never modified.
func appendFrame(dst []byte, fin bool, op Opcode, payload []byte, mask *[4]byte) []byte {
	var b0 byte
	if fin {
		b0 = FinBit
	}
	b0 |= byte(op) & 0x0F

	var maskBit byte
	if mask != nil {
		maskBit = MaskBit
	}

	plen := len(payload)
	switch {
	case plen <= 125:
		dst = append(dst, b0, byte(plen)|maskBit)
	case plen <= 0xFFFF:
		dst = append(dst, b0, 126|maskBit, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(plen))
	default:
		dst = append(dst, b0, 127|maskBit, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(plen))
	}

	if mask != nil {
		dst = append(dst, mask[:]...)
	}
	start := len(dst)
	dst = append(dst, payload...)
	if mask != nil {
		maskBytes(dst[start:], *mask, 0)
	}
	return dst
}

// maskBytes XORs buf with key, where pos is the offset of buf[0] within the
// payload. It returns the position after buf.
func maskBytes(buf []byte, key [4]byte, pos int) int {
	for i := range buf {
		buf[i] ^= key[(pos+i)&3]
	}
	return pos + len(buf)
}

// closePayload builds a close frame body: 2-byte code followed by reason.
func closePayload(code uint16, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	copy(p[2:], reason)
	return p
}

// ParseClosePayload splits a close frame body into code and reason.
// An empty body yields CloseNoStatusRcvd.
func ParseClosePayload(p []byte) (code uint16, reason string, ok bool) {
	switch {
	case len(p) == 0:
		return CloseNoStatusRcvd, "", true
	case len(p) == 1:
		return 0, "", false
	}
	return binary.BigEndian.Uint16(p), string(p[2:]), true
}

// validCloseCode reports whether code may appear on the wire.
func validCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1011:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}
