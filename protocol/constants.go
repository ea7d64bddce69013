// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

// Opcode is the 4-bit RFC6455 frame type.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsControl reports whether op is close, ping or pong.
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

// IsData reports whether op is continuation, text or binary.
func (op Opcode) IsData() bool {
	return op == OpcodeContinuation || op == OpcodeText || op == OpcodeBinary
}

func (op Opcode) known() bool {
	switch op {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	}
	return "reserved"
}

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking

	// Bit masks
	FinBit  = 0x80
	RsvBits = 0x70
	MaskBit = 0x80

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)

// Handshake constants.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	RequiredWebSocketVersion = "13"
	NonceLen                 = 16
	ClientKeyLen             = 24 // base64 of a 16-byte nonce
	AcceptKeyLen             = 28 // base64 of a SHA-1 digest

	// DefaultMaxHandshakeHeaderSize bounds the accumulated Upgrade header.
	DefaultMaxHandshakeHeaderSize = 1024
)

// DefaultMaxMessageSize bounds a reassembled inbound message.
const DefaultMaxMessageSize = 1 << 20 // 1 MiB
