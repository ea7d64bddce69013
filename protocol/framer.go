// File: protocol/framer.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Framer is the per-connection framing context. It performs no I/O: the
// event loop feeds it received bytes and drains its encoded output queue.
// Inbound parsing is streaming, so a frame may arrive in any number of
// pieces and several frames may arrive in one piece.

package protocol

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/eapache/queue"

	"github.com/momentics/wsengine/api"
)

// Role selects masking rules: clients mask, servers must not.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ProtocolError is reported by Feed when the peer violated RFC6455.
// A close frame carrying Code has already been queued.
type ProtocolError struct {
	Code   uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol violation (%d): %s", e.Code, e.Reason)
}

var (
	errCloseQueued    = api.NewError(api.ErrCodeSend, "close frame already queued")
	errFramerReleased = api.NewError(api.ErrCodeInit, "framing context released")
)

// framerEvents receives parse results. Conn implements it.
type framerEvents interface {
	frameStart(h FrameHeader)
	frameChunk(chunk []byte)
	frameEnd()
	message(m Message)
	closeReceived(code uint16, reason string)
}

type outFrame struct {
	data []byte
	off  int
	op   Opcode
}

// Framer holds the inbound decoder state and the outbound frame queue.
type Framer struct {
	role    Role
	maxMsg  int64
	events  framerEvents
	genMask func([]byte) error

	// inbound, touched only by the goroutine calling Feed
	pending   []byte
	hdr       FrameHeader
	inFrame   bool
	remaining int64
	maskPos   int
	ctrl      []byte
	msgOp     Opcode
	msg       []byte
	fragged   bool

	mu           sync.Mutex
	out          *queue.Queue
	readDisabled bool
	closeRecv    bool
	closeQueued  bool
	closeSent    bool
	released     bool
}

// NewFramer creates a framing context for the given role.
func NewFramer(role Role, maxMessage int64, events framerEvents, genMask func([]byte) error) *Framer {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	if genMask == nil {
		genMask = randomMask
	}
	return &Framer{
		role:    role,
		maxMsg:  maxMessage,
		events:  events,
		genMask: genMask,
		out:     queue.New(),
	}
}

// Feed consumes received bytes. It may unmask p in place.
// A *ProtocolError means a close was queued and reading has stopped.
func (f *Framer) Feed(p []byte) error {
	if !f.WantRead() {
		return nil
	}
	data := p
	if len(f.pending) > 0 {
		f.pending = append(f.pending, p...)
		data = f.pending
	}
	for len(data) > 0 && f.WantRead() {
		if !f.inFrame {
			h, n, err := parseHeader(data)
			if err != nil {
				return f.fail(CloseProtocolError, err.Error())
			}
			if n == 0 {
				break
			}
			data = data[n:]
			if err := f.startFrame(h); err != nil {
				return err
			}
			if f.remaining == 0 {
				if err := f.endFrame(); err != nil {
					return err
				}
			}
			continue
		}

		chunk := data
		if int64(len(chunk)) > f.remaining {
			chunk = chunk[:f.remaining]
		}
		data = data[len(chunk):]
		f.payloadChunk(chunk)
		if f.remaining == 0 {
			if err := f.endFrame(); err != nil {
				return err
			}
		}
	}
	if !f.WantRead() {
		f.pending = nil
		return nil
	}
	f.pending = append(f.pending[:0], data...)
	return nil
}

func (f *Framer) startFrame(h FrameHeader) error {
	switch {
	case h.Rsv != 0:
		return f.fail(CloseProtocolError, "reserved bits set without extension")
	case !h.Opcode.known():
		return f.fail(CloseProtocolError, "reserved opcode "+fmt.Sprint(byte(h.Opcode)))
	case f.role == RoleServer && !h.Masked:
		return f.fail(CloseProtocolError, "client frame is not masked")
	case f.role == RoleClient && h.Masked:
		return f.fail(CloseProtocolError, "server frame is masked")
	}

	if h.Opcode.IsControl() {
		if !h.Fin {
			return f.fail(CloseProtocolError, "fragmented control frame")
		}
		if h.PayloadLen > MaxControlPayloadLen {
			return f.fail(CloseProtocolError, "control frame payload too long")
		}
		f.ctrl = make([]byte, 0, h.PayloadLen)
	} else {
		if h.Opcode == OpcodeContinuation && !f.fragged {
			return f.fail(CloseProtocolError, "continuation without a message in progress")
		}
		if h.Opcode != OpcodeContinuation && f.fragged {
			return f.fail(CloseProtocolError, "new message before previous one finished")
		}
		if int64(len(f.msg))+h.PayloadLen > f.maxMsg {
			return f.fail(CloseMessageTooBig, "message exceeds size limit")
		}
		if h.Opcode != OpcodeContinuation {
			f.msgOp = h.Opcode
			f.msg = make([]byte, 0, h.PayloadLen)
			f.fragged = true
		}
	}

	f.hdr = h
	f.inFrame = true
	f.remaining = h.PayloadLen
	f.maskPos = 0
	f.events.frameStart(h)
	return nil
}

func (f *Framer) payloadChunk(chunk []byte) {
	if f.hdr.Masked {
		f.maskPos = maskBytes(chunk, f.hdr.MaskKey, f.maskPos)
	}
	f.remaining -= int64(len(chunk))
	f.events.frameChunk(chunk)
	if f.hdr.Opcode.IsControl() {
		f.ctrl = append(f.ctrl, chunk...)
	} else {
		f.msg = append(f.msg, chunk...)
	}
}

func (f *Framer) endFrame() error {
	f.inFrame = false
	f.events.frameEnd()

	switch f.hdr.Opcode {
	case OpcodeClose:
		code, reason, ok := ParseClosePayload(f.ctrl)
		if !ok || (code != CloseNoStatusRcvd && !validCloseCode(code)) {
			return f.fail(CloseProtocolError, "invalid close frame payload")
		}
		if !utf8.ValidString(reason) {
			return f.fail(CloseInvalidPayloadData, "close reason is not valid UTF-8")
		}
		f.mu.Lock()
		f.closeRecv = true
		f.mu.Unlock()
		f.events.closeReceived(code, reason)
		reply := code
		if code == CloseNoStatusRcvd {
			reply = 0
		}
		if err := f.Enqueue(Frame{Opcode: OpcodeClose, Fin: true, Payload: closePayload(reply, "")}); err != nil && err != errCloseQueued {
			return err
		}
		return nil
	case OpcodePing:
		payload := f.ctrl
		if err := f.Enqueue(Frame{Opcode: OpcodePong, Fin: true, Payload: payload}); err != nil && err != errCloseQueued {
			return err
		}
		f.events.message(Message{Opcode: OpcodePing, Payload: payload})
		return nil
	case OpcodePong:
		f.events.message(Message{Opcode: OpcodePong, Payload: f.ctrl})
		return nil
	}

	if !f.hdr.Fin {
		return nil
	}
	op, payload := f.msgOp, f.msg
	f.msgOp, f.msg, f.fragged = 0, nil, false
	if op == OpcodeText && !utf8.Valid(payload) {
		return f.fail(CloseInvalidPayloadData, "text message is not valid UTF-8")
	}
	f.events.message(Message{Opcode: op, Payload: payload})
	return nil
}

// fail queues a close with code and stops further reading.
func (f *Framer) fail(code uint16, reason string) error {
	if err := f.Enqueue(Frame{Opcode: OpcodeClose, Fin: true, Payload: closePayload(code, "")}); err != nil && err != errCloseQueued {
		return err
	}
	f.mu.Lock()
	f.readDisabled = true
	f.mu.Unlock()
	f.inFrame = false
	return &ProtocolError{Code: code, Reason: reason}
}

// Enqueue validates and encodes fr at the tail of the outbound queue.
// Frames leave in the order they were enqueued.
func (f *Framer) Enqueue(fr Frame) error {
	if !fr.Opcode.known() {
		return api.NewError(api.ErrCodeParameter, "unknown opcode").WithContext("opcode", byte(fr.Opcode))
	}
	if fr.Opcode.IsControl() {
		if !fr.Fin {
			return api.NewError(api.ErrCodeParameter, "control frames cannot be fragmented").WithContext("opcode", fr.Opcode.String())
		}
		if len(fr.Payload) > MaxControlPayloadLen {
			return api.NewError(api.ErrCodeParameter, "control frame payload too long").WithContext("len", len(fr.Payload))
		}
	}

	var key *[4]byte
	if f.role == RoleClient {
		var k [4]byte
		if err := f.genMask(k[:]); err != nil {
			return api.Wrap(api.ErrCodeSend, "generate masking key", err)
		}
		key = &k
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.released:
		return errFramerReleased
	case f.closeQueued:
		return errCloseQueued
	}
	f.out.Add(&outFrame{data: appendFrame(nil, fr.Fin, fr.Opcode, fr.Payload, key), op: fr.Opcode})
	if fr.Opcode == OpcodeClose {
		f.closeQueued = true
	}
	return nil
}

// Pending returns the unsent bytes of the frame at the head of the queue,
// or nil when nothing is queued.
func (f *Framer) Pending() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out.Length() == 0 {
		return nil
	}
	of := f.out.Peek().(*outFrame)
	return of.data[of.off:]
}

// Advance marks n bytes of the head frame as written.
func (f *Framer) Advance(n int) (frameDone bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out.Length() == 0 {
		return false
	}
	of := f.out.Peek().(*outFrame)
	of.off += n
	if of.off < len(of.data) {
		return false
	}
	f.out.Remove()
	if of.op == OpcodeClose {
		f.closeSent = true
	}
	return true
}

// WantRead reports whether inbound bytes are still accepted.
func (f *Framer) WantRead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.released && !f.closeRecv && !f.readDisabled
}

// WantWrite reports whether encoded output is waiting.
func (f *Framer) WantWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.released && f.out.Length() > 0
}

// Queued returns the number of frames waiting to be written.
func (f *Framer) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Length()
}

// CloseSent reports whether a close frame has been fully written.
func (f *Framer) CloseSent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeSent
}

// CloseReceived reports whether the peer's close frame was parsed.
func (f *Framer) CloseReceived() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeRecv
}

// Done reports that the closing handshake is complete from this side:
// our close is on the wire and nothing more will be read.
func (f *Framer) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeSent && (f.closeRecv || f.readDisabled)
}

// Release drops queued output and stops the context. Later Enqueue calls
// fail and Feed ignores its input. Safe to call from any goroutine.
func (f *Framer) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	f.out = queue.New()
}
