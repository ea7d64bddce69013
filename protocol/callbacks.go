// File: protocol/callbacks.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Callback set of a connection record. Handler is mandatory; the remaining
// capabilities are optional interfaces discovered by type assertion, so a
// handler only implements what it cares about.

package protocol

import (
	"crypto/rand"
)

// Connectivity is the argument of OnConnectivityChange.
type Connectivity uint8

const (
	// Connected fires once after a successful Upgrade handshake.
	Connected Connectivity = iota
	// Closed fires at most once when the connection goes away.
	Closed
)

func (c Connectivity) String() string {
	if c == Connected {
		return "connected"
	}
	return "closed"
}

// Message is a completed inbound message or control frame.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Handler receives messages and connectivity changes. Callbacks run on the
// connection's worker goroutine and may call Enqueue on the same Conn.
type Handler interface {
	OnMessage(c *Conn, m Message)
	OnConnectivityChange(c *Conn, ev Connectivity)
}

// FrameObserver is notified of frame boundaries and raw payload chunks as
// they arrive, before message reassembly.
type FrameObserver interface {
	OnFrameStart(c *Conn, h FrameHeader)
	OnFrameChunk(c *Conn, chunk []byte)
	OnFrameEnd(c *Conn)
}

// MaskGenerator supplies client masking keys.
type MaskGenerator interface {
	GenMask(buf []byte) error
}

// IO replaces the transport read/write used by the event loop.
type IO interface {
	Recv(c *Conn, p []byte) (int, error)
	Send(c *Conn, p []byte) (int, error)
}

// HandlerFuncs adapts plain functions to every callback interface.
// Nil fields fall back to no-ops, crypto/rand masking and transport I/O.
type HandlerFuncs struct {
	Message      func(c *Conn, m Message)
	Connectivity func(c *Conn, ev Connectivity)
	FrameStart   func(c *Conn, h FrameHeader)
	FrameChunk   func(c *Conn, chunk []byte)
	FrameEnd     func(c *Conn)
	Mask         func(buf []byte) error
	RecvFunc     func(c *Conn, p []byte) (int, error)
	SendFunc     func(c *Conn, p []byte) (int, error)
}

func (h HandlerFuncs) OnMessage(c *Conn, m Message) {
	if h.Message != nil {
		h.Message(c, m)
	}
}

func (h HandlerFuncs) OnConnectivityChange(c *Conn, ev Connectivity) {
	if h.Connectivity != nil {
		h.Connectivity(c, ev)
	}
}

func (h HandlerFuncs) OnFrameStart(c *Conn, hdr FrameHeader) {
	if h.FrameStart != nil {
		h.FrameStart(c, hdr)
	}
}

func (h HandlerFuncs) OnFrameChunk(c *Conn, chunk []byte) {
	if h.FrameChunk != nil {
		h.FrameChunk(c, chunk)
	}
}

func (h HandlerFuncs) OnFrameEnd(c *Conn) {
	if h.FrameEnd != nil {
		h.FrameEnd(c)
	}
}

func (h HandlerFuncs) GenMask(buf []byte) error {
	if h.Mask != nil {
		return h.Mask(buf)
	}
	return randomMask(buf)
}

func (h HandlerFuncs) Recv(c *Conn, p []byte) (int, error) {
	if h.RecvFunc != nil {
		return h.RecvFunc(c, p)
	}
	return c.tr.Read(p)
}

func (h HandlerFuncs) Send(c *Conn, p []byte) (int, error) {
	if h.SendFunc != nil {
		return h.SendFunc(c, p)
	}
	return c.tr.Write(p)
}

func randomMask(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// callbacks is the resolved capability set of a registered handler.
type callbacks struct {
	handler  Handler
	observer FrameObserver
	masker   MaskGenerator
	io       IO
}

func resolveCallbacks(h Handler) *callbacks {
	if h == nil {
		h = HandlerFuncs{}
	}
	cb := &callbacks{handler: h}
	cb.observer, _ = h.(FrameObserver)
	cb.masker, _ = h.(MaskGenerator)
	cb.io, _ = h.(IO)
	return cb
}

func (cb *callbacks) recv(c *Conn, p []byte) (int, error) {
	if cb.io != nil {
		return cb.io.Recv(c, p)
	}
	return c.tr.Read(p)
}

func (cb *callbacks) send(c *Conn, p []byte) (int, error) {
	if cb.io != nil {
		return cb.io.Send(c, p)
	}
	return c.tr.Write(p)
}

func (cb *callbacks) genMask(buf []byte) error {
	if cb.masker != nil {
		return cb.masker.GenMask(buf)
	}
	return randomMask(buf)
}
