// File: protocol/conn.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is the per-connection record: transport, framing context, callback
// set, lifecycle state and keepalive counters. One worker goroutine runs the
// event loop (Run); every other goroutine interacts through Enqueue, Close
// and the read-only accessors.

package protocol

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/xid"

	"github.com/momentics/wsengine/api"
)

// Conn encapsulates one WebSocket session.
type Conn struct {
	id   string
	mode api.TransportMode
	role Role
	cfg  Config
	log  *slog.Logger

	tr     api.Transport
	framer *Framer
	cbs    atomic.Pointer[callbacks]

	stateMu  sync.Mutex
	state    atomic.Uint32
	released bool // guarded by stateMu; set once teardown begins

	// worker-only counters
	idle int

	pingCount atomic.Int32
	woken     atomic.Bool
	leftover  []byte
	request   *UpgradeRequest

	started      atomic.Bool
	connected    atomic.Bool
	closedFired  atomic.Bool
	teardownOnce sync.Once
	done         chan struct{}

	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64
	pingsSent      atomic.Int64
}

// NewConn wraps an established transport. The connection starts Stopped and
// becomes running after HandshakeClient or HandshakeServer succeeds.
func NewConn(tr api.Transport, mode api.TransportMode, role Role, cfg Config, h Handler) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		id:   xid.New().String(),
		mode: mode,
		role: role,
		cfg:  cfg,
		tr:   tr,
		done: make(chan struct{}),
	}
	attrs := []any{"conn", c.id, "role", role.String(), "mode", mode.String()}
	if addr := tr.RemoteAddr(); addr != nil {
		attrs = append(attrs, "remote", addr.String())
	}
	c.log = cfg.Logger.With(attrs...)
	c.cbs.Store(resolveCallbacks(h))
	c.framer = NewFramer(role, cfg.MaxMessageSize, c, c.genMask)
	return c
}

// ID returns the unique connection id.
func (c *Conn) ID() string { return c.id }

// Mode reports whether the transport is plain TCP or TLS.
func (c *Conn) Mode() api.TransportMode { return c.mode }

// Role reports which side of the connection this is.
func (c *Conn) Role() Role { return c.role }

// RemoteAddr returns the peer address when the transport knows it.
func (c *Conn) RemoteAddr() net.Addr { return c.tr.RemoteAddr() }

// Transport exposes the underlying transport.
func (c *Conn) Transport() api.Transport { return c.tr }

// Request returns the parsed Upgrade request of a server connection.
func (c *Conn) Request() *UpgradeRequest { return c.request }

// Config returns the effective configuration, defaults applied.
func (c *Conn) Config() Config { return c.cfg }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *slog.Logger { return c.log }

// Done is closed when the event loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Conn) State() api.State { return api.State(c.state.Load()) }

// SetState moves the connection to s. Values outside the known states and
// transitions the lifecycle does not allow are rejected with ErrParameter.
func (c *Conn) SetState(s api.State) error {
	if !s.Valid() {
		return api.NewError(api.ErrCodeParameter, "invalid connection state").WithContext("state", uint8(s))
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.transitionLocked(s)
}

func (c *Conn) transitionLocked(s api.State) error {
	from := api.State(c.state.Load())
	if !api.CanTransition(from, s) {
		return api.NewError(api.ErrCodeParameter, "state transition not allowed").
			WithContext("from", from.String()).WithContext("to", s.String())
	}
	c.state.Store(uint32(s))
	if from != s {
		c.log.Debug("state change", "from", from.String(), "to", s.String())
	}
	return nil
}

// RegisterHandler replaces the callback set. It takes effect on the next
// callback invocation.
func (c *Conn) RegisterHandler(h Handler) {
	c.cbs.Store(resolveCallbacks(h))
}

// PingCount returns the number of keepalive pings sent since the last
// inbound frame.
func (c *Conn) PingCount() int { return int(c.pingCount.Load()) }

// Stats returns a snapshot of connection counters.
func (c *Conn) Stats() map[string]int64 {
	return map[string]int64{
		"bytes_received":  c.bytesReceived.Load(),
		"bytes_sent":      c.bytesSent.Load(),
		"frames_received": c.framesReceived.Load(),
		"frames_sent":     c.framesSent.Load(),
		"pings_sent":      c.pingsSent.Load(),
		"ping_count":      int64(c.pingCount.Load()),
		"queued_frames":   int64(c.framer.Queued()),
	}
}

// Enqueue appends a frame to the outbound queue and wakes the event loop.
// It is safe to call from any goroutine, including callbacks.
func (c *Conn) Enqueue(f Frame) error {
	if !c.State().Running() {
		return api.NewError(api.ErrCodeInit, "connection is not running").WithContext("state", c.State().String())
	}
	if err := c.framer.Enqueue(f); err != nil {
		return err
	}
	c.wake()
	return nil
}

// SendMessage enqueues a single-frame data message.
func (c *Conn) SendMessage(op Opcode, payload []byte) error {
	if !op.IsData() || op == OpcodeContinuation {
		return api.NewError(api.ErrCodeParameter, "SendMessage needs a text or binary opcode").WithContext("opcode", op.String())
	}
	return c.Enqueue(Frame{Opcode: op, Fin: true, Payload: payload})
}

// SendText enqueues a text message.
func (c *Conn) SendText(s string) error { return c.SendMessage(OpcodeText, []byte(s)) }

// SendBinary enqueues a binary message.
func (c *Conn) SendBinary(b []byte) error { return c.SendMessage(OpcodeBinary, b) }

// Ping enqueues a ping with an optional payload of up to 125 bytes.
func (c *Conn) Ping(payload []byte) error {
	return c.Enqueue(Frame{Opcode: OpcodePing, Fin: true, Payload: payload})
}

// HandshakeClient runs the client Upgrade for host:port/path. On failure the
// transport is closed and the connection stays Stopped.
func (c *Conn) HandshakeClient(host, port, path string) error {
	if c.role != RoleClient {
		return api.NewError(api.ErrCodeParameter, "client handshake on a server connection")
	}
	c.setHandshakeDeadline()
	rest, err := ClientHandshake(c.tr, host, port, path, c.cfg.Rand, c.cfg.MaxHeaderSize)
	if err != nil {
		c.log.Warn("client handshake failed", "error", err)
		c.teardown()
		return err
	}
	return c.established(rest, api.StateRunningClient)
}

// HandshakeServer reads the client's Upgrade and answers it. On failure the
// transport is closed and the connection stays Stopped.
func (c *Conn) HandshakeServer() error {
	if c.role != RoleServer {
		return api.NewError(api.ErrCodeParameter, "server handshake on a client connection")
	}
	c.setHandshakeDeadline()
	req, rest, err := ServerHandshake(c.tr, c.cfg.MaxHeaderSize)
	if err != nil {
		c.log.Warn("server handshake failed", "error", err)
		c.teardown()
		return err
	}
	c.request = req
	return c.established(rest, api.StateRunningServer)
}

func (c *Conn) setHandshakeDeadline() {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = c.tr.SetReadDeadline(deadline)
	_ = c.tr.SetWriteDeadline(deadline)
}

func (c *Conn) established(rest []byte, running api.State) error {
	_ = c.tr.SetReadDeadline(time.Time{})
	_ = c.tr.SetWriteDeadline(time.Time{})
	c.leftover = rest
	if err := c.enterRunning(running); err != nil {
		c.teardown()
		return err
	}
	c.connected.Store(true)
	c.log.Info("websocket connected")
	c.cbs.Load().handler.OnConnectivityChange(c, Connected)
	return nil
}

// enterRunning moves a freshly upgraded record to running unless teardown
// already released it.
func (c *Conn) enterRunning(running api.State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.released {
		return api.NewError(api.ErrCodeInit, "connection released during handshake")
	}
	return c.transitionLocked(running)
}

// notifyClosed fires the Closed callback at most once, and only for
// connections that reported Connected.
func (c *Conn) notifyClosed() {
	if !c.connected.Load() || !c.closedFired.CompareAndSwap(false, true) {
		return
	}
	c.cbs.Load().handler.OnConnectivityChange(c, Closed)
}

func (c *Conn) genMask(buf []byte) error {
	return c.cbs.Load().genMask(buf)
}

// framerEvents

func (c *Conn) frameStart(h FrameHeader) {
	if ob := c.cbs.Load().observer; ob != nil {
		ob.OnFrameStart(c, h)
	}
}

func (c *Conn) frameChunk(chunk []byte) {
	if ob := c.cbs.Load().observer; ob != nil {
		ob.OnFrameChunk(c, chunk)
	}
}

func (c *Conn) frameEnd() {
	c.framesReceived.Add(1)
	c.pingCount.Store(0)
	if ob := c.cbs.Load().observer; ob != nil {
		ob.OnFrameEnd(c)
	}
}

func (c *Conn) message(m Message) {
	c.cbs.Load().handler.OnMessage(c, m)
}

func (c *Conn) closeReceived(code uint16, reason string) {
	c.log.Debug("close frame received", "code", code, "reason", reason)
	c.notifyClosed()
}
