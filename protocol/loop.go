// File: protocol/loop.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event loop. Each iteration waits at most HandlerTimeout: reads and writes
// run under transport deadlines, and a deadline that expires with no
// traffic counts as one idle cycle for the keepalive supervisor.

package protocol

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/pool"
)

var errWoken = errors.New("event loop woken by enqueue")

// Run drives a connection after a successful handshake until the closing
// handshake completes, a fatal error occurs or the connection is torn down.
// It returns nil on a clean shutdown. Run may be called once.
func (c *Conn) Run() error {
	if !c.State().Running() {
		return api.NewError(api.ErrCodeInit, "event loop needs a running connection").WithContext("state", c.State().String())
	}
	if !c.started.CompareAndSwap(false, true) {
		return api.NewError(api.ErrCodeInit, "event loop already started")
	}
	defer close(c.done)
	defer c.teardown()

	buffers := pool.Shared(c.cfg.ReadBufferSize)
	buf := buffers.GetBuffer()
	defer buffers.PutBuffer(buf)

	if rest := c.leftover; len(rest) > 0 {
		c.leftover = nil
		c.bytesReceived.Add(int64(len(rest)))
		c.feed(rest)
	}
	return c.loop(buf)
}

func (c *Conn) loop(buf []byte) error {
	for c.State().Running() {
		if c.framer.Done() {
			c.log.Debug("closing handshake complete")
			return nil
		}

		// A stalled write falls through to the read so that a peer blocked
		// on its own output can drain ours.
		stalled := false
		if c.framer.WantWrite() {
			var err error
			if stalled, err = c.flush(); err != nil {
				return c.fatal(err)
			}
			if !stalled {
				continue
			}
		}

		if !c.framer.WantRead() {
			if !stalled {
				return nil
			}
			if err := c.idleTick(); err != nil {
				return c.fatal(err)
			}
			continue
		}
		n, err := c.recv(buf)
		if n > 0 {
			c.idle = 0
			c.bytesReceived.Add(int64(n))
			c.feed(buf[:n])
			continue
		}
		switch {
		case errors.Is(err, errWoken):
			c.idle = 0
		case isTimeout(err):
			if c.woken.Swap(false) {
				c.idle = 0
				continue
			}
			if err := c.idleTick(); err != nil {
				return c.fatal(err)
			}
		default:
			return c.fatal(err)
		}
	}
	return nil
}

func (c *Conn) feed(p []byte) {
	err := c.framer.Feed(p)
	if err == nil {
		return
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		c.log.Warn("peer protocol violation", "code", pe.Code, "reason", pe.Reason)
		return
	}
	c.log.Error("framing failed", "error", err)
}

// recv reads once under a HandlerTimeout deadline, retrying transient
// failures up to IORetries times.
func (c *Conn) recv(buf []byte) (int, error) {
	_ = c.tr.SetReadDeadline(time.Now().Add(c.cfg.HandlerTimeout))
	if c.woken.Swap(false) {
		return 0, errWoken
	}
	cb := c.cbs.Load()
	var err error
	for attempt := 0; attempt <= c.cfg.IORetries; attempt++ {
		var n int
		n, err = cb.recv(c, buf)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			continue
		}
		if !retryable(err) {
			return 0, err
		}
		c.log.Debug("read failed, retrying", "attempt", attempt+1, "error", err)
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// send writes p once, retrying transient failures up to IORetries times.
func (c *Conn) send(p []byte) (int, error) {
	cb := c.cbs.Load()
	var err error
	for attempt := 0; attempt <= c.cfg.IORetries; attempt++ {
		var n int
		n, err = cb.send(c, p)
		if n > 0 || err == nil {
			return n, err
		}
		if !retryable(err) {
			return 0, err
		}
		c.log.Debug("write failed, retrying", "attempt", attempt+1, "error", err)
	}
	return 0, err
}

// flush writes queued frames in order until the queue is empty or the
// write deadline expires. stalled reports that the peer accepted nothing
// within HandlerTimeout.
func (c *Conn) flush() (stalled bool, err error) {
	_ = c.tr.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	for {
		p := c.framer.Pending()
		if p == nil {
			return false, nil
		}
		n, err := c.send(p)
		if n > 0 {
			c.bytesSent.Add(int64(n))
			if c.framer.Advance(n) {
				c.framesSent.Add(1)
			}
		}
		switch {
		case err == nil && n == 0:
			return true, nil
		case err == nil:
		case isTimeout(err) && c.mode != api.ModeTLS:
			return true, nil
		default:
			return false, err
		}
	}
}

// writeTimeout bounds one flush. A timed-out write leaves a tls.Conn
// unusable, so TLS connections wait up to HandshakeTimeout instead.
func (c *Conn) writeTimeout() time.Duration {
	if c.mode == api.ModeTLS && c.cfg.HandshakeTimeout > c.cfg.HandlerTimeout {
		return c.cfg.HandshakeTimeout
	}
	return c.cfg.HandlerTimeout
}

// wake interrupts a blocked read so freshly queued output goes out without
// waiting for the read deadline.
func (c *Conn) wake() {
	c.woken.Store(true)
	_ = c.tr.SetReadDeadline(time.Now())
}

// fatal moves the connection to Error and reports Closed. Teardown to
// Stopped follows when Run unwinds.
func (c *Conn) fatal(cause error) error {
	if c.State() == api.StateStopped {
		return nil
	}
	var apiErr *api.Error
	if !errors.As(cause, &apiErr) {
		cause = api.Wrap(api.ErrCodeSocket, "connection i/o failed", cause)
	}
	_ = c.SetState(api.StateError)
	c.log.Warn("connection failed", "error", cause)
	c.notifyClosed()
	return cause
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return false
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return false
	case isTimeout(err):
		return false
	}
	return true
}
