// File: protocol/close.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close sequencer: queue a close frame, give the event loop a bounded
// window to complete the closing handshake, then tear down regardless.

package protocol

import (
	"time"

	"github.com/momentics/wsengine/api"
)

// StartClose queues a close frame and returns immediately. Callbacks running
// on the worker goroutine use it instead of Close. A zero code means 1000.
func (c *Conn) StartClose(code uint16, reason string) error {
	if !c.State().Running() {
		return nil
	}
	if code == 0 {
		code = CloseNormalClosure
	}
	err := c.framer.Enqueue(Frame{Opcode: OpcodeClose, Fin: true, Payload: closePayload(code, reason)})
	switch {
	case err == nil:
		c.wake()
		return nil
	case err == errCloseQueued:
		return nil
	}
	return api.Wrap(api.ErrCodeSend, "queue close frame", err)
}

// Close runs the closing handshake and releases the connection. On a
// running connection it queues the close frame and waits up to
// CloseRetries*ClosePollInterval for the event loop to finish, then closes
// the transport unconditionally; afterwards the state is Stopped. The close
// frame is queued even when Run has not been entered yet, and a Run that
// starts inside the window delivers it. A failure to queue the close frame
// is reported as ErrSend, but teardown still happens. Calling Close again is
// a no-op. Must not be called from a callback; use StartClose there.
func (c *Conn) Close(code uint16, reason string) error {
	var err error
	if c.State().Running() {
		err = c.StartClose(code, reason)
		if !c.awaitLoop() {
			c.log.Warn("closing handshake timed out, forcing teardown",
				"waited", time.Duration(c.cfg.CloseRetries)*c.cfg.ClosePollInterval)
		}
	}
	c.teardown()
	return err
}

// awaitLoop polls for the worker to exit.
func (c *Conn) awaitLoop() bool {
	ticker := time.NewTicker(c.cfg.ClosePollInterval)
	defer ticker.Stop()
	for i := 0; i < c.cfg.CloseRetries; i++ {
		select {
		case <-c.done:
			return true
		case <-ticker.C:
		}
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// teardown closes the transport, drops the framing context and leaves the
// connection Stopped. It runs once.
func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		c.stateMu.Lock()
		c.released = true
		c.stateMu.Unlock()
		if err := c.tr.Close(); err != nil {
			c.log.Debug("transport close", "error", err)
		}
		c.framer.Release()
		c.notifyClosed()
		_ = c.SetState(api.StateStopped)
		if c.started.CompareAndSwap(false, true) {
			close(c.done)
		}
		c.log.Debug("connection released")
	})
}
